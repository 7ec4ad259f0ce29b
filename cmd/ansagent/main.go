// Command ansagent enrolls an agent with a running ANS daemon: it
// generates a keypair, builds a CSR, posts a registration, and writes the
// issued certificate material to disk.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/agentns/ans/pkg/crypto"
	"github.com/agentns/ans/pkg/models"
)

var (
	ansURL  = getEnv("ANS_URL", "http://localhost:8080")
	certDir = getEnv("CERT_DIR", "certs")
)

func getEnv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func main() {
	agentName := os.Getenv("AGENT_NAME")
	category := os.Getenv("AGENT_CATEGORY")
	provider := os.Getenv("PROVIDER_NAME")
	version := os.Getenv("AGENT_VERSION")
	protocol := getEnv("AGENT_PROTOCOL", "a2a")
	endpoint := os.Getenv("AGENT_ENDPOINT")
	extensionsPath := os.Getenv("EXTENSIONS_FILE")
	if agentName == "" || category == "" || provider == "" || version == "" || endpoint == "" || extensionsPath == "" {
		fmt.Fprintln(os.Stderr, "AGENT_NAME, AGENT_CATEGORY, PROVIDER_NAME, AGENT_VERSION, AGENT_ENDPOINT and EXTENSIONS_FILE required")
		os.Exit(1)
	}

	extRaw, err := os.ReadFile(extensionsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read extensions: %v\n", err)
		os.Exit(1)
	}
	var extensions map[string]interface{}
	if err := json.Unmarshal(extRaw, &extensions); err != nil {
		fmt.Fprintf(os.Stderr, "parse extensions: %v\n", err)
		os.Exit(1)
	}

	key, err := crypto.GenerateKey(0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "keygen failed: %v\n", err)
		os.Exit(1)
	}
	csrPEM, err := crypto.CreateCSR(agentName, key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "csr failed: %v\n", err)
		os.Exit(1)
	}

	ansName := fmt.Sprintf("%s://%s.%s.%s.v%s", protocol, agentName, category, provider, version)
	req := models.AgentRegistrationRequest{
		RequestType: "registration",
		RequestingAgent: models.RequestingAgent{
			Protocol:           protocol,
			AgentName:          agentName,
			AgentCategory:      category,
			ProviderName:       provider,
			Version:            version,
			ANSName:            ansName,
			AgentCapability:    category,
			AgentEndpoint:      endpoint,
			CSRPEM:             string(csrPEM),
			ProtocolExtensions: extensions,
		},
	}

	resp, err := register(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "register failed: %v\n", err)
		os.Exit(1)
	}
	if resp.Status != "success" {
		fmt.Fprintf(os.Stderr, "registration rejected: %s\n", resp.Error)
		os.Exit(1)
	}

	if err := os.MkdirAll(certDir, 0700); err != nil {
		fmt.Fprintf(os.Stderr, "mkdir failed: %v\n", err)
		os.Exit(1)
	}
	writeFile(filepath.Join(certDir, "cert.pem"), resp.Certificate.PEM, 0644)
	writeFile(filepath.Join(certDir, "key.pem"), string(crypto.EncodePrivateKeyPEM(key)), 0600)

	fmt.Printf("Registered %s, certificate serial %s\n", ansName, resp.Certificate.SerialNumber)
}

func register(req models.AgentRegistrationRequest) (*models.AgentRegistrationResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: 10 * time.Second}
	httpResp, err := client.Post(ansURL+"/register", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()
	payload, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}
	var resp models.AgentRegistrationResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("%s: %s", httpResp.Status, payload)
	}
	return &resp, nil
}

func writeFile(path, content string, mode os.FileMode) {
	// Atomic write: temp + rename
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), mode); err != nil {
		fmt.Fprintf(os.Stderr, "write %s: %v\n", path, err)
		os.Exit(1)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		fmt.Fprintf(os.Stderr, "rename %s: %v\n", path, err)
		os.Exit(1)
	}
}
