// Command ansctl is the operator CLI for a running ANS daemon.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/agentns/ans/pkg/crypto"
	"github.com/agentns/ans/pkg/models"
)

var ansURL = getEnv("ANS_URL", "http://localhost:8080")

func getEnv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "keygen":
		runKeygen(args)
	case "csr":
		runCSR(args)
	case "resolve":
		runResolve(args)
	case "revoke":
		runRevoke(args)
	case "agents":
		runAgents(args)
	case "status":
		runStatus(args)
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `ansctl - Agent Name Service operator CLI

Usage:
  ansctl keygen <key.pem>                 Generate an RSA keypair
  ansctl csr <key.pem> <agent-id>         Build a CSR for agent-id
  ansctl resolve <ans-name> [range]       Resolve a name, print the record
  ansctl revoke <agent-id> [reason]       Revoke an agent
  ansctl agents [protocol]                List registered agents
  ansctl status <serial>                  Query OCSP status for a serial

Environment:
  ANS_URL    daemon base URL (default http://localhost:8080)
`)
}

func runKeygen(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: ansctl keygen <key.pem>")
		os.Exit(1)
	}
	key, err := crypto.GenerateKey(0)
	if err != nil {
		die("keygen failed", err)
	}
	if err := os.WriteFile(args[0], crypto.EncodePrivateKeyPEM(key), 0600); err != nil {
		die("write key", err)
	}
	fmt.Println("wrote", args[0])
}

func runCSR(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: ansctl csr <key.pem> <agent-id>")
		os.Exit(1)
	}
	keyPEM, err := os.ReadFile(args[0])
	if err != nil {
		die("read key", err)
	}
	key, err := crypto.ParsePrivateKeyPEM(keyPEM)
	if err != nil {
		die("parse key", err)
	}
	csrPEM, err := crypto.CreateCSR(args[1], key)
	if err != nil {
		die("build CSR", err)
	}
	os.Stdout.Write(csrPEM)
}

func runResolve(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: ansctl resolve <ans-name> [version-range]")
		os.Exit(1)
	}
	req := models.ResolutionRequest{ANSName: args[0]}
	if len(args) > 1 {
		req.VersionRange = args[1]
	}
	printResponse(post("/resolve", req))
}

func runRevoke(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: ansctl revoke <agent-id> [reason]")
		os.Exit(1)
	}
	req := models.RevocationRequest{AgentID: args[0]}
	if len(args) > 1 {
		req.Reason = args[1]
	}
	printResponse(post("/revoke", req))
}

func runAgents(args []string) {
	endpoint := "/agents"
	if len(args) > 0 {
		endpoint += "?protocol=" + url.QueryEscape(args[0])
	}
	printResponse(get(endpoint))
}

func runStatus(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: ansctl status <serial>")
		os.Exit(1)
	}
	printResponse(get("/ocsp?serial=" + url.QueryEscape(args[0])))
}

func post(path string, body interface{}) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(ansURL+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func get(path string) ([]byte, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(ansURL + path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func printResponse(body []byte, err error) {
	if err != nil {
		die("request failed", err)
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, body, "", "  ") == nil {
		pretty.WriteTo(os.Stdout)
		fmt.Println()
		return
	}
	os.Stdout.Write(body)
}

func die(msg string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}
