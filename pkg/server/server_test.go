package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/agentns/ans/pkg/adapters"
	"github.com/agentns/ans/pkg/audit"
	"github.com/agentns/ans/pkg/ca"
	"github.com/agentns/ans/pkg/crypto"
	"github.com/agentns/ans/pkg/models"
	"github.com/agentns/ans/pkg/ocsp"
	"github.com/agentns/ans/pkg/ra"
	"github.com/agentns/ans/pkg/registry"
	"github.com/agentns/ans/pkg/storage"
)

type testStack struct {
	srv       *httptest.Server
	authority *ca.Authority
}

func newStack(t *testing.T) *testStack {
	t.Helper()
	log := zaptest.NewLogger(t)
	store := storage.NewMemory()
	authority, err := ca.New(ca.Options{Store: store, Logger: log})
	require.NoError(t, err)
	responder, err := ocsp.NewResponder(authority, ocsp.ResponderOptions{Delegate: true, Logger: log})
	require.NoError(t, err)
	metrics := audit.NewMetrics()
	sink := audit.NewLogger(log, metrics)
	client := ocsp.NewClient(authority, ocsp.LocalTransport{Responder: responder}, ocsp.ClientOptions{Sink: sink, Logger: log})
	registrar, err := ra.New(authority, adapters.NewRegistry(), log)
	require.NoError(t, err)
	reg, err := registry.New(context.Background(), store, authority, client, registry.Options{Sink: sink, Logger: log})
	require.NoError(t, err)

	srv := httptest.NewServer(New(registrar, reg, responder, metrics, sink, log).Router())
	t.Cleanup(srv.Close)
	return &testStack{srv: srv, authority: authority}
}

func registrationBody(t *testing.T, agentID, version string) []byte {
	t.Helper()
	key, err := crypto.GenerateKey(0)
	require.NoError(t, err)
	csr, err := crypto.CreateCSR(agentID, key)
	require.NoError(t, err)
	req := models.AgentRegistrationRequest{
		RequestType: "registration",
		RequestingAgent: models.RequestingAgent{
			Protocol:        "a2a",
			AgentName:       agentID,
			AgentCategory:   "conversation",
			ProviderName:    "openai",
			Version:         version,
			ANSName:         "a2a://" + agentID + ".conversation.openai.v" + version,
			AgentCapability: "conversation",
			AgentEndpoint:   "https://agents.example.com/" + agentID,
			CSRPEM:          string(csr),
			ProtocolExtensions: map[string]interface{}{
				"spec_version": "1.0.0",
				"capabilities": []interface{}{
					map[string]interface{}{
						"name":        "conversation",
						"version":     "1.0.0",
						"description": "general chat",
					},
				},
				"routing":  map[string]interface{}{"protocol": "http"},
				"security": map[string]interface{}{"encryption": "tls"},
			},
		},
	}
	raw, err := json.Marshal(req)
	require.NoError(t, err)
	return raw
}

func (s *testStack) post(t *testing.T, path string, body []byte) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(s.srv.URL+path, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func (s *testStack) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(s.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func TestRegisterResolveFlow(t *testing.T) {
	s := newStack(t)

	resp, body := s.post(t, "/register", registrationBody(t, "chat", "1.2.3"))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var regResp models.AgentRegistrationResponse
	require.NoError(t, json.Unmarshal(body, &regResp))
	assert.Equal(t, "success", regResp.Status)
	require.NotNil(t, regResp.Certificate)
	assert.Contains(t, regResp.Certificate.Subject, "CN=chat")

	resolveBody, _ := json.Marshal(models.ResolutionRequest{ANSName: "a2a://chat.conversation.openai.v1.2.3"})
	resp, body = s.post(t, "/resolve", resolveBody)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var record models.EndpointRecord
	require.NoError(t, json.Unmarshal(body, &record))
	assert.Equal(t, "chat", record.Data.AgentID)
	assert.NotEmpty(t, record.Signature)
	assert.NotEmpty(t, record.RegistryCertificate)
}

func TestRegisterConflictReturns409(t *testing.T) {
	s := newStack(t)
	resp, _ := s.post(t, "/register", registrationBody(t, "chat", "1.2.3"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := s.post(t, "/register", registrationBody(t, "chat", "1.2.3"))
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	var failure struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body, &failure))
	assert.Equal(t, "failure", failure.Status)
	assert.NotEmpty(t, failure.Error)
}

func TestRegisterValidationFailures(t *testing.T) {
	s := newStack(t)

	t.Run("schema error", func(t *testing.T) {
		resp, _ := s.post(t, "/register", []byte(`{"requestType":"registration"}`))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("name mismatch", func(t *testing.T) {
		var req models.AgentRegistrationRequest
		require.NoError(t, json.Unmarshal(registrationBody(t, "chat", "1.2.3"), &req))
		req.RequestingAgent.ProviderName = "anthropic"
		raw, _ := json.Marshal(req)
		resp, body := s.post(t, "/register", raw)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Contains(t, string(body), "anthropic")
	})

	t.Run("missing spec_version", func(t *testing.T) {
		var req models.AgentRegistrationRequest
		require.NoError(t, json.Unmarshal(registrationBody(t, "newbie", "1.0.0"), &req))
		delete(req.RequestingAgent.ProtocolExtensions, "spec_version")
		raw, _ := json.Marshal(req)
		resp, _ := s.post(t, "/register", raw)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		// The agent must not have been persisted.
		resp, body := s.get(t, "/agents?protocol=a2a")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.NotContains(t, string(body), "newbie")
	})
}

func TestResolveVersionRanges(t *testing.T) {
	s := newStack(t)
	for _, v := range []string{"1.0.0", "1.2.3", "2.0.0"} {
		resp, body := s.post(t, "/register", registrationBody(t, "chat", v))
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	}

	resolve := func(rng string) (int, *models.EndpointRecord) {
		raw, _ := json.Marshal(models.ResolutionRequest{
			ANSName:      "a2a://chat.conversation.openai",
			VersionRange: rng,
		})
		resp, body := s.post(t, "/resolve", raw)
		if resp.StatusCode != http.StatusOK {
			return resp.StatusCode, nil
		}
		var record models.EndpointRecord
		require.NoError(t, json.Unmarshal(body, &record))
		return resp.StatusCode, &record
	}

	code, record := resolve("^1.0.0")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "a2a://chat.conversation.openai.v1.2.3", record.Data.ANSName)

	code, record = resolve("^2.0.0")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "a2a://chat.conversation.openai.v2.0.0", record.Data.ANSName)

	code, _ = resolve("^3.0.0")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestRevokeFlow(t *testing.T) {
	s := newStack(t)
	resp, body := s.post(t, "/register", registrationBody(t, "chat", "1.0.0"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var regResp models.AgentRegistrationResponse
	require.NoError(t, json.Unmarshal(body, &regResp))
	serial := regResp.Certificate.SerialNumber

	raw, _ := json.Marshal(models.RevocationRequest{AgentID: "chat", Reason: "compromised"})
	resp, _ = s.post(t, "/revoke", raw)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The OCSP endpoint reports revoked immediately.
	resp, body = s.get(t, "/ocsp?serial="+serial)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status ocsp.Response
	require.NoError(t, json.Unmarshal(body, &status))
	assert.Equal(t, ocsp.StatusRevoked, status.Status)
	assert.Equal(t, "compromised", status.RevocationReason)

	// Resolution no longer finds the agent.
	raw, _ = json.Marshal(models.ResolutionRequest{ANSName: "a2a://chat.conversation.openai.v1.0.0"})
	resp, _ = s.post(t, "/resolve", raw)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Revoking again is idempotent.
	raw, _ = json.Marshal(models.RevocationRequest{AgentID: "chat"})
	resp, _ = s.post(t, "/revoke", raw)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRenewFlow(t *testing.T) {
	s := newStack(t)
	resp, body := s.post(t, "/register", registrationBody(t, "chat", "1.0.0"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var regResp models.AgentRegistrationResponse
	require.NoError(t, json.Unmarshal(body, &regResp))

	key, err := crypto.GenerateKey(0)
	require.NoError(t, err)
	csr, err := crypto.CreateCSR("chat", key)
	require.NoError(t, err)
	renewReq := models.AgentRenewalRequest{
		RequestType: "renewal",
		RequestingAgent: models.RenewingAgent{
			AgentID:  "chat",
			ANSName:  "a2a://chat.conversation.openai.v1.0.0",
			Protocol: "a2a",
			CSRPEM:   string(csr),
			CurrentCertificate: models.RenewalCertificateRef{
				SerialNumber: regResp.Certificate.SerialNumber,
				PEM:          regResp.Certificate.PEM,
			},
		},
	}
	raw, _ := json.Marshal(renewReq)
	resp, body = s.post(t, "/renew", raw)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var renewResp models.AgentRenewalResponse
	require.NoError(t, json.Unmarshal(body, &renewResp))
	assert.Equal(t, "success", renewResp.Status)
	require.NotNil(t, renewResp.Agent)
	assert.NotNil(t, renewResp.Agent.LastRenewalTime)
	assert.NotEqual(t, regResp.Certificate.SerialNumber, renewResp.Certificate.SerialNumber)
	require.NotNil(t, renewResp.ValidUntil)

	// The previous certificate is still good by default.
	resp, body = s.get(t, "/ocsp?serial="+regResp.Certificate.SerialNumber)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status ocsp.Response
	require.NoError(t, json.Unmarshal(body, &status))
	assert.Equal(t, ocsp.StatusGood, status.Status)
}

func TestListAgents(t *testing.T) {
	s := newStack(t)
	resp, _ := s.post(t, "/register", registrationBody(t, "chat", "1.0.0"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = s.post(t, "/register", registrationBody(t, "helper", "1.0.0"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := s.get(t, "/agents?protocol=a2a&capability=conversation")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list models.AgentListResponse
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Equal(t, 2, list.MatchCount)
	assert.Equal(t, 2, list.TotalCount)
	assert.Equal(t, "a2a", list.Query["protocol"])
	assert.Equal(t, "*", list.Query["provider"])

	resp, body = s.get(t, "/agents?provider=nonexistent")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Equal(t, 0, list.MatchCount)
	assert.NotNil(t, list.Agents)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newStack(t)

	resp, body := s.get(t, "/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"healthy"}`, string(body))

	resp, _ = s.post(t, "/register", registrationBody(t, "chat", "1.0.0"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = s.get(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "ans_audit_events_total")
}
