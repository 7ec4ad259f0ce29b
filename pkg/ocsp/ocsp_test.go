package ocsp

import (
	"context"
	"crypto/x509"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentns/ans/pkg/anserr"
	"github.com/agentns/ans/pkg/audit"
	"github.com/agentns/ans/pkg/ca"
	"github.com/agentns/ans/pkg/crypto"
)

func newAuthority(t *testing.T) *ca.Authority {
	t.Helper()
	a, err := ca.New(ca.Options{})
	require.NoError(t, err)
	return a
}

func issueCert(t *testing.T, authority *ca.Authority, cn string) *x509.Certificate {
	t.Helper()
	key, err := crypto.GenerateKey(0)
	require.NoError(t, err)
	csr, err := crypto.CreateCSR(cn, key)
	require.NoError(t, err)
	cert, err := authority.Issue(context.Background(), csr)
	require.NoError(t, err)
	return cert
}

type recordingSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingSink) Emit(e audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingSink) byType(t audit.EventType) []audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []audit.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func TestResponderStatuses(t *testing.T) {
	authority := newAuthority(t)
	responder, err := NewResponder(authority, ResponderOptions{})
	require.NoError(t, err)
	cert := issueCert(t, authority, "chat")
	serial := ca.SerialString(cert.SerialNumber)

	resp, err := responder.Check(Request{IssuerNameHash: responder.IssuerHash(), Serial: serial})
	require.NoError(t, err)
	assert.Equal(t, StatusGood, resp.Status)
	assert.True(t, resp.NextUpdate.After(resp.ProducedAt))

	_, err = authority.Revoke(context.Background(), serial, "compromised")
	require.NoError(t, err)

	resp, err = responder.Check(Request{IssuerNameHash: responder.IssuerHash(), Serial: serial})
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, resp.Status)
	require.NotNil(t, resp.RevocationTime)
	assert.Equal(t, "compromised", resp.RevocationReason)

	resp, err = responder.Check(Request{IssuerNameHash: responder.IssuerHash(), Serial: "DOESNOTEXIST"})
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, resp.Status)
}

func TestResponderSignatureVerifies(t *testing.T) {
	authority := newAuthority(t)
	responder, err := NewResponder(authority, ResponderOptions{Delegate: true})
	require.NoError(t, err)
	cert := issueCert(t, authority, "chat")

	resp, err := responder.Check(Request{IssuerNameHash: responder.IssuerHash(), Serial: ca.SerialString(cert.SerialNumber)})
	require.NoError(t, err)

	respCert, err := resp.VerifySignature(time.Now())
	require.NoError(t, err)
	// A delegated responder certificate chains to the CA.
	require.NoError(t, authority.VerifyChain(respCert))

	tampered := *resp
	tampered.Status = StatusRevoked
	_, err = tampered.VerifySignature(time.Now())
	require.Error(t, err)
}

func TestResponderRejectsForeignIssuerHash(t *testing.T) {
	authority := newAuthority(t)
	responder, err := NewResponder(authority, ResponderOptions{})
	require.NoError(t, err)

	_, err = responder.Check(Request{IssuerNameHash: "feedface", Serial: "1"})
	require.Error(t, err)
	assert.Equal(t, anserr.KindNotIssuedByThisCA, anserr.KindOf(err))
}

func TestResponderCacheInvalidatedOnRevoke(t *testing.T) {
	authority := newAuthority(t)
	responder, err := NewResponder(authority, ResponderOptions{})
	require.NoError(t, err)
	cert := issueCert(t, authority, "chat")
	serial := ca.SerialString(cert.SerialNumber)

	first, err := responder.Check(Request{IssuerNameHash: responder.IssuerHash(), Serial: serial})
	require.NoError(t, err)
	assert.Equal(t, StatusGood, first.Status)

	// Cached good responses must not outlive revocation.
	_, err = authority.Revoke(context.Background(), serial, "test")
	require.NoError(t, err)

	second, err := responder.Check(Request{IssuerNameHash: responder.IssuerHash(), Serial: serial})
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, second.Status)
}

func TestClientGoodAndRevoked(t *testing.T) {
	authority := newAuthority(t)
	responder, err := NewResponder(authority, ResponderOptions{})
	require.NoError(t, err)
	client := NewClient(authority, LocalTransport{Responder: responder}, ClientOptions{})
	cert := issueCert(t, authority, "chat")
	serial := ca.SerialString(cert.SerialNumber)

	require.NoError(t, client.Check(context.Background(), cert))
	// Second check is served from the client cache.
	require.NoError(t, client.Check(context.Background(), cert))

	_, err = authority.Revoke(context.Background(), serial, "test")
	require.NoError(t, err)

	err = client.Check(context.Background(), cert)
	require.Error(t, err)
	assert.Equal(t, anserr.KindCertificateRevoked, anserr.KindOf(err))
}

func TestClientRejectsUnknown(t *testing.T) {
	authority := newAuthority(t)
	responder, err := NewResponder(authority, ResponderOptions{})
	require.NoError(t, err)
	client := NewClient(authority, LocalTransport{Responder: responder}, ClientOptions{})

	// A certificate from a different CA is unknown to this responder and
	// must not be trusted.
	other := newAuthority(t)
	foreign := issueCert(t, other, "chat")
	err = client.Check(context.Background(), foreign)
	require.Error(t, err)
}

type failingTransport struct{}

func (failingTransport) Roundtrip(context.Context, Request) (*Response, error) {
	return nil, errors.New("connection refused")
}

func TestClientFallsBackOnTransportFailure(t *testing.T) {
	authority := newAuthority(t)
	sink := &recordingSink{}
	client := NewClient(authority, failingTransport{}, ClientOptions{Sink: sink})
	cert := issueCert(t, authority, "chat")

	// Transport is down: the chain verification fallback still trusts a
	// valid certificate, and the downgrade is audited.
	require.NoError(t, client.Check(context.Background(), cert))
	require.NotEmpty(t, sink.byType(audit.EventOCSPFallback))

	// The fallback still rejects a revoked certificate.
	_, err := authority.Revoke(context.Background(), ca.SerialString(cert.SerialNumber), "test")
	require.NoError(t, err)
	err = client.Check(context.Background(), cert)
	require.Error(t, err)
	assert.Equal(t, anserr.KindCertificateRevoked, anserr.KindOf(err))
}

func TestClientDisabledUsesFallback(t *testing.T) {
	authority := newAuthority(t)
	responder, err := NewResponder(authority, ResponderOptions{})
	require.NoError(t, err)
	sink := &recordingSink{}
	client := NewClient(authority, LocalTransport{Responder: responder}, ClientOptions{Disabled: true, Sink: sink})
	cert := issueCert(t, authority, "chat")

	require.NoError(t, client.Check(context.Background(), cert))
	require.NotEmpty(t, sink.byType(audit.EventOCSPFallback))
}

func TestClientCacheInvalidatedOnRevoke(t *testing.T) {
	authority := newAuthority(t)
	responder, err := NewResponder(authority, ResponderOptions{})
	require.NoError(t, err)
	client := NewClient(authority, LocalTransport{Responder: responder}, ClientOptions{})
	cert := issueCert(t, authority, "chat")

	require.NoError(t, client.Check(context.Background(), cert))
	_, err = authority.Revoke(context.Background(), ca.SerialString(cert.SerialNumber), "test")
	require.NoError(t, err)

	// The cached good entry was dropped synchronously during Revoke.
	err = client.Check(context.Background(), cert)
	require.Error(t, err)
	assert.Equal(t, anserr.KindCertificateRevoked, anserr.KindOf(err))
}
