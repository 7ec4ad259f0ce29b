package ocsp

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/agentns/ans/pkg/anserr"
	"github.com/agentns/ans/pkg/audit"
	"github.com/agentns/ans/pkg/ca"
)

const (
	// DefaultClientTTL caps how long the client trusts a cached good
	// response.
	DefaultClientTTL = 10 * time.Minute

	// DefaultTransportTimeout bounds a single status query.
	DefaultTransportTimeout = 2 * time.Second
)

// Transport carries a status request to a responder.
type Transport interface {
	Roundtrip(ctx context.Context, req Request) (*Response, error)
}

// LocalTransport queries an in-process responder.
type LocalTransport struct {
	Responder *Responder
}

func (t LocalTransport) Roundtrip(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, anserr.E("ocsp.LocalTransport", anserr.KindOCSPUnavailable, err)
	}
	return t.Responder.Check(req)
}

// HTTPTransport queries a remote responder over HTTP.
type HTTPTransport struct {
	URL    string
	Client *http.Client
}

func (t HTTPTransport) Roundtrip(ctx context.Context, req Request) (*Response, error) {
	const op = "ocsp.HTTPTransport"
	body, err := json.Marshal(req)
	if err != nil {
		return nil, anserr.E(op, anserr.KindInternal, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(body))
	if err != nil {
		return nil, anserr.E(op, anserr.KindInternal, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, anserr.E(op, anserr.KindOCSPUnavailable, err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(httpResp.Body, 1024))
		return nil, anserr.E(op, anserr.KindOCSPUnavailable,
			fmt.Sprintf("responder returned %s: %s", httpResp.Status, payload))
	}
	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, anserr.E(op, anserr.KindOCSPUnavailable, "undecodable responder body", err)
	}
	return &resp, nil
}

// Client checks certificate status before the registry trusts a
// certificate. Good responses are cached per serial; transport or
// signature failures fall back to the CA's synchronous chain verification
// and are reported through the audit sink. An unknown status rejects.
type Client struct {
	authority *ca.Authority
	transport Transport
	breaker   *gobreaker.CircuitBreaker
	hash      string
	ttl       time.Duration
	timeout   time.Duration
	disabled  bool
	sink      audit.Sink
	log       *zap.Logger

	mu    sync.RWMutex
	cache map[string]time.Time // serial -> trust-until
}

// ClientOptions configures NewClient.
type ClientOptions struct {
	TTL      time.Duration // DefaultClientTTL when 0
	Timeout  time.Duration // DefaultTransportTimeout when 0
	Disabled bool          // route every check straight to the fallback
	Sink     audit.Sink
	Logger   *zap.Logger
}

// NewClient builds a status-checking client for certificates issued by
// authority.
func NewClient(authority *ca.Authority, transport Transport, opts ClientOptions) *Client {
	if opts.TTL == 0 {
		opts.TTL = DefaultClientTTL
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTransportTimeout
	}
	if opts.Sink == nil {
		opts.Sink = audit.NopSink{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	c := &Client{
		authority: authority,
		transport: transport,
		hash:      IssuerNameHash(authority.Certificate()),
		ttl:       opts.TTL,
		timeout:   opts.Timeout,
		disabled:  opts.Disabled,
		sink:      opts.Sink,
		log:       opts.Logger,
		cache:     make(map[string]time.Time),
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "ocsp-transport",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	authority.OnRevoke(c.Invalidate)
	return c
}

// Invalidate drops the cached good entry for serial.
func (c *Client) Invalidate(serial string) {
	c.mu.Lock()
	delete(c.cache, serial)
	c.mu.Unlock()
}

// Check validates cert's status. A nil return means the certificate may be
// trusted right now.
func (c *Client) Check(ctx context.Context, cert *x509.Certificate) error {
	const op = "ocsp.Client.Check"
	serial := ca.SerialString(cert.SerialNumber)
	if c.disabled {
		return c.fallback(cert, serial, "ocsp disabled by configuration")
	}

	now := time.Now()
	c.mu.RLock()
	until, ok := c.cache[serial]
	c.mu.RUnlock()
	if ok && now.Before(until) {
		return nil
	}

	resp, err := c.query(ctx, serial)
	if err != nil {
		return c.fallback(cert, serial, err.Error())
	}
	now = time.Now()
	respCert, err := resp.VerifySignature(now)
	if err != nil {
		c.sink.Emit(audit.Event{Type: audit.EventSignatureFailure, Subject: serial, Detail: err.Error()})
		return c.fallback(cert, serial, err.Error())
	}
	// The responder certificate must chain to the CA; a revoked or foreign
	// responder is as untrustworthy as a bad signature.
	if err := c.authority.VerifyChain(respCert); err != nil {
		c.sink.Emit(audit.Event{Type: audit.EventSignatureFailure, Subject: serial, Detail: err.Error()})
		return c.fallback(cert, serial, err.Error())
	}

	switch resp.Status {
	case StatusGood:
		trustFor := c.ttl
		if d := time.Until(resp.NextUpdate); d < trustFor {
			trustFor = d
		}
		c.mu.Lock()
		c.cache[serial] = now.Add(trustFor)
		c.mu.Unlock()
		return nil
	case StatusRevoked:
		return anserr.E(op, anserr.KindCertificateRevoked, "certificate revoked: serial "+serial)
	default:
		return anserr.E(op, anserr.KindNotIssuedByThisCA, "certificate status unknown: serial "+serial)
	}
}

func (c *Client) query(ctx context.Context, serial string) (*Response, error) {
	res, err := c.breaker.Execute(func() (interface{}, error) {
		qctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		return c.transport.Roundtrip(qctx, Request{IssuerNameHash: c.hash, Serial: serial})
	})
	if err != nil {
		return nil, anserr.E("ocsp.Client.query", anserr.KindOCSPUnavailable, err)
	}
	return res.(*Response), nil
}

// fallback is the synchronous verification path used when the responder is
// unreachable, misbehaving, or disabled. The downgrade is observable
// through the audit sink but not through the caller's error.
func (c *Client) fallback(cert *x509.Certificate, serial, reason string) error {
	c.sink.Emit(audit.Event{Type: audit.EventOCSPFallback, Subject: serial, Detail: reason})
	c.log.Warn("ocsp fallback to chain verification",
		zap.String("serial", serial), zap.String("reason", reason))
	return c.authority.VerifyChain(cert)
}
