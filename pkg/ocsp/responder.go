package ocsp

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentns/ans/pkg/anserr"
	"github.com/agentns/ans/pkg/ca"
	"github.com/agentns/ans/pkg/crypto"
)

// DefaultResponderTTL bounds how long a response stays valid and cached.
const DefaultResponderTTL = time.Hour

// Responder answers status queries against the CA's issued and revocation
// sets, signing each response. Responses are cached by cert_id until their
// next_update; revocation invalidates the cached entry synchronously.
type Responder struct {
	authority *ca.Authority
	key       *rsa.PrivateKey
	cert      *x509.Certificate
	certPEM   string
	hash      string
	ttl       time.Duration
	log       *zap.Logger

	mu    sync.Mutex
	cache map[CertID]*Response
}

// ResponderOptions configures NewResponder.
type ResponderOptions struct {
	TTL      time.Duration // DefaultResponderTTL when 0
	Delegate bool          // sign with a CA-issued responder cert instead of the CA key
	Logger   *zap.Logger
}

// NewResponder builds a responder for authority. With Delegate set, a fresh
// responder keypair is generated and certified by the CA; otherwise
// responses are signed directly with the CA key.
func NewResponder(authority *ca.Authority, opts ResponderOptions) (*Responder, error) {
	if opts.TTL == 0 {
		opts.TTL = DefaultResponderTTL
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	r := &Responder{
		authority: authority,
		ttl:       opts.TTL,
		log:       opts.Logger,
		hash:      IssuerNameHash(authority.Certificate()),
		cache:     make(map[CertID]*Response),
	}
	if opts.Delegate {
		key, err := crypto.GenerateKey(0)
		if err != nil {
			return nil, err
		}
		csr, err := crypto.CreateCSR("ocsp-responder", key)
		if err != nil {
			return nil, err
		}
		cert, err := authority.Issue(context.Background(), csr)
		if err != nil {
			return nil, err
		}
		r.key, r.cert = key, cert
	} else {
		r.key, r.cert = authority.Key(), authority.Certificate()
	}
	r.certPEM = string(crypto.EncodeCertPEM(r.cert))
	authority.OnRevoke(r.Invalidate)
	return r, nil
}

// Check answers a status query, serving from cache while the cached
// response is still inside its window.
func (r *Responder) Check(req Request) (*Response, error) {
	const op = "ocsp.Responder.Check"
	if req.IssuerNameHash != r.hash {
		return nil, anserr.E(op, anserr.KindNotIssuedByThisCA, "issuer name hash does not match this CA")
	}
	if req.Serial == "" {
		return nil, anserr.E(op, anserr.KindSchemaError, "serial is required")
	}
	id := CertID{IssuerNameHash: req.IssuerNameHash, Serial: req.Serial}
	now := time.Now().UTC()

	r.mu.Lock()
	if cached, ok := r.cache[id]; ok && now.Before(cached.NextUpdate) {
		r.mu.Unlock()
		return cached, nil
	}
	r.mu.Unlock()

	status, entry := r.authority.StatusOf(req.Serial)
	resp := &Response{
		CertID:               id,
		Status:               string(status),
		ProducedAt:           now,
		NextUpdate:           now.Add(r.ttl),
		ResponderCertificate: r.certPEM,
	}
	if entry != nil {
		t := entry.RevokedAt
		resp.RevocationTime = &t
		resp.RevocationReason = entry.Reason
	}
	payload, err := resp.signingBytes()
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(r.key, payload)
	if err != nil {
		return nil, err
	}
	resp.Signature = hex.EncodeToString(sig)

	r.mu.Lock()
	r.cache[id] = resp
	r.mu.Unlock()
	return resp, nil
}

// Invalidate drops any cached response for serial. Called from the CA's
// revocation path before Revoke returns.
func (r *Responder) Invalidate(serial string) {
	id := CertID{IssuerNameHash: r.hash, Serial: serial}
	r.mu.Lock()
	delete(r.cache, id)
	r.mu.Unlock()
}

// IssuerHash returns the hash verifiers must place in requests.
func (r *Responder) IssuerHash() string { return r.hash }

// ServeHTTP handles GET /ocsp?serial=… and POST /ocsp with a JSON Request.
func (r *Responder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var q Request
	switch req.Method {
	case http.MethodGet:
		q = Request{IssuerNameHash: r.hash, Serial: req.URL.Query().Get("serial")}
	case http.MethodPost:
		if err := json.NewDecoder(req.Body).Decode(&q); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp, err := r.Check(q)
	if err != nil {
		r.log.Warn("ocsp check failed", zap.String("serial", q.Serial), zap.Error(err))
		status := http.StatusBadRequest
		if anserr.KindOf(err) == anserr.KindInternal {
			status = http.StatusInternalServerError
		}
		http.Error(w, anserr.Message(err), status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
