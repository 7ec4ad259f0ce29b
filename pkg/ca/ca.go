// Package ca implements the in-system certificate authority: issuance from
// CSRs, revocation, and chain verification for every certificate the Agent
// Name Service hands out.
package ca

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentns/ans/pkg/anserr"
	"github.com/agentns/ans/pkg/ansname"
	"github.com/agentns/ans/pkg/crypto"
	"github.com/agentns/ans/pkg/models"
	"github.com/agentns/ans/pkg/storage"
)

const (
	// DefaultCertTTL is the validity window for issued certificates.
	DefaultCertTTL = 365 * 24 * time.Hour

	// DefaultCATTL is the validity window for the CA certificate itself.
	DefaultCATTL = 10 * 365 * 24 * time.Hour

	keyFile  = "ca.key"
	certFile = "ca.crt"
)

// Status is the issuance/revocation state of a serial as the CA sees it.
type Status string

const (
	StatusGood    Status = "good"
	StatusRevoked Status = "revoked"
	StatusUnknown Status = "unknown"
)

// Authority issues, revokes and verifies certificates. Safe for concurrent
// use.
type Authority struct {
	mu      sync.RWMutex
	key     *rsa.PrivateKey
	cert    *x509.Certificate
	counter uint64
	issued  map[string]*x509.Certificate
	revoked map[string]*models.RevocationEntry
	hooks   []func(serial string)

	certTTL time.Duration
	store   storage.Store
	log     *zap.Logger
}

// Options configures a new Authority.
type Options struct {
	CommonName string
	CertTTL    time.Duration // validity of issued certs; DefaultCertTTL when 0
	Store      storage.Store // revocation persistence; may be nil
	Logger     *zap.Logger
}

func (o *Options) fill() {
	if o.CommonName == "" {
		o.CommonName = "ANS CA"
	}
	if o.CertTTL == 0 {
		o.CertTTL = DefaultCertTTL
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// New creates an Authority with a fresh self-signed CA certificate.
func New(opts Options) (*Authority, error) {
	const op = "ca.New"
	opts.fill()
	key, err := crypto.GenerateKey(0)
	if err != nil {
		return nil, err
	}
	serial, err := crypto.RandomSerial(0)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: opts.CommonName},
		NotBefore:             now,
		NotAfter:              crypto.NotAfter(now, DefaultCATTL),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SignatureAlgorithm:    x509.SHA256WithRSA,
	}
	cert, err := crypto.SignCertificate(tmpl, nil, &key.PublicKey, key)
	if err != nil {
		return nil, anserr.E(op, anserr.KindInternal, err)
	}
	a := newAuthority(key, cert, opts)
	a.log.Info("certificate authority created",
		zap.String("common_name", opts.CommonName),
		zap.String("serial", SerialString(cert.SerialNumber)))
	return a, nil
}

func newAuthority(key *rsa.PrivateKey, cert *x509.Certificate, opts Options) *Authority {
	return &Authority{
		key:     key,
		cert:    cert,
		issued:  make(map[string]*x509.Certificate),
		revoked: make(map[string]*models.RevocationEntry),
		certTTL: opts.CertTTL,
		store:   opts.Store,
		log:     opts.Logger,
	}
}

// Load reads a previously saved CA keypair from dir.
func Load(dir string, opts Options) (*Authority, error) {
	const op = "ca.Load"
	opts.fill()
	keyPEM, err := os.ReadFile(filepath.Join(dir, keyFile))
	if err != nil {
		return nil, anserr.E(op, anserr.KindInternal, err)
	}
	certPEM, err := os.ReadFile(filepath.Join(dir, certFile))
	if err != nil {
		return nil, anserr.E(op, anserr.KindInternal, err)
	}
	key, err := crypto.ParsePrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, err
	}
	cert, err := crypto.ParseCertPEM(certPEM)
	if err != nil {
		return nil, err
	}
	return newAuthority(key, cert, opts), nil
}

// Save writes the CA keypair to dir.
func (a *Authority) Save(dir string) error {
	const op = "ca.Save"
	if err := os.MkdirAll(dir, 0700); err != nil {
		return anserr.E(op, anserr.KindInternal, err)
	}
	if err := os.WriteFile(filepath.Join(dir, keyFile), crypto.EncodePrivateKeyPEM(a.key), 0600); err != nil {
		return anserr.E(op, anserr.KindInternal, err)
	}
	if err := os.WriteFile(filepath.Join(dir, certFile), crypto.EncodeCertPEM(a.cert), 0644); err != nil {
		return anserr.E(op, anserr.KindInternal, err)
	}
	return nil
}

// RestoreRevocations hydrates the in-memory revocation list from storage.
func (a *Authority) RestoreRevocations(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	entries, err := a.store.ListRevocations(ctx)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range entries {
		a.revoked[e.Serial] = e
	}
	return nil
}

// Certificate returns the CA certificate.
func (a *Authority) Certificate() *x509.Certificate { return a.cert }

// CertificatePEM returns the CA certificate as PEM.
func (a *Authority) CertificatePEM() []byte { return crypto.EncodeCertPEM(a.cert) }

// Key exposes the CA private key for co-located signers (the OCSP responder
// when delegation is off).
func (a *Authority) Key() *rsa.PrivateKey { return a.key }

// OnRevoke registers a hook invoked synchronously, after the revocation is
// recorded, before Revoke returns. The OCSP layer uses it to invalidate
// cached good responses.
func (a *Authority) OnRevoke(hook func(serial string)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hooks = append(a.hooks, hook)
}

// SerialString renders a serial the way it appears everywhere on the wire.
func SerialString(serial *big.Int) string { return fmt.Sprintf("%X", serial) }

// Issue signs csrPEM and returns the new certificate. The CSR must carry a
// valid self-signature and a common name satisfying the agent-id token
// rules.
func (a *Authority) Issue(ctx context.Context, csrPEM []byte) (*x509.Certificate, error) {
	const op = "ca.Issue"
	if err := ctx.Err(); err != nil {
		return nil, anserr.E(op, anserr.KindInternal, err)
	}
	csr, err := crypto.ParseCSR(csrPEM)
	if err != nil {
		return nil, err
	}
	cn := csr.Subject.CommonName
	if cn == "" || !ansname.ValidToken(cn) {
		return nil, anserr.E(op, anserr.KindInvalidCSR, "CSR common name is not a valid agent id: "+cn)
	}
	pub, ok := csr.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, anserr.E(op, anserr.KindInvalidCSR, "CSR public key is not RSA")
	}

	a.mu.Lock()
	a.counter++
	counter := a.counter
	a.mu.Unlock()

	serial, err := crypto.RandomSerial(counter)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             now,
		NotAfter:              crypto.NotAfter(now, a.certTTL),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		SignatureAlgorithm:    x509.SHA256WithRSA,
	}
	cert, err := crypto.SignCertificate(tmpl, a.cert, pub, a.key)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.issued[SerialString(serial)] = cert
	a.mu.Unlock()

	a.log.Info("certificate issued",
		zap.String("common_name", cn),
		zap.String("serial", SerialString(serial)),
		zap.Time("not_after", cert.NotAfter))
	return cert, nil
}

// Revoke records a revocation for serial. Revoking twice returns the
// original entry; the reason is not overwritten. Registered hooks run
// before Revoke returns.
func (a *Authority) Revoke(ctx context.Context, serial, reason string) (*models.RevocationEntry, error) {
	const op = "ca.Revoke"
	a.mu.Lock()
	if existing, ok := a.revoked[serial]; ok {
		a.mu.Unlock()
		return existing, nil
	}
	entry := &models.RevocationEntry{
		Serial:    serial,
		RevokedAt: time.Now().UTC(),
		Reason:    reason,
	}
	a.revoked[serial] = entry
	hooks := make([]func(string), len(a.hooks))
	copy(hooks, a.hooks)
	a.mu.Unlock()

	if a.store != nil {
		if err := a.store.PutRevocation(ctx, entry); err != nil {
			return nil, anserr.E(op, anserr.KindStorageError, err)
		}
	}
	for _, hook := range hooks {
		hook(serial)
	}
	a.log.Info("certificate revoked", zap.String("serial", serial), zap.String("reason", reason))
	return entry, nil
}

// IsRevoked reports whether serial has a revocation entry.
func (a *Authority) IsRevoked(serial string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.revoked[serial]
	return ok
}

// Revocation returns the entry for serial, or nil.
func (a *Authority) Revocation(serial string) *models.RevocationEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.revoked[serial]
}

// StatusOf reports the CA's view of a serial for OCSP responses.
func (a *Authority) StatusOf(serial string) (Status, *models.RevocationEntry) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if e, ok := a.revoked[serial]; ok {
		return StatusRevoked, e
	}
	if _, ok := a.issued[serial]; ok {
		return StatusGood, nil
	}
	return StatusUnknown, nil
}

// VerifyChain checks that cert was issued by this CA, is inside its
// validity window, and has not been revoked. Revocation is consulted
// first.
func (a *Authority) VerifyChain(cert *x509.Certificate) error {
	const op = "ca.VerifyChain"
	serial := SerialString(cert.SerialNumber)
	if a.IsRevoked(serial) {
		return anserr.E(op, anserr.KindCertificateRevoked, "certificate revoked: serial "+serial)
	}
	now := time.Now()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return anserr.E(op, anserr.KindCertificateExpired,
			fmt.Sprintf("certificate outside validity window [%s, %s]", cert.NotBefore, cert.NotAfter))
	}
	if cert.CheckSignatureFrom(a.cert) != nil {
		// The CA certificate itself verifies as its own root.
		if !cert.Equal(a.cert) {
			return anserr.E(op, anserr.KindNotIssuedByThisCA, "certificate not signed by this CA")
		}
	}
	return nil
}
