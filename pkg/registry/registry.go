// Package registry is the agent directory: it persists registered agents,
// serves filtered listings, resolves names with semantic-version
// negotiation, and signs the endpoint records handed back to clients.
package registry

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"

	"github.com/agentns/ans/pkg/anserr"
	"github.com/agentns/ans/pkg/ansname"
	"github.com/agentns/ans/pkg/audit"
	"github.com/agentns/ans/pkg/ca"
	"github.com/agentns/ans/pkg/crypto"
	"github.com/agentns/ans/pkg/models"
	"github.com/agentns/ans/pkg/storage"
)

// StatusChecker validates a certificate's revocation status before the
// registry trusts it. The OCSP client implements it.
type StatusChecker interface {
	Check(ctx context.Context, cert *x509.Certificate) error
}

// ListOptions filter and bound a listing.
type ListOptions struct {
	Protocol        string
	Capability      string
	Provider        string
	IncludeInactive bool
	Max             int
}

const (
	defaultListMax = 10
	maxListMax     = 100
)

// Registry is the agent directory. Safe for concurrent use; the storage
// port provides read-after-write visibility for registered agents.
type Registry struct {
	store     storage.Store
	authority *ca.Authority
	checker   StatusChecker

	key     *rsa.PrivateKey
	cert    *x509.Certificate
	certPEM string

	sink audit.Sink
	log  *zap.Logger
}

// Options configures New.
type Options struct {
	CommonName string // registry certificate CN; "ans-registry" when empty
	Sink       audit.Sink
	Logger     *zap.Logger
}

// New builds a registry with its own CA-issued keypair and certificate.
func New(ctx context.Context, store storage.Store, authority *ca.Authority, checker StatusChecker, opts Options) (*Registry, error) {
	if opts.CommonName == "" {
		opts.CommonName = "ans-registry"
	}
	if opts.Sink == nil {
		opts.Sink = audit.NopSink{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	key, err := crypto.GenerateKey(0)
	if err != nil {
		return nil, err
	}
	csr, err := crypto.CreateCSR(opts.CommonName, key)
	if err != nil {
		return nil, err
	}
	cert, err := authority.Issue(ctx, csr)
	if err != nil {
		return nil, err
	}
	r := &Registry{
		store:     store,
		authority: authority,
		checker:   checker,
		key:       key,
		cert:      cert,
		certPEM:   string(crypto.EncodeCertPEM(cert)),
		sink:      opts.Sink,
		log:       opts.Logger,
	}
	r.log.Info("registry initialized",
		zap.String("common_name", opts.CommonName),
		zap.String("serial", ca.SerialString(cert.SerialNumber)))
	return r, nil
}

// Certificate returns the registry's own certificate.
func (r *Registry) Certificate() *x509.Certificate { return r.cert }

// Register persists a freshly validated agent. A taken ans_name fails
// with AlreadyRegistered.
func (r *Registry) Register(ctx context.Context, agent *models.Agent) error {
	if err := r.store.PutAgent(ctx, agent); err != nil {
		return err
	}
	r.sink.Emit(audit.Event{Type: audit.EventRegistered, Subject: agent.AgentID, Detail: agent.ANSName})
	return nil
}

// GetByName fetches a registration by its canonical name.
func (r *Registry) GetByName(ctx context.Context, ansName string) (*models.Agent, error) {
	return r.store.GetByANSName(ctx, ansName)
}

// GetByID lists every registered version for an agent id.
func (r *Registry) GetByID(ctx context.Context, agentID string) ([]*models.Agent, error) {
	return r.store.GetByID(ctx, agentID)
}

// List returns agents matching opts ordered by ans_name ascending. Max is
// clamped to [1, 100] with a default of 10.
func (r *Registry) List(ctx context.Context, opts ListOptions) ([]*models.Agent, error) {
	max := opts.Max
	if max <= 0 {
		max = defaultListMax
	}
	if max > maxListMax {
		max = maxListMax
	}
	return r.store.Query(ctx, storage.Filter{
		Protocol:        opts.Protocol,
		Capability:      opts.Capability,
		Provider:        opts.Provider,
		IncludeInactive: opts.IncludeInactive,
	}, max)
}

// Count reports how many active agents are registered.
func (r *Registry) Count(ctx context.Context) (int, error) {
	all, err := r.store.Query(ctx, storage.Filter{}, 0)
	if err != nil {
		return 0, err
	}
	return len(all), nil
}

// ApplyRenewal installs a renewed certificate on the stored agent. The
// ANS name is preserved; only certificate material and renewal time
// change. With revokePrevious the superseded serial is revoked, otherwise
// it stays valid until its natural expiry.
func (r *Registry) ApplyRenewal(ctx context.Context, ansName string, cert *x509.Certificate, revokePrevious bool) (*models.Agent, error) {
	agent, err := r.store.GetByANSName(ctx, ansName)
	if err != nil {
		return nil, err
	}
	previousSerial := agent.CertificateSerial
	now := time.Now().UTC()
	agent.CertificatePEM = string(crypto.EncodeCertPEM(cert))
	agent.CertificateSerial = ca.SerialString(cert.SerialNumber)
	agent.LastRenewalTime = &now
	agent.IsActive = true
	if err := r.store.UpdateAgent(ctx, agent); err != nil {
		return nil, err
	}
	if revokePrevious {
		if _, err := r.authority.Revoke(ctx, previousSerial, "superseded by renewal"); err != nil {
			return nil, err
		}
	}
	r.sink.Emit(audit.Event{Type: audit.EventRenewed, Subject: agent.AgentID, Detail: agent.CertificateSerial})
	return agent, nil
}

// RevokeName deactivates a single registration and revokes its
// certificate. Calling it again returns the existing revocation entry.
func (r *Registry) RevokeName(ctx context.Context, ansName, reason string) (*models.RevocationEntry, error) {
	agent, err := r.store.GetByANSName(ctx, ansName)
	if err != nil {
		return nil, err
	}
	return r.revokeRegistration(ctx, agent, reason)
}

// Revoke deactivates every registered version of an agent id and revokes
// their certificates. Idempotent: already-revoked registrations keep their
// original entries.
func (r *Registry) Revoke(ctx context.Context, agentID, reason string) ([]*models.RevocationEntry, error) {
	agents, err := r.store.GetByID(ctx, agentID)
	if err != nil {
		return nil, err
	}
	entries := make([]*models.RevocationEntry, 0, len(agents))
	for _, agent := range agents {
		entry, err := r.revokeRegistration(ctx, agent, reason)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (r *Registry) revokeRegistration(ctx context.Context, agent *models.Agent, reason string) (*models.RevocationEntry, error) {
	if agent.IsActive {
		agent.IsActive = false
		if err := r.store.UpdateAgent(ctx, agent); err != nil {
			return nil, err
		}
	}
	entry, err := r.authority.Revoke(ctx, agent.CertificateSerial, reason)
	if err != nil {
		return nil, err
	}
	r.sink.Emit(audit.Event{Type: audit.EventRevoked, Subject: agent.AgentID, Detail: agent.CertificateSerial})
	return entry, nil
}

// Resolve parses nameOrPattern, negotiates a version among the matching
// active agents, verifies the winner's certificate, and returns a signed
// endpoint record. Candidates whose certificates fail verification are
// skipped in favor of the next best; NotFound when none survive.
func (r *Registry) Resolve(ctx context.Context, nameOrPattern, versionRange string) (*models.EndpointRecord, error) {
	const op = "registry.Resolve"
	pattern, err := ansname.ParsePattern(nameOrPattern)
	if err != nil {
		return nil, err
	}

	var constraint *semver.Constraints
	if versionRange != "" {
		constraint, err = semver.NewConstraint(versionRange)
		if err != nil {
			return nil, anserr.E(op, anserr.KindInvalidName, "invalid version range: "+versionRange, err)
		}
	}

	agents, err := r.store.Query(ctx, storage.Filter{
		Protocol:   pattern.Protocol,
		Capability: pattern.Capability,
		Provider:   pattern.Provider,
		AgentID:    pattern.AgentID,
	}, 0)
	if err != nil {
		return nil, err
	}

	candidates := make([]candidate, 0, len(agents))
	for _, agent := range agents {
		version, err := semver.StrictNewVersion(agent.Version)
		if err != nil {
			r.log.Warn("skipping agent with unparseable stored version",
				zap.String("agent_id", agent.AgentID), zap.String("version", agent.Version))
			continue
		}
		switch {
		case constraint != nil:
			if !constraint.Check(version) {
				continue
			}
		case pattern.Version != "":
			if agent.Version != pattern.Version {
				continue
			}
		}
		candidates = append(candidates, candidate{agent: agent, version: version})
	}
	if len(candidates) == 0 {
		return nil, anserr.E(op, anserr.KindNotFound, "no active agent matches "+nameOrPattern)
	}

	// Best first: highest version, then most recent registration, then
	// lexicographic agent id.
	sort.Slice(candidates, func(i, j int) bool {
		if c := candidates[i].version.Compare(candidates[j].version); c != 0 {
			return c > 0
		}
		if !candidates[i].agent.RegistrationTime.Equal(candidates[j].agent.RegistrationTime) {
			return candidates[i].agent.RegistrationTime.After(candidates[j].agent.RegistrationTime)
		}
		return candidates[i].agent.AgentID < candidates[j].agent.AgentID
	})

	for _, c := range candidates {
		cert, err := crypto.ParseCertPEM([]byte(c.agent.CertificatePEM))
		if err != nil {
			r.log.Warn("skipping agent with unparseable certificate",
				zap.String("agent_id", c.agent.AgentID), zap.Error(err))
			continue
		}
		if err := r.checkCertificate(ctx, cert); err != nil {
			r.log.Info("skipping candidate with untrusted certificate",
				zap.String("agent_id", c.agent.AgentID),
				zap.String("serial", c.agent.CertificateSerial),
				zap.String("kind", string(anserr.KindOf(err))))
			continue
		}
		record, err := r.signRecord(c.agent)
		if err != nil {
			return nil, err
		}
		r.sink.Emit(audit.Event{Type: audit.EventResolved, Subject: c.agent.AgentID, Detail: c.agent.ANSName})
		return record, nil
	}
	return nil, anserr.E(op, anserr.KindNotFound, "no trusted agent matches "+nameOrPattern)
}

type candidate struct {
	agent   *models.Agent
	version *semver.Version
}

func (r *Registry) checkCertificate(ctx context.Context, cert *x509.Certificate) error {
	if r.checker != nil {
		if err := r.checker.Check(ctx, cert); err != nil {
			return err
		}
	}
	return r.authority.VerifyChain(cert)
}

func (r *Registry) signRecord(agent *models.Agent) (*models.EndpointRecord, error) {
	data := agent.EndpointRecordPayload()
	payload, err := crypto.CanonicalJSON(data)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(r.key, payload)
	if err != nil {
		return nil, err
	}
	return &models.EndpointRecord{
		Data:                data,
		Signature:           hex.EncodeToString(sig),
		RegistryCertificate: r.certPEM,
	}, nil
}

// VerifyEndpointRecord is the client-side contract: the signature must
// verify over the canonical bytes of record.Data with the embedded
// registry certificate, and that certificate must itself be trusted by
// the CA (including its revocation status).
func (r *Registry) VerifyEndpointRecord(ctx context.Context, record *models.EndpointRecord) error {
	const op = "registry.VerifyEndpointRecord"
	regCert, err := crypto.ParseCertPEM([]byte(record.RegistryCertificate))
	if err != nil {
		return err
	}
	if err := r.checkCertificate(ctx, regCert); err != nil {
		return err
	}
	payload, err := crypto.CanonicalJSON(record.Data)
	if err != nil {
		return err
	}
	sig, err := hex.DecodeString(record.Signature)
	if err != nil {
		return anserr.E(op, anserr.KindSignatureInvalid, "undecodable record signature", err)
	}
	pub, err := rsaPublicKey(regCert)
	if err != nil {
		return err
	}
	if err := crypto.Verify(pub, payload, sig); err != nil {
		r.sink.Emit(audit.Event{Type: audit.EventSignatureFailure, Subject: record.Data.AgentID})
		return anserr.E(op, anserr.KindSignatureInvalid, "endpoint record signature invalid", err)
	}
	return nil
}

func rsaPublicKey(cert *x509.Certificate) (*rsa.PublicKey, error) {
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, anserr.E("registry.rsaPublicKey", anserr.KindSignatureInvalid,
			"certificate public key is not RSA")
	}
	return pub, nil
}
