// Package ra implements the registration authority, the policy gate in
// front of the CA. Every registration passes, in order: JSON-schema
// validation, ANS-name consistency, protocol-extension validation, naming
// policy, then certificate issuance.
package ra

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	"github.com/agentns/ans/pkg/adapters"
	"github.com/agentns/ans/pkg/anserr"
	"github.com/agentns/ans/pkg/ansname"
	"github.com/agentns/ans/pkg/ca"
	"github.com/agentns/ans/pkg/crypto"
	"github.com/agentns/ans/pkg/models"
)

// reservedAgentIDs may never be claimed by a registering agent.
var reservedAgentIDs = map[string]struct{}{
	"ans":      {},
	"registry": {},
	"admin":    {},
	"ca":       {},
	"ocsp":     {},
}

// registrationSchema is the published contract for POST /register bodies.
const registrationSchema = `{
  "type": "object",
  "required": ["requestType", "requestingAgent"],
  "properties": {
    "requestType": {"type": "string", "enum": ["registration"]},
    "requestingAgent": {
      "type": "object",
      "required": ["protocol", "agentName", "agentCategory", "providerName",
                   "version", "ansName", "agentCapability", "agentEndpoint",
                   "csrPEM", "protocolExtensions"],
      "properties": {
        "protocol": {"type": "string"},
        "agentName": {"type": "string"},
        "agentCategory": {"type": "string"},
        "providerName": {"type": "string"},
        "version": {"type": "string"},
        "extension": {"type": "string"},
        "ansName": {"type": "string"},
        "agentCapability": {"type": "string"},
        "agentEndpoint": {"type": "string"},
        "csrPEM": {"type": "string"},
        "protocolExtensions": {"type": "object"},
        "agentDID": {"type": "string"},
        "agentDNSName": {"type": "string"},
        "agentUseJustification": {"type": "string"}
      }
    }
  }
}`

// renewalSchema is the published contract for POST /renew bodies.
const renewalSchema = `{
  "type": "object",
  "required": ["requestType", "requestingAgent"],
  "properties": {
    "requestType": {"type": "string", "enum": ["renewal"]},
    "requestingAgent": {
      "type": "object",
      "required": ["agentID", "ansName", "protocol", "csrPEM", "currentCertificate"],
      "properties": {
        "agentID": {"type": "string"},
        "ansName": {"type": "string"},
        "protocol": {"type": "string"},
        "csrPEM": {"type": "string"},
        "revokePrevious": {"type": "boolean"},
        "currentCertificate": {
          "type": "object",
          "required": ["certificateSerialNumber", "certificatePEM"],
          "properties": {
            "certificateSerialNumber": {"type": "string"},
            "certificatePEM": {"type": "string"}
          }
        }
      }
    }
  }
}`

// Authority is the registration authority.
type Authority struct {
	ca       *ca.Authority
	adapters *adapters.Registry
	log      *zap.Logger

	regSchema   *gojsonschema.Schema
	renewSchema *gojsonschema.Schema
}

// New builds a registration authority in front of authority.
func New(authority *ca.Authority, reg *adapters.Registry, log *zap.Logger) (*Authority, error) {
	if log == nil {
		log = zap.NewNop()
	}
	regSchema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(registrationSchema))
	if err != nil {
		return nil, anserr.E("ra.New", anserr.KindInternal, err)
	}
	renewSchema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(renewalSchema))
	if err != nil {
		return nil, anserr.E("ra.New", anserr.KindInternal, err)
	}
	return &Authority{
		ca:          authority,
		adapters:    reg,
		log:         log,
		regSchema:   regSchema,
		renewSchema: renewSchema,
	}, nil
}

func validateSchema(op string, schema *gojsonschema.Schema, raw []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return anserr.E(op, anserr.KindSchemaError, "unparseable request body", err)
	}
	if result.Valid() {
		return nil
	}
	reasons := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		reasons = append(reasons, desc.String())
	}
	return anserr.E(op, anserr.KindSchemaError, strings.Join(reasons, "; "))
}

// ProcessRegistration runs the full gate over a raw /register body and, on
// success, returns the not-yet-persisted agent together with its freshly
// issued certificate.
func (a *Authority) ProcessRegistration(ctx context.Context, raw []byte) (*models.Agent, *x509.Certificate, error) {
	const op = "ra.ProcessRegistration"

	if err := validateSchema(op, a.regSchema, raw); err != nil {
		return nil, nil, err
	}
	var req models.AgentRegistrationRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, nil, anserr.E(op, anserr.KindSchemaError, err)
	}
	reqAgent := req.RequestingAgent

	name, err := ansname.Parse(reqAgent.ANSName)
	if err != nil {
		return nil, nil, err
	}
	if err := checkNameConsistency(name, reqAgent); err != nil {
		return nil, nil, err
	}

	adapter, err := a.adapters.Get(name.Protocol)
	if err != nil {
		return nil, nil, err
	}
	if err := adapter.Validate(reqAgent.ProtocolExtensions); err != nil {
		return nil, nil, err
	}

	if _, reserved := reservedAgentIDs[strings.ToLower(name.AgentID)]; reserved {
		return nil, nil, anserr.E(op, anserr.KindReservedName, "agent id is reserved: "+name.AgentID)
	}

	csr, err := crypto.ParseCSR([]byte(reqAgent.CSRPEM))
	if err != nil {
		return nil, nil, err
	}
	if csr.Subject.CommonName != name.AgentID {
		return nil, nil, anserr.E(op, anserr.KindNameMismatch,
			"CSR common name "+csr.Subject.CommonName+" does not match agent id "+name.AgentID)
	}

	cert, err := a.ca.Issue(ctx, []byte(reqAgent.CSRPEM))
	if err != nil {
		return nil, nil, err
	}

	agent := &models.Agent{
		AgentID:            name.AgentID,
		ANSName:            name.String(),
		Protocol:           name.Protocol,
		Capability:         name.Capability,
		Provider:           name.Provider,
		Version:            name.Version,
		Capabilities:       []string{reqAgent.AgentCapability},
		ProtocolExtensions: reqAgent.ProtocolExtensions,
		Endpoint:           reqAgent.AgentEndpoint,
		CertificatePEM:     string(crypto.EncodeCertPEM(cert)),
		CertificateSerial:  ca.SerialString(cert.SerialNumber),
		RegistrationTime:   time.Now().UTC(),
		IsActive:           true,
	}
	a.log.Info("registration accepted",
		zap.String("agent_id", agent.AgentID),
		zap.String("ans_name", agent.ANSName),
		zap.String("serial", agent.CertificateSerial))
	return agent, cert, nil
}

func checkNameConsistency(name ansname.Name, reqAgent models.RequestingAgent) error {
	const op = "ra.checkNameConsistency"
	mismatch := func(field, got, want string) error {
		return anserr.E(op, anserr.KindNameMismatch,
			field+" "+got+" does not match ANS name component "+want)
	}
	if reqAgent.Protocol != name.Protocol {
		return mismatch("protocol", reqAgent.Protocol, name.Protocol)
	}
	if reqAgent.AgentName != name.AgentID {
		return mismatch("agentName", reqAgent.AgentName, name.AgentID)
	}
	if reqAgent.AgentCategory != name.Capability {
		return mismatch("agentCategory", reqAgent.AgentCategory, name.Capability)
	}
	if reqAgent.ProviderName != name.Provider {
		return mismatch("providerName", reqAgent.ProviderName, name.Provider)
	}
	if reqAgent.Version != name.Version {
		return mismatch("version", reqAgent.Version, name.Version)
	}
	if reqAgent.Extension != name.Extension {
		return mismatch("extension", reqAgent.Extension, name.Extension)
	}
	return nil
}

// ProcessRenewal validates a renewal against the stored agent and issues a
// replacement certificate. The caller applies the result to the registry.
// The previous certificate stays valid until expiry unless the request sets
// revokePrevious.
func (a *Authority) ProcessRenewal(ctx context.Context, raw []byte, agent *models.Agent) (*x509.Certificate, *models.AgentRenewalRequest, error) {
	const op = "ra.ProcessRenewal"

	if err := validateSchema(op, a.renewSchema, raw); err != nil {
		return nil, nil, err
	}
	var req models.AgentRenewalRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, nil, anserr.E(op, anserr.KindSchemaError, err)
	}
	renewing := req.RequestingAgent

	// Renewals preserve the ANS name: the stored name is authoritative.
	if renewing.ANSName != agent.ANSName {
		return nil, nil, anserr.E(op, anserr.KindNameMismatch,
			"renewal ansName "+renewing.ANSName+" does not match registered name "+agent.ANSName)
	}

	current, err := crypto.ParseCertPEM([]byte(renewing.CurrentCertificate.PEM))
	if err != nil {
		return nil, nil, err
	}
	if current.Subject.CommonName != agent.AgentID {
		return nil, nil, anserr.E(op, anserr.KindNameMismatch,
			"current certificate does not belong to agent "+agent.AgentID)
	}
	serial := ca.SerialString(current.SerialNumber)
	if serial != renewing.CurrentCertificate.SerialNumber || serial != agent.CertificateSerial {
		return nil, nil, anserr.E(op, anserr.KindNameMismatch,
			"current certificate serial does not match the registered certificate")
	}
	if a.ca.IsRevoked(serial) {
		return nil, nil, anserr.E(op, anserr.KindCertificateRevoked,
			"current certificate is revoked: serial "+serial)
	}

	csr, err := crypto.ParseCSR([]byte(renewing.CSRPEM))
	if err != nil {
		return nil, nil, err
	}
	if csr.Subject.CommonName != agent.AgentID {
		return nil, nil, anserr.E(op, anserr.KindNameMismatch,
			"renewal CSR common name does not match agent id "+agent.AgentID)
	}

	cert, err := a.ca.Issue(ctx, []byte(renewing.CSRPEM))
	if err != nil {
		return nil, nil, err
	}
	a.log.Info("renewal accepted",
		zap.String("agent_id", agent.AgentID),
		zap.String("new_serial", ca.SerialString(cert.SerialNumber)),
		zap.Bool("revoke_previous", renewing.RevokePrevious))
	return cert, &req, nil
}
