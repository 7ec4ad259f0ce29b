// Package models holds the domain and wire types shared across the Agent
// Name Service.
package models

import "time"

// Agent is a registered agent. The parsed ANS-name components are stored
// alongside the canonical string for indexed filtering; they always match
// re-parsing ANSName.
type Agent struct {
	AgentID            string                 `json:"agent_id"`
	ANSName            string                 `json:"ans_name"`
	Protocol           string                 `json:"protocol"`
	Capability         string                 `json:"capability"`
	Provider           string                 `json:"provider"`
	Version            string                 `json:"version"`
	Capabilities       []string               `json:"capabilities"`
	ProtocolExtensions map[string]interface{} `json:"protocol_extensions"`
	Endpoint           string                 `json:"endpoint"`
	CertificatePEM     string                 `json:"certificate"`
	CertificateSerial  string                 `json:"certificate_serial"`
	RegistrationTime   time.Time              `json:"registration_time"`
	LastRenewalTime    *time.Time             `json:"last_renewal_time,omitempty"`
	IsActive           bool                   `json:"is_active"`
}

// RevocationEntry records a revoked certificate. Immutable once created.
type RevocationEntry struct {
	Serial    string    `json:"serial"`
	RevokedAt time.Time `json:"revoked_at"`
	Reason    string    `json:"reason"`
}

// EndpointRecordData is the signed payload of a resolution result.
type EndpointRecordData struct {
	AgentID            string                 `json:"agent_id"`
	ANSName            string                 `json:"ans_name"`
	Endpoint           string                 `json:"endpoint"`
	Capabilities       []string               `json:"capabilities"`
	ProtocolExtensions map[string]interface{} `json:"protocol_extensions"`
	Certificate        string                 `json:"certificate"`
	IsActive           bool                   `json:"is_active"`
}

// EndpointRecord is the signed triple returned from resolution. Signature
// is hex-encoded RSA-PSS over the canonical JSON serialization of Data,
// verifiable with RegistryCertificate's public key.
type EndpointRecord struct {
	Data                EndpointRecordData `json:"data"`
	Signature           string             `json:"signature"`
	RegistryCertificate string             `json:"registry_certificate"`
}

// CertificateInfo is the certificate metadata block carried in
// registration and renewal responses.
type CertificateInfo struct {
	Subject            string    `json:"certificateSubject"`
	Issuer             string    `json:"certificateIssuer"`
	SerialNumber       string    `json:"certificateSerialNumber"`
	ValidFrom          time.Time `json:"certificateValidFrom"`
	ValidTo            time.Time `json:"certificateValidTo"`
	PEM                string    `json:"certificatePEM"`
	PublicKeyAlgorithm string    `json:"certificatePublicKeyAlgorithm"`
	SignatureAlgorithm string    `json:"certificateSignatureAlgorithm"`
}

// RequestingAgent is the registration payload describing the agent.
type RequestingAgent struct {
	Protocol              string                 `json:"protocol"`
	AgentName             string                 `json:"agentName"`
	AgentCategory         string                 `json:"agentCategory"`
	ProviderName          string                 `json:"providerName"`
	Version               string                 `json:"version"`
	Extension             string                 `json:"extension,omitempty"`
	ANSName               string                 `json:"ansName"`
	AgentCapability       string                 `json:"agentCapability"`
	AgentEndpoint         string                 `json:"agentEndpoint"`
	CSRPEM                string                 `json:"csrPEM"`
	ProtocolExtensions    map[string]interface{} `json:"protocolExtensions"`
	AgentDID              string                 `json:"agentDID,omitempty"`
	AgentDNSName          string                 `json:"agentDNSName,omitempty"`
	AgentUseJustification string                 `json:"agentUseJustification,omitempty"`
}

// AgentRegistrationRequest is the POST /register body.
type AgentRegistrationRequest struct {
	RequestType     string          `json:"requestType"`
	RequestingAgent RequestingAgent `json:"requestingAgent"`
}

// AgentRegistrationResponse is the POST /register success body.
type AgentRegistrationResponse struct {
	Status          string           `json:"status"`
	RegisteredAgent *Agent           `json:"registeredAgent,omitempty"`
	Certificate     *CertificateInfo `json:"certificate,omitempty"`
	Error           string           `json:"error,omitempty"`
}

// RenewalCertificateRef identifies the certificate being renewed.
type RenewalCertificateRef struct {
	SerialNumber string `json:"certificateSerialNumber"`
	PEM          string `json:"certificatePEM"`
}

// RenewingAgent is the renewal payload.
type RenewingAgent struct {
	AgentID            string                `json:"agentID"`
	ANSName            string                `json:"ansName"`
	Protocol           string                `json:"protocol"`
	CSRPEM             string                `json:"csrPEM"`
	CurrentCertificate RenewalCertificateRef `json:"currentCertificate"`
	RevokePrevious     bool                  `json:"revokePrevious,omitempty"`
}

// AgentRenewalRequest is the POST /renew body.
type AgentRenewalRequest struct {
	RequestType     string        `json:"requestType"`
	RequestingAgent RenewingAgent `json:"requestingAgent"`
}

// AgentRenewalResponse is the POST /renew success body.
type AgentRenewalResponse struct {
	Status      string           `json:"status"`
	Agent       *Agent           `json:"agent,omitempty"`
	Certificate *CertificateInfo `json:"certificate,omitempty"`
	ValidUntil  *time.Time       `json:"valid_until,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// RevocationRequest is the POST /revoke body. When ans_name is set only
// that registration is revoked; otherwise every registered version of
// agent_id is.
type RevocationRequest struct {
	AgentID string `json:"agent_id"`
	ANSName string `json:"ans_name,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// RevocationResponse is the POST /revoke success body.
type RevocationResponse struct {
	Status  string `json:"status"`
	AgentID string `json:"agent_id"`
}

// ResolutionRequest is the POST /resolve body.
type ResolutionRequest struct {
	ANSName      string `json:"ans_name"`
	VersionRange string `json:"version_range,omitempty"`
}

// AgentListResponse is the GET /agents body.
type AgentListResponse struct {
	Agents     []*Agent          `json:"agents"`
	Query      map[string]string `json:"query"`
	MatchCount int               `json:"match_count"`
	TotalCount int               `json:"total_count"`
}

// EndpointRecordPayload builds the signed payload for an agent.
func (a *Agent) EndpointRecordPayload() EndpointRecordData {
	return EndpointRecordData{
		AgentID:            a.AgentID,
		ANSName:            a.ANSName,
		Endpoint:           a.Endpoint,
		Capabilities:       a.Capabilities,
		ProtocolExtensions: a.ProtocolExtensions,
		Certificate:        a.CertificatePEM,
		IsActive:           a.IsActive,
	}
}

// Clone returns a deep-enough copy for handing out across the storage
// boundary without sharing mutable state.
func (a *Agent) Clone() *Agent {
	c := *a
	c.Capabilities = append([]string(nil), a.Capabilities...)
	if a.ProtocolExtensions != nil {
		ext := make(map[string]interface{}, len(a.ProtocolExtensions))
		for k, v := range a.ProtocolExtensions {
			ext[k] = v
		}
		c.ProtocolExtensions = ext
	}
	if a.LastRenewalTime != nil {
		t := *a.LastRenewalTime
		c.LastRenewalTime = &t
	}
	return &c
}
