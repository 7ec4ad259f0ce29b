// Package ocsp implements the certificate-status protocol used inside the
// Agent Name Service. It is OCSP-shaped but carried as signed JSON rather
// than RFC 6960 DER: a verifier asks about a (issuer hash, serial) pair and
// receives a response signed by the responder, valid until next_update.
package ocsp

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"time"

	"github.com/agentns/ans/pkg/anserr"
	"github.com/agentns/ans/pkg/crypto"
)

// Status values carried in responses.
const (
	StatusGood    = "good"
	StatusRevoked = "revoked"
	StatusUnknown = "unknown"
)

// CertID identifies the certificate a status request is about.
type CertID struct {
	IssuerNameHash string `json:"issuer_name_hash"`
	Serial         string `json:"serial"`
}

// Request is a status query.
type Request struct {
	IssuerNameHash string `json:"issuer_name_hash"`
	Serial         string `json:"serial"`
}

// Response is a signed status statement. Signature is hex RSA-PSS over the
// canonical JSON of the response with signature and responder_certificate
// stripped.
type Response struct {
	CertID               CertID     `json:"cert_id"`
	Status               string     `json:"status"`
	ProducedAt           time.Time  `json:"produced_at"`
	NextUpdate           time.Time  `json:"next_update"`
	Signature            string     `json:"signature"`
	ResponderCertificate string     `json:"responder_certificate"`
	RevocationTime       *time.Time `json:"revocation_time,omitempty"`
	RevocationReason     string     `json:"revocation_reason,omitempty"`
}

// signedView is the portion of a Response covered by the signature.
type signedView struct {
	CertID           CertID     `json:"cert_id"`
	Status           string     `json:"status"`
	ProducedAt       time.Time  `json:"produced_at"`
	NextUpdate       time.Time  `json:"next_update"`
	RevocationTime   *time.Time `json:"revocation_time,omitempty"`
	RevocationReason string     `json:"revocation_reason,omitempty"`
}

func (r *Response) signingBytes() ([]byte, error) {
	return crypto.CanonicalJSON(signedView{
		CertID:           r.CertID,
		Status:           r.Status,
		ProducedAt:       r.ProducedAt,
		NextUpdate:       r.NextUpdate,
		RevocationTime:   r.RevocationTime,
		RevocationReason: r.RevocationReason,
	})
}

// VerifySignature checks the response signature against the embedded
// responder certificate and rejects responses outside their
// [produced_at, next_update] window.
func (r *Response) VerifySignature(now time.Time) (*x509.Certificate, error) {
	const op = "ocsp.VerifySignature"
	respCert, err := crypto.ParseCertPEM([]byte(r.ResponderCertificate))
	if err != nil {
		return nil, err
	}
	payload, err := r.signingBytes()
	if err != nil {
		return nil, err
	}
	sig, err := hex.DecodeString(r.Signature)
	if err != nil {
		return nil, anserr.E(op, anserr.KindSignatureInvalid, "undecodable response signature", err)
	}
	pub, err := rsaPublicKey(respCert)
	if err != nil {
		return nil, err
	}
	if err := crypto.Verify(pub, payload, sig); err != nil {
		return nil, anserr.E(op, anserr.KindSignatureInvalid, "OCSP response signature invalid", err)
	}
	if now.Before(r.ProducedAt) || now.After(r.NextUpdate) {
		return nil, anserr.E(op, anserr.KindSignatureInvalid, "OCSP response outside its validity window")
	}
	return respCert, nil
}

func rsaPublicKey(cert *x509.Certificate) (*rsa.PublicKey, error) {
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, anserr.E("ocsp.rsaPublicKey", anserr.KindSignatureInvalid,
			"responder certificate public key is not RSA")
	}
	return pub, nil
}

// IssuerNameHash is the hex SHA-256 of the issuer certificate's raw subject.
func IssuerNameHash(issuer *x509.Certificate) string {
	sum := sha256.Sum256(issuer.RawSubject)
	return hex.EncodeToString(sum[:])
}
