// Package crypto wraps the RSA/X.509 primitives used by the CA, the OCSP
// responder and the registry: key generation, PEM handling, CSR build and
// parse, certificate signing, and detached signatures over bytes.
//
// Detached signatures use RSA-PSS with SHA-256. Certificates are signed
// SHA256-RSA and carried as PEM on the wire.
package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"time"

	"github.com/agentns/ans/pkg/anserr"
)

// DefaultKeySize is the RSA modulus size used when callers pass 0.
const DefaultKeySize = 2048

// GenerateKey creates an RSA private key. bits of 0 selects DefaultKeySize.
func GenerateKey(bits int) (*rsa.PrivateKey, error) {
	if bits == 0 {
		bits = DefaultKeySize
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, anserr.E("crypto.GenerateKey", anserr.KindInternal, err)
	}
	return key, nil
}

// EncodePrivateKeyPEM renders key as a PKCS#1 PEM block.
func EncodePrivateKeyPEM(key *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
}

// ParsePrivateKeyPEM parses a PKCS#1 or PKCS#8 PEM private key.
func ParsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	const op = "crypto.ParsePrivateKeyPEM"
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, anserr.E(op, anserr.KindInvalidCSR, "no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, anserr.E(op, anserr.KindInvalidCSR, "unparseable private key", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, anserr.E(op, anserr.KindInvalidCSR, "private key is not RSA")
	}
	return key, nil
}

// CreateCSR builds a PEM-encoded certificate signing request with the given
// common name, self-signed by key.
func CreateCSR(commonName string, key *rsa.PrivateKey) ([]byte, error) {
	const op = "crypto.CreateCSR"
	tmpl := &x509.CertificateRequest{
		Subject:            pkix.Name{CommonName: commonName},
		SignatureAlgorithm: x509.SHA256WithRSA,
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, tmpl, key)
	if err != nil {
		return nil, anserr.E(op, anserr.KindInternal, err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}), nil
}

// ParseCSR parses a PEM CSR and verifies its self-signature.
func ParseCSR(data []byte) (*x509.CertificateRequest, error) {
	const op = "crypto.ParseCSR"
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, anserr.E(op, anserr.KindInvalidCSR, "no PEM block found in CSR")
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, anserr.E(op, anserr.KindInvalidCSR, "unparseable CSR", err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, anserr.E(op, anserr.KindInvalidCSR, "CSR self-signature check failed", err)
	}
	return csr, nil
}

// EncodeCertPEM renders a certificate as PEM.
func EncodeCertPEM(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}

// ParseCertPEM parses a single PEM certificate.
func ParseCertPEM(data []byte) (*x509.Certificate, error) {
	const op = "crypto.ParseCertPEM"
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, anserr.E(op, anserr.KindSignatureInvalid, "no PEM block found in certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, anserr.E(op, anserr.KindSignatureInvalid, "unparseable certificate", err)
	}
	return cert, nil
}

// SignCertificate signs template with the parent certificate and key and
// returns the parsed result. A nil parent produces a self-signed
// certificate.
func SignCertificate(template, parent *x509.Certificate, pub *rsa.PublicKey, signer *rsa.PrivateKey) (*x509.Certificate, error) {
	const op = "crypto.SignCertificate"
	if parent == nil {
		parent = template
	}
	der, err := x509.CreateCertificate(rand.Reader, template, parent, pub, signer)
	if err != nil {
		return nil, anserr.E(op, anserr.KindInternal, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, anserr.E(op, anserr.KindInternal, err)
	}
	return cert, nil
}

// Sign produces an RSA-PSS/SHA-256 signature over data.
func Sign(key *rsa.PrivateKey, data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	sig, err := rsa.SignPSS(rand.Reader, key, crypto.SHA256, digest[:], nil)
	if err != nil {
		return nil, anserr.E("crypto.Sign", anserr.KindInternal, err)
	}
	return sig, nil
}

// Verify checks an RSA-PSS/SHA-256 signature over data.
func Verify(pub *rsa.PublicKey, data, sig []byte) error {
	digest := sha256.Sum256(data)
	if err := rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, nil); err != nil {
		return anserr.E("crypto.Verify", anserr.KindSignatureInvalid, err)
	}
	return nil
}

// RandomSerial returns a positive serial combining the caller-supplied
// monotonic counter with 64 random bits, so serials stay unique even across
// restarts that reset the counter.
func RandomSerial(counter uint64) (*big.Int, error) {
	r, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return nil, anserr.E("crypto.RandomSerial", anserr.KindInternal, err)
	}
	serial := new(big.Int).Lsh(new(big.Int).SetUint64(counter), 64)
	return serial.Or(serial, r), nil
}

// NotAfter returns from+ttl truncated to whole seconds so the NotAfter value
// survives the DER round trip unchanged.
func NotAfter(from time.Time, ttl time.Duration) time.Time {
	return from.Add(ttl).Truncate(time.Second)
}
