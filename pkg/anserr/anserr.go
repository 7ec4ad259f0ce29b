// Package anserr defines the error taxonomy shared across the Agent Name
// Service. Components return *Error values tagged with a Kind; the HTTP
// layer translates kinds into status codes.
package anserr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	KindInvalidName         Kind = "InvalidName"
	KindSchemaError         Kind = "SchemaError"
	KindNameMismatch        Kind = "NameMismatch"
	KindExtensionInvalid    Kind = "ExtensionInvalid"
	KindUnsupportedProtocol Kind = "UnsupportedProtocol"
	KindReservedName        Kind = "ReservedName"
	KindInvalidCSR          Kind = "InvalidCSR"
	KindAlreadyRegistered   Kind = "AlreadyRegistered"
	KindNotFound            Kind = "NotFound"
	KindAmbiguous           Kind = "Ambiguous"
	KindCertificateExpired  Kind = "CertificateExpired"
	KindCertificateRevoked  Kind = "CertificateRevoked"
	KindNotIssuedByThisCA   Kind = "NotIssuedByThisCA"
	KindSignatureInvalid    Kind = "SignatureInvalid"
	KindOCSPUnavailable     Kind = "OCSPUnavailable"
	KindStorageError        Kind = "StorageError"
	KindInternal            Kind = "InternalError"
)

// Error carries a kind, the operation that failed, and an optional cause.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so callers can match with errors.Is against a
// sentinel built by Sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// E builds an *Error. Args may be a Kind, a message string, and/or a cause
// error, in any order; the first string becomes the message.
func E(op string, args ...interface{}) *Error {
	e := &Error{Op: op, Kind: KindInternal}
	for _, a := range args {
		switch v := a.(type) {
		case Kind:
			e.Kind = v
		case string:
			if e.Msg == "" {
				e.Msg = v
			}
		case error:
			e.Err = v
		}
	}
	return e
}

// Sentinel returns a kind-only error usable with errors.Is.
func Sentinel(k Kind) error { return &Error{Kind: k} }

// KindOf extracts the Kind from err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Message returns the user-facing message for err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Msg != "" {
			return e.Msg
		}
		if e.Err != nil {
			return e.Err.Error()
		}
		return string(e.Kind)
	}
	return err.Error()
}
