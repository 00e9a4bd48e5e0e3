// Package errors defines the error taxonomy shared by the activation key
// codec, the matcher, the license catalog and the entitlement ledger, and the
// RFC 7807 rendering used by the HTTP surface.
package errors

import (
	"errors"
	"fmt"
)

// Class groups rejections by how an operator should react to them.
type Class string

const (
	ClassFormat          Class = "format"
	ClassUnsupported     Class = "unsupported"
	ClassCapacity        Class = "capacity"
	ClassNoMatch         Class = "no_match"
	ClassExpired         Class = "expired"
	ClassIncompatible    Class = "incompatible"
	ClassDocumentInvalid Class = "document_invalid"
	ClassRateLimited     Class = "rate_limited"
	ClassNotFound        Class = "not_found"
	ClassUnknown         Class = "unknown"
)

// Sentinel errors. Wrap them with fmt.Errorf("...: %w", err) and test with errors.Is.
var (
	ErrInvalidKeyFormat            = errors.New("invalid activation key format")
	ErrOnlineActivationUnsupported = errors.New("online activation is not supported, request an offline activation key")
	ErrInvalidLicenseCount         = errors.New("activation key license count is not acceptable")
	ErrNoMatchingLicense           = errors.New("no installed license combination matches this key")
	ErrKeyExpired                  = errors.New("activation key expired")
	ErrLicenseExpired              = errors.New("license expired")
	ErrVersionIncompatible         = errors.New("license not compatible with running engine version")
	ErrInvalidDocument             = errors.New("invalid license document")
	ErrDocumentSignature           = errors.New("license document signature invalid")
	ErrRateLimited                 = errors.New("too many activation attempts")
	ErrLicenseNotFound             = errors.New("license not found")
	ErrActivationNotFound          = errors.New("activated license not found")
)

var classes = []struct {
	err   error
	class Class
}{
	{ErrInvalidKeyFormat, ClassFormat},
	{ErrOnlineActivationUnsupported, ClassUnsupported},
	{ErrInvalidLicenseCount, ClassCapacity},
	{ErrNoMatchingLicense, ClassNoMatch},
	{ErrKeyExpired, ClassExpired},
	{ErrLicenseExpired, ClassExpired},
	{ErrVersionIncompatible, ClassIncompatible},
	{ErrInvalidDocument, ClassDocumentInvalid},
	{ErrDocumentSignature, ClassDocumentInvalid},
	{ErrRateLimited, ClassRateLimited},
	{ErrLicenseNotFound, ClassNotFound},
	{ErrActivationNotFound, ClassNotFound},
}

// KeyError describes a rejected activation key. KeyHash identifies the key in
// logs without exposing it.
type KeyError struct {
	KeyHash string
	Err     error
}

func (e *KeyError) Error() string {
	if e.KeyHash == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("key %s: %v", e.KeyHash, e.Err)
}

func (e *KeyError) Unwrap() error { return e.Err }

// NewKeyError wraps err with the hash of the rejected key.
func NewKeyError(keyHash string, err error) *KeyError {
	return &KeyError{KeyHash: keyHash, Err: err}
}

// ClassOf returns the taxonomy class of err.
func ClassOf(err error) Class {
	if err == nil {
		return ""
	}
	for _, c := range classes {
		if errors.Is(err, c.err) {
			return c.class
		}
	}
	return ClassUnknown
}

// Retryable reports whether repeating the operation unchanged can succeed.
// Only throttled attempts qualify; format, signature and capacity errors are final.
func Retryable(err error) bool {
	return ClassOf(err) == ClassRateLimited
}
