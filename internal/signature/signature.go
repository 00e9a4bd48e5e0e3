// Package signature computes the keyed-hash signature that binds an activation
// key to a device identity, an expiration, flags, parameters and an ordered set
// of licenses.
//
// The license set is not stored in the key. Verifiers recover it by trying
// candidate sets in canonical order, so Sign must stay a pure function of its
// inputs: the same inputs in the same order always give the same digest, and a
// different order gives a different one.
package signature

import (
	"crypto/hmac"
	"crypto/sha1"

	"github.com/google/uuid"

	"meshlicense/internal/keycodec"
)

// License is the part of a license that takes part in signing.
type License struct {
	ID uuid.UUID
	// SigningKey is the revealed additional signing key fragment, if any.
	SigningKey []byte
}

// Request holds everything a signature is computed over.
type Request struct {
	DeviceID       uuid.UUID
	ExpirationDays uint16
	Flags          keycodec.Flags
	Licenses       []License
	Parameters     [keycodec.ParameterSlots]byte
}

// CanonicalBuffer returns the byte sequence covered by the signature.
func CanonicalBuffer(req Request) []byte {
	size := 16 + 2 + 2 + 1 + 16*len(req.Licenses) + keycodec.ParameterSlots
	buf := make([]byte, 0, size)

	buf = append(buf, req.DeviceID[:]...)
	buf = append(buf, byte(req.Flags), 0)
	if req.Flags.Has(keycodec.FlagVerifyExpiration) {
		buf = append(buf, byte(req.ExpirationDays), byte(req.ExpirationDays>>8))
	}
	buf = append(buf, byte(len(req.Licenses)))
	for _, l := range req.Licenses {
		buf = append(buf, l.ID[:]...)
	}
	buf = append(buf, req.Parameters[:]...)
	return buf
}

// SigningKey concatenates the authority secret with the license fragments in request order.
func SigningKey(secret []byte, licenses []License) []byte {
	key := append([]byte(nil), secret...)
	for _, l := range licenses {
		key = append(key, l.SigningKey...)
	}
	return key
}

// Digest returns the full HMAC-SHA1 of the canonical buffer.
func Digest(secret []byte, req Request) []byte {
	mac := hmac.New(sha1.New, SigningKey(secret, req.Licenses))
	mac.Write(CanonicalBuffer(req))
	return mac.Sum(nil)
}

// Sign returns the truncated signature embedded in activation keys. Eight
// bytes keep the key short enough to type; the verifier's combinatorial
// search multiplies the forgery surface by the number of candidate sets.
func Sign(secret []byte, req Request) [keycodec.SignatureLength]byte {
	var sig [keycodec.SignatureLength]byte
	copy(sig[:], Digest(secret, req))
	return sig
}

// Verify reports whether sig is the truncated signature of req.
func Verify(secret []byte, req Request, sig [keycodec.SignatureLength]byte) bool {
	expected := Sign(secret, req)
	return hmac.Equal(expected[:], sig[:])
}
