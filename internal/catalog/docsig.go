package catalog

import (
	"crypto"
	"crypto/rsa"
	_ "crypto/sha1" // registers SHA-1 for RS1
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	licenseErrors "meshlicense/internal/errors"
)

// SigningMethodRS1 is RSASSA-PKCS1-v1_5 over SHA-1, the algorithm license
// authorities sign documents with.
var SigningMethodRS1 = &jwt.SigningMethodRSA{Name: "RS1", Hash: crypto.SHA1}

// signatureSeparator splits a detached signature into header and signature.
const signatureSeparator = ".."

type signatureHeader struct {
	Alg string `json:"alg"`
	Kid string `json:"kid,omitempty"`
	// Key is the base64 PKIX DER encoding of the signer's public key.
	Key string `json:"key"`
}

// TrustedKey is a public key whose signatures are accepted.
type TrustedKey struct {
	ID  string
	Key *rsa.PublicKey
}

// Verifier checks detached document signatures against a set of trusted keys.
type Verifier struct {
	byKey map[string]TrustedKey
}

// NewVerifier creates a verifier trusting keys.
func NewVerifier(keys ...TrustedKey) (*Verifier, error) {
	v := &Verifier{byKey: make(map[string]TrustedKey, len(keys))}
	for _, k := range keys {
		if k.Key == nil || k.ID == "" {
			return nil, fmt.Errorf("trusted key %q is incomplete", k.ID)
		}
		der, err := x509.MarshalPKIXPublicKey(k.Key)
		if err != nil {
			return nil, fmt.Errorf("failed to encode trusted key %q: %w", k.ID, err)
		}
		v.byKey[base64.StdEncoding.EncodeToString(der)] = k
	}
	return v, nil
}

// ParseTrustedKeys decodes PEM public keys indexed by authority id.
func ParseTrustedKeys(pems map[string]string) ([]TrustedKey, error) {
	ids := make([]string, 0, len(pems))
	for id := range pems {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	keys := make([]TrustedKey, 0, len(ids))
	for _, id := range ids {
		pub, err := jwt.ParseRSAPublicKeyFromPEM([]byte(pems[id]))
		if err != nil {
			return nil, fmt.Errorf("failed to parse trusted key %q: %w", id, err)
		}
		keys = append(keys, TrustedKey{ID: id, Key: pub})
	}
	return keys, nil
}

// TrustedIDs lists the ids of the trusted keys.
func (v *Verifier) TrustedIDs() []string {
	ids := make([]string, 0, len(v.byKey))
	for _, k := range v.byKey {
		ids = append(ids, k.ID)
	}
	sort.Strings(ids)
	return ids
}

// Verify checks every signature of l and returns the ids of the trusted keys
// that signed it. Signatures by unknown keys are ignored. A signature that
// names a trusted key but fails to verify rejects the whole document, as does
// a document without any trusted signature.
func (v *Verifier) Verify(l *License) ([]string, error) {
	payload, err := CanonicalJSON(l)
	if err != nil {
		return nil, err
	}
	encodedPayload := base64.RawURLEncoding.EncodeToString(payload)

	var signers []string
	for i, detached := range l.Signatures {
		headerPart, sigPart, ok := strings.Cut(detached, signatureSeparator)
		if !ok {
			return nil, fmt.Errorf("%w: signature %d is malformed", licenseErrors.ErrDocumentSignature, i)
		}
		rawHeader, err := base64.RawURLEncoding.DecodeString(headerPart)
		if err != nil {
			return nil, fmt.Errorf("%w: signature %d header: %v", licenseErrors.ErrDocumentSignature, i, err)
		}
		var header signatureHeader
		if err := json.Unmarshal(rawHeader, &header); err != nil {
			return nil, fmt.Errorf("%w: signature %d header: %v", licenseErrors.ErrDocumentSignature, i, err)
		}

		trusted, ok := v.byKey[header.Key]
		if !ok {
			continue
		}
		if header.Alg != SigningMethodRS1.Alg() {
			return nil, fmt.Errorf("%w: signature %d uses unsupported algorithm %q", licenseErrors.ErrDocumentSignature, i, header.Alg)
		}
		sig, err := base64.RawURLEncoding.DecodeString(sigPart)
		if err != nil {
			return nil, fmt.Errorf("%w: signature %d: %v", licenseErrors.ErrDocumentSignature, i, err)
		}
		if err := SigningMethodRS1.Verify(headerPart+"."+encodedPayload, sig, trusted.Key); err != nil {
			return nil, fmt.Errorf("%w: signature by %s: %v", licenseErrors.ErrDocumentSignature, trusted.ID, err)
		}
		signers = append(signers, trusted.ID)
	}

	if len(signers) == 0 {
		return nil, fmt.Errorf("%w: no trusted signature", licenseErrors.ErrDocumentSignature)
	}
	sort.Strings(signers)
	return signers, nil
}

// SignDocument appends a detached signature by key to l.
func SignDocument(l *License, keyID string, key *rsa.PrivateKey) error {
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return fmt.Errorf("failed to encode public key: %w", err)
	}
	rawHeader, err := json.Marshal(signatureHeader{
		Alg: SigningMethodRS1.Alg(),
		Kid: keyID,
		Key: base64.StdEncoding.EncodeToString(der),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal signature header: %w", err)
	}
	payload, err := CanonicalJSON(l)
	if err != nil {
		return err
	}

	headerPart := base64.RawURLEncoding.EncodeToString(rawHeader)
	sig, err := SigningMethodRS1.Sign(headerPart+"."+base64.RawURLEncoding.EncodeToString(payload), key)
	if err != nil {
		return fmt.Errorf("failed to sign license %s: %w", l.ID, err)
	}
	l.Signatures = append(l.Signatures, headerPart+signatureSeparator+base64.RawURLEncoding.EncodeToString(sig))
	return nil
}
