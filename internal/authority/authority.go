// Package authority issues license documents and activation keys. It stands
// in for the central issuing service in tooling and tests; nodes never link it.
package authority

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"meshlicense/internal/catalog"
	"meshlicense/internal/keycodec"
	"meshlicense/internal/signature"
)

// Authority signs license documents with an RSA key and activation keys with
// the shared authority secret.
type Authority struct {
	id     string
	secret []byte
	key    *rsa.PrivateKey
}

// New creates an authority. secret is the revealed activation key secret.
func New(id string, secret []byte, key *rsa.PrivateKey) *Authority {
	return &Authority{id: id, secret: append([]byte(nil), secret...), key: key}
}

// Generate creates an authority with a fresh RSA key.
func Generate(id string, secret []byte, bits int) (*Authority, error) {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	return New(id, secret, key), nil
}

// ID returns the authority id nodes list among their trusted keys.
func (a *Authority) ID() string { return a.id }

// TrustedKey returns the public half of the signing key.
func (a *Authority) TrustedKey() catalog.TrustedKey {
	return catalog.TrustedKey{ID: a.id, Key: &a.key.PublicKey}
}

// PublicKeyPEM encodes the public signing key.
func (a *Authority) PublicKeyPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(&a.key.PublicKey)
	if err != nil {
		return "", fmt.Errorf("failed to encode public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// PrivateKeyPEM encodes the private signing key.
func (a *Authority) PrivateKeyPEM() string {
	der := x509.MarshalPKCS1PrivateKey(a.key)
	return string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}))
}

// SignDocument appends this authority's signature to l.
func (a *Authority) SignDocument(l *catalog.License) error {
	return catalog.SignDocument(l, a.id, a.key)
}

// Document signs l and returns its JSON encoding.
func (a *Authority) Document(l *catalog.License) ([]byte, error) {
	if err := a.SignDocument(l); err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal license %s: %w", l.ID, err)
	}
	return data, nil
}

// KeyRequest describes an activation key to issue.
type KeyRequest struct {
	DeviceID uuid.UUID
	Licenses []*catalog.License
	// Expiration is when the key stops applying. Zero issues a key that
	// does not expire on its own.
	Expiration time.Time
	// Deltas adds to the first parameter slot with the given name.
	Deltas map[string]uint8
}

// ErrNoLicenses is returned for a key request without licenses.
var ErrNoLicenses = errors.New("activation key needs at least one license")

// IssueActivationKey signs an activation key for req. Licenses are sorted
// into canonical order first, which is the only order verifiers try.
func (a *Authority) IssueActivationKey(req KeyRequest) (string, error) {
	if len(req.Licenses) == 0 {
		return "", ErrNoLicenses
	}
	if len(req.Licenses) > 255 {
		return "", fmt.Errorf("activation key cannot carry %d licenses", len(req.Licenses))
	}
	licenses := append([]*catalog.License(nil), req.Licenses...)
	catalog.SortCanonical(licenses)
	for i := 1; i < len(licenses); i++ {
		if licenses[i].CanonicalID() == licenses[i-1].CanonicalID() {
			return "", fmt.Errorf("license %s listed twice", licenses[i].ID)
		}
	}

	slots, err := catalog.ParameterLayout(licenses)
	if err != nil {
		return "", err
	}
	var params [keycodec.ParameterSlots]byte
	for name, delta := range req.Deltas {
		placed := false
		for i, s := range slots {
			if s.Name == name {
				params[i] = delta
				placed = true
				break
			}
		}
		if !placed {
			return "", fmt.Errorf("no license in the key declares parameter %q", name)
		}
	}

	key := keycodec.ActivationKey{LicenseCount: uint8(len(licenses)), Parameters: params}
	if !req.Expiration.IsZero() {
		days, err := keycodec.TimeToDays(req.Expiration)
		if err != nil {
			return "", err
		}
		key.ExpirationDays = days
		key.Flags |= keycodec.FlagVerifyExpiration
	}

	sigLicenses := make([]signature.License, len(licenses))
	for i, l := range licenses {
		sigLicenses[i] = l.SignatureInput()
	}
	key.Signature = signature.Sign(a.secret, signature.Request{
		DeviceID:       req.DeviceID,
		ExpirationDays: key.ExpirationDays,
		Flags:          key.Flags,
		Licenses:       sigLicenses,
		Parameters:     params,
	})
	return keycodec.EncodeActivationKey(key), nil
}

// IssueForRequestKey decodes a node's request key and issues an activation
// key for the device it names.
func (a *Authority) IssueForRequestKey(requestKey string, req KeyRequest) (string, keycodec.RequestKey, error) {
	rk, err := keycodec.DecodeActivationRequestKey(requestKey)
	if err != nil {
		return "", keycodec.RequestKey{}, fmt.Errorf("invalid request key: %w", err)
	}
	req.DeviceID = rk.DeviceID
	key, err := a.IssueActivationKey(req)
	return key, rk, err
}

// ParsePrivateKeyPEM decodes a PKCS#1 or PKCS#8 RSA private key.
func ParsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return key, nil
}
