package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"meshlicense/internal/authority"
	"meshlicense/internal/catalog"
	"meshlicense/internal/signature"
)

// TestSecret is the revealed authority secret used by fixtures. It is not
// meaningful outside tests.
var TestSecret = []byte("meshlicense-test-authority-secret")

var (
	keyMu    sync.Mutex
	keyCache = map[string]*rsa.PrivateKey{}
)

// signingKey returns one RSA key per authority id for the life of the test
// binary; generating keys per test makes the suite slow.
func signingKey(t testing.TB, id string) *rsa.PrivateKey {
	t.Helper()
	keyMu.Lock()
	defer keyMu.Unlock()
	if k, ok := keyCache[id]; ok {
		return k
	}
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	keyCache[id] = k
	return k
}

// NewAuthority returns an authority signing with TestSecret.
func NewAuthority(t testing.TB, id string) *authority.Authority {
	t.Helper()
	return authority.New(id, TestSecret, signingKey(t, id))
}

// NewVerifier trusts the given authorities.
func NewVerifier(t testing.TB, auths ...*authority.Authority) *catalog.Verifier {
	t.Helper()
	keys := make([]catalog.TrustedKey, len(auths))
	for i, a := range auths {
		keys[i] = a.TrustedKey()
	}
	v, err := catalog.NewVerifier(keys...)
	require.NoError(t, err)
	return v
}

// SignedLicense signs l with every authority, in order, and marks the signers
// as verified the way the catalog would.
func SignedLicense(t testing.TB, l *catalog.License, auths ...*authority.Authority) *catalog.License {
	t.Helper()
	for _, a := range auths {
		require.NoError(t, a.SignDocument(l))
		l.Signers = append(l.Signers, a.ID())
	}
	return l
}

// Document signs l with auth and returns a catalog document.
func Document(t testing.TB, auth *authority.Authority, l *catalog.License) catalog.Document {
	t.Helper()
	data, err := auth.Document(l)
	require.NoError(t, err)
	return catalog.Document{Name: l.ID + ".lic", Data: data}
}

// LicenseBuilder assembles license documents for tests.
type LicenseBuilder struct {
	l *catalog.License
}

// NewLicense starts a license with a fixed id derived from name, version
// 1.0.0 and a one year expiration.
func NewLicense(name string) *LicenseBuilder {
	return &LicenseBuilder{l: &catalog.License{
		ID:          LicenseID(name).String(),
		Description: name,
		Version:     "1.0.0",
		Expiration:  time.Now().UTC().Add(365 * 24 * time.Hour).Truncate(time.Second),
	}}
}

// LicenseID derives a stable license id from name.
func LicenseID(name string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("license/"+name))
}

// PluginID derives a stable plug-in id from name.
func PluginID(name string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("plugin/"+name))
}

func (b *LicenseBuilder) WithVersion(v string) *LicenseBuilder {
	b.l.Version = v
	return b
}

func (b *LicenseBuilder) WithExpiration(t time.Time) *LicenseBuilder {
	b.l.Expiration = t.UTC().Truncate(time.Second)
	return b
}

func (b *LicenseBuilder) WithParameter(name string, value uint8) *LicenseBuilder {
	b.l.Parameters = append(b.l.Parameters, catalog.Parameter{Name: name, Value: value})
	return b
}

// WithThings declares the device-instance entitlement.
func (b *LicenseBuilder) WithThings(n uint8) *LicenseBuilder {
	return b.WithParameter(catalog.ThingsParameter, n)
}

func (b *LicenseBuilder) WithPlugin(id uuid.UUID, deviceTypes ...string) *LicenseBuilder {
	b.l.Plugins = append(b.l.Plugins, catalog.PluginLicense{PluginID: id, DeviceTypes: deviceTypes})
	return b
}

// WithGlobalPoolPlugin binds the license to id and lets it draw from the global pool.
func (b *LicenseBuilder) WithGlobalPoolPlugin(id uuid.UUID, deviceTypes ...string) *LicenseBuilder {
	b.l.Plugins = append(b.l.Plugins, catalog.PluginLicense{PluginID: id, DeviceTypes: deviceTypes, AllowGlobalPool: true})
	return b
}

func (b *LicenseBuilder) WithRuntimeRange(min, max string) *LicenseBuilder {
	b.l.MinRuntimeVersion = min
	b.l.MaxRuntimeVersion = max
	return b
}

func (b *LicenseBuilder) WithEvaluationDays(days int) *LicenseBuilder {
	b.l.EvaluationDays = days
	return b
}

// WithSigningKey sets the additional signing key fragment, concealed as it
// would be in a shipped document.
func (b *LicenseBuilder) WithSigningKey(fragment []byte) *LicenseBuilder {
	b.l.SigningKeyFragment = base64.StdEncoding.EncodeToString(signature.Conceal(fragment))
	return b
}

func (b *LicenseBuilder) WithSKU(sku uint16) *LicenseBuilder {
	b.l.SKU = sku
	return b
}

// Build returns the license.
func (b *LicenseBuilder) Build() *catalog.License {
	return b.l.Clone()
}
