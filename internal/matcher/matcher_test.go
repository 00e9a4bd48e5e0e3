package matcher_test

import (
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshlicense/internal/authority"
	"meshlicense/internal/catalog"
	licenseErrors "meshlicense/internal/errors"
	"meshlicense/internal/keycodec"
	"meshlicense/internal/matcher"
	"meshlicense/internal/shared/testutil"
)

type fixture struct {
	auth      *authority.Authority
	device    uuid.UUID
	licenses  map[string]*catalog.License
	installed []*catalog.License
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		auth:     testutil.NewAuthority(t, "vendor"),
		device:   uuid.New(),
		licenses: map[string]*catalog.License{},
	}
	for _, name := range []string{"L1", "L2", "L3", "L4"} {
		l := testutil.NewLicense(name).WithThings(1).WithPlugin(testutil.PluginID(name)).Build()
		f.licenses[name] = l
		f.installed = append(f.installed, l)
	}
	return f
}

func (f *fixture) issue(t *testing.T, req authority.KeyRequest) string {
	t.Helper()
	if req.DeviceID == uuid.Nil {
		req.DeviceID = f.device
	}
	key, err := f.auth.IssueActivationKey(req)
	require.NoError(t, err)
	return key
}

func ids(result *matcher.MatchResult) []string {
	out := make([]string, len(result.Activations))
	for i, a := range result.Activations {
		out[i] = a.License.Description
	}
	return out
}

func TestRecoversSignedSubset(t *testing.T) {
	f := newFixture(t)
	key := f.issue(t, authority.KeyRequest{
		Licenses: []*catalog.License{f.licenses["L3"], f.licenses["L1"]},
	})
	m := matcher.New(testutil.TestSecret)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 10; i++ {
		installed := append([]*catalog.License(nil), f.installed...)
		rng.Shuffle(len(installed), func(a, b int) { installed[a], installed[b] = installed[b], installed[a] })

		result, err := m.ValidateActivationKey(key, f.device, installed)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"L1", "L3"}, ids(result))
		assert.Equal(t, matcher.HashKey(key), result.KeyHash)
	}
}

func TestWrongDeviceIsIndistinguishable(t *testing.T) {
	f := newFixture(t)
	key := f.issue(t, authority.KeyRequest{Licenses: []*catalog.License{f.licenses["L2"]}})
	m := matcher.New(testutil.TestSecret)

	_, wrongDevice := m.ValidateActivationKey(key, uuid.New(), f.installed)
	require.Error(t, wrongDevice)
	assert.ErrorIs(t, wrongDevice, licenseErrors.ErrNoMatchingLicense)

	without := []*catalog.License{f.licenses["L1"], f.licenses["L3"], f.licenses["L4"]}
	_, missing := m.ValidateActivationKey(key, f.device, without)
	require.Error(t, missing)
	assert.ErrorIs(t, missing, licenseErrors.ErrNoMatchingLicense)

	assert.Equal(t, licenseErrors.ClassOf(wrongDevice), licenseErrors.ClassOf(missing))
}

func TestRejections(t *testing.T) {
	f := newFixture(t)
	now := time.Now()

	expiredKey := f.issue(t, authority.KeyRequest{
		Licenses:   []*catalog.License{f.licenses["L1"]},
		Expiration: now.Add(-48 * time.Hour),
	})
	online := keycodec.EncodeActivationKey(keycodec.ActivationKey{Flags: keycodec.FlagOnlineActivation, LicenseCount: 1})
	zero := keycodec.EncodeActivationKey(keycodec.ActivationKey{LicenseCount: 0})
	tooMany := keycodec.EncodeActivationKey(keycodec.ActivationKey{LicenseCount: 5})

	tests := []struct {
		name string
		key  string
		want error
	}{
		{"garbage", "not-a-key", licenseErrors.ErrInvalidKeyFormat},
		{"online activation", online, licenseErrors.ErrOnlineActivationUnsupported},
		{"zero licenses", zero, licenseErrors.ErrInvalidLicenseCount},
		{"more licenses than installed", tooMany, licenseErrors.ErrInvalidLicenseCount},
		{"expired key", expiredKey, licenseErrors.ErrKeyExpired},
	}

	m := matcher.New(testutil.TestSecret)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.ValidateActivationKey(tt.key, f.device, f.installed)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			var ke *licenseErrors.KeyError
			assert.ErrorAs(t, err, &ke)
			assert.NotContains(t, err.Error(), keycodec.Normalize(tt.key))
		})
	}
}

func TestParameterConservation(t *testing.T) {
	f := newFixture(t)
	l1 := testutil.NewLicense("P1").WithThings(2).WithParameter("cdeSpeed", 3).Build()
	l2 := testutil.NewLicense("P2").WithThings(4).Build()
	installed := []*catalog.License{l1, l2, f.licenses["L4"]}

	key := f.issue(t, authority.KeyRequest{
		Licenses: []*catalog.License{l2, l1},
		Deltas:   map[string]uint8{catalog.ThingsParameter: 5, "cdeSpeed": 1},
	})

	result, err := matcher.New(testutil.TestSecret).ValidateActivationKey(key, f.device, installed)
	require.NoError(t, err)
	require.Len(t, result.Activations, 2)

	total := map[string]int{}
	for _, a := range result.Activations {
		for name, v := range a.Parameters {
			total[name] += v
		}
	}
	assert.Equal(t, 2+4+5, total[catalog.ThingsParameter])
	assert.Equal(t, 3+1, total["cdeSpeed"])
}

func TestEffectiveExpiration(t *testing.T) {
	f := newFixture(t)
	soon := testutil.NewLicense("S").WithExpiration(time.Now().Add(24 * time.Hour)).Build()
	late := testutil.NewLicense("T").WithExpiration(time.Now().Add(2000 * 24 * time.Hour)).Build()
	keyExp := time.Now().Add(90 * 24 * time.Hour)

	key := f.issue(t, authority.KeyRequest{Licenses: []*catalog.License{soon, late}, Expiration: keyExp})
	result, err := matcher.New(testutil.TestSecret).ValidateActivationKey(key, f.device, []*catalog.License{soon, late})
	require.NoError(t, err)

	wantKeyExp := keycodec.DaysToTime(mustDays(t, keyExp))
	assert.Equal(t, wantKeyExp, result.KeyExpiration)
	for _, a := range result.Activations {
		switch a.License.Description {
		case "S":
			assert.Equal(t, soon.Expiration, a.Expiration)
		case "T":
			assert.Equal(t, wantKeyExp, a.Expiration)
		}
	}
}

func mustDays(t *testing.T, at time.Time) uint16 {
	t.Helper()
	d, err := keycodec.TimeToDays(at)
	require.NoError(t, err)
	return d
}

func TestSigningKeyFragments(t *testing.T) {
	f := newFixture(t)
	withFragment := testutil.NewLicense("F").WithSigningKey([]byte{0xde, 0xad, 0xbe, 0xef}).Build()
	key := f.issue(t, authority.KeyRequest{Licenses: []*catalog.License{withFragment}})

	m := matcher.New(testutil.TestSecret)
	_, err := m.ValidateActivationKey(key, f.device, []*catalog.License{withFragment})
	require.NoError(t, err)

	stripped := withFragment.Clone()
	stripped.SigningKeyFragment = ""
	_, err = m.ValidateActivationKey(key, f.device, []*catalog.License{stripped})
	assert.ErrorIs(t, err, licenseErrors.ErrNoMatchingLicense)

	_, err = matcher.New([]byte("another secret")).ValidateActivationKey(key, f.device, []*catalog.License{withFragment})
	assert.ErrorIs(t, err, licenseErrors.ErrNoMatchingLicense)
}

func TestNegativeCacheFollowsCatalog(t *testing.T) {
	f := newFixture(t)
	extra := testutil.NewLicense("L5").Build()
	key := f.issue(t, authority.KeyRequest{Licenses: []*catalog.License{extra}})
	m := matcher.New(testutil.TestSecret)

	for i := 0; i < 2; i++ {
		_, err := m.ValidateActivationKey(key, f.device, f.installed)
		assert.ErrorIs(t, err, licenseErrors.ErrNoMatchingLicense)
	}

	result, err := m.ValidateActivationKey(key, f.device, append(f.installed, extra))
	require.NoError(t, err)
	assert.Equal(t, []string{"L5"}, ids(result))
}

func TestLooseKeyInput(t *testing.T) {
	f := newFixture(t)
	key := f.issue(t, authority.KeyRequest{Licenses: []*catalog.License{f.licenses["L1"]}})
	loose := keycodec.Normalize(key)

	result, err := matcher.New(testutil.TestSecret, matcher.WithNegativeCacheTTL(0)).
		ValidateActivationKey(" "+loose+" ", f.device, f.installed)
	require.NoError(t, err)
	assert.Equal(t, matcher.HashKey(key), result.KeyHash)
}
