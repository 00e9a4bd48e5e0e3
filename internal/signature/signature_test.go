package signature

import (
	"encoding/hex"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshlicense/internal/keycodec"
)

var testSecret = []byte("authority-test-secret")

func testRequest() Request {
	return Request{
		DeviceID:       uuid.MustParse("3e0b8f5a-1c2d-4e6f-8a9b-0c1d2e3f4a5b"),
		ExpirationDays: 4000,
		Flags:          keycodec.FlagVerifyExpiration,
		Licenses: []License{
			{ID: uuid.MustParse("11111111-1111-1111-1111-111111111111")},
			{ID: uuid.MustParse("33333333-3333-3333-3333-333333333333"), SigningKey: []byte{1, 2, 3}},
		},
		Parameters: [keycodec.ParameterSlots]byte{5},
	}
}

func TestCanonicalBufferLayout(t *testing.T) {
	req := testRequest()
	buf := CanonicalBuffer(req)

	require.Len(t, buf, 16+1+1+2+1+32+9)
	assert.Equal(t, req.DeviceID[:], buf[:16])
	assert.Equal(t, byte(keycodec.FlagVerifyExpiration), buf[16])
	assert.Equal(t, byte(0), buf[17])
	assert.Equal(t, []byte{0xA0, 0x0F}, buf[18:20])
	assert.Equal(t, byte(2), buf[20])
	assert.Equal(t, req.Licenses[0].ID[:], buf[21:37])
	assert.Equal(t, byte(5), buf[53])

	req.Flags = 0
	assert.Len(t, CanonicalBuffer(req), 16+1+1+1+32+9, "expiration bytes only signed when verified")
}

func TestSignIsDeterministic(t *testing.T) {
	req := testRequest()
	assert.Equal(t, Sign(testSecret, req), Sign(testSecret, req))
	assert.True(t, Verify(testSecret, req, Sign(testSecret, req)))
}

func TestSignDependsOnEveryInput(t *testing.T) {
	base := Sign(testSecret, testRequest())

	mutations := map[string]func(*Request){
		"device":     func(r *Request) { r.DeviceID[0] ^= 1 },
		"expiration": func(r *Request) { r.ExpirationDays++ },
		"flags":      func(r *Request) { r.Flags = 0 },
		"parameters": func(r *Request) { r.Parameters[8] = 1 },
		"order": func(r *Request) {
			r.Licenses[0], r.Licenses[1] = r.Licenses[1], r.Licenses[0]
		},
		"fragment": func(r *Request) { r.Licenses[1].SigningKey = []byte{9} },
		"subset":   func(r *Request) { r.Licenses = r.Licenses[:1] },
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			req := testRequest()
			mutate(&req)
			assert.NotEqual(t, base, Sign(testSecret, req))
		})
	}

	assert.NotEqual(t, base, Sign([]byte("other"), testRequest()))
}

func TestSignTruncatesDigest(t *testing.T) {
	req := testRequest()
	digest := Digest(testSecret, req)
	require.Len(t, digest, 20)
	sig := Sign(testSecret, req)
	assert.Equal(t, digest[:8], sig[:])
}

// The obfuscation is a deployment placeholder, not cryptography: anyone with
// the binary can reveal the secret.
func TestConcealRevealRoundTrip(t *testing.T) {
	plain := []byte("a fairly long authority secret value")
	concealed := Conceal(plain)
	assert.NotEqual(t, plain, concealed)
	assert.Equal(t, plain, Reveal(concealed))

	parsed, err := ParseSecret(hex.EncodeToString(concealed))
	require.NoError(t, err)
	assert.Equal(t, plain, parsed)

	_, err = ParseSecret("   ")
	assert.Error(t, err)
}
