package catalog_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-version"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshlicense/internal/catalog"
	licenseErrors "meshlicense/internal/errors"
	"meshlicense/internal/keycodec"
	"meshlicense/internal/shared/testutil"
)

func TestParseDocumentValidation(t *testing.T) {
	valid := testutil.NewLicense("L1").WithThings(3).WithPlugin(testutil.PluginID("p")).Build()

	tests := []struct {
		name    string
		mutate  func(l *catalog.License)
		wantErr bool
	}{
		{name: "valid", mutate: func(*catalog.License) {}},
		{name: "missing id", mutate: func(l *catalog.License) { l.ID = "" }, wantErr: true},
		{name: "id not a uuid", mutate: func(l *catalog.License) { l.ID = "license-1" }, wantErr: true},
		{name: "bad version", mutate: func(l *catalog.License) { l.Version = "one" }, wantErr: true},
		{name: "bad runtime bound", mutate: func(l *catalog.License) { l.MinRuntimeVersion = "x.y" }, wantErr: true},
		{name: "missing expiration", mutate: func(l *catalog.License) { l.Expiration = time.Time{} }, wantErr: true},
		{name: "too many parameters", mutate: func(l *catalog.License) {
			l.Parameters = nil
			for i := 0; i < 10; i++ {
				l.Parameters = append(l.Parameters, catalog.Parameter{Name: string(rune('a' + i)), Value: 1})
			}
		}, wantErr: true},
		{name: "duplicate parameter", mutate: func(l *catalog.License) {
			l.Parameters = append(l.Parameters, catalog.Parameter{Name: catalog.ThingsParameter, Value: 1})
		}, wantErr: true},
		{name: "negative evaluation", mutate: func(l *catalog.License) { l.EvaluationDays = -1 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := valid.Clone()
			tt.mutate(l)
			data, err := json.Marshal(l)
			require.NoError(t, err)

			parsed, err := catalog.ParseDocument(data)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, licenseErrors.ErrInvalidDocument)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, l.ID, parsed.ID)
		})
	}

	_, err := catalog.ParseDocument([]byte("{not json"))
	assert.ErrorIs(t, err, licenseErrors.ErrInvalidDocument)
}

func TestVerifier(t *testing.T) {
	vendor := testutil.NewAuthority(t, "vendor")
	partner := testutil.NewAuthority(t, "partner")
	stranger := testutil.NewAuthority(t, "stranger")
	verifier := testutil.NewVerifier(t, vendor, partner)

	t.Run("trusted signature verifies", func(t *testing.T) {
		l := testutil.NewLicense("L1").Build()
		require.NoError(t, vendor.SignDocument(l))

		signers, err := verifier.Verify(l)
		require.NoError(t, err)
		assert.Equal(t, []string{"vendor"}, signers)
	})

	t.Run("all trusted signers are reported", func(t *testing.T) {
		l := testutil.NewLicense("L1").Build()
		require.NoError(t, vendor.SignDocument(l))
		require.NoError(t, partner.SignDocument(l))

		signers, err := verifier.Verify(l)
		require.NoError(t, err)
		assert.Equal(t, []string{"partner", "vendor"}, signers)
	})

	t.Run("unknown signer is ignored", func(t *testing.T) {
		l := testutil.NewLicense("L1").Build()
		require.NoError(t, stranger.SignDocument(l))
		require.NoError(t, vendor.SignDocument(l))

		signers, err := verifier.Verify(l)
		require.NoError(t, err)
		assert.Equal(t, []string{"vendor"}, signers)
	})

	t.Run("only unknown signers", func(t *testing.T) {
		l := testutil.NewLicense("L1").Build()
		require.NoError(t, stranger.SignDocument(l))

		_, err := verifier.Verify(l)
		assert.ErrorIs(t, err, licenseErrors.ErrDocumentSignature)
	})

	t.Run("tampered document", func(t *testing.T) {
		l := testutil.NewLicense("L1").WithThings(1).Build()
		require.NoError(t, vendor.SignDocument(l))
		l.Parameters[0].Value = 200

		_, err := verifier.Verify(l)
		assert.ErrorIs(t, err, licenseErrors.ErrDocumentSignature)
	})

	t.Run("malformed signature", func(t *testing.T) {
		l := testutil.NewLicense("L1").Build()
		l.Signatures = []string{"garbage"}

		_, err := verifier.Verify(l)
		assert.ErrorIs(t, err, licenseErrors.ErrDocumentSignature)
	})

	t.Run("survives a JSON round trip", func(t *testing.T) {
		doc := testutil.Document(t, vendor, testutil.NewLicense("L2").WithThings(4).Build())
		l, err := catalog.ParseDocument(doc.Data)
		require.NoError(t, err)

		signers, err := verifier.Verify(l)
		require.NoError(t, err)
		assert.Equal(t, []string{"vendor"}, signers)
	})
}

func TestParseTrustedKeys(t *testing.T) {
	vendor := testutil.NewAuthority(t, "vendor")
	pemKey, err := vendor.PublicKeyPEM()
	require.NoError(t, err)

	keys, err := catalog.ParseTrustedKeys(map[string]string{"vendor": pemKey})
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "vendor", keys[0].ID)

	_, err = catalog.ParseTrustedKeys(map[string]string{"broken": "not a key"})
	assert.Error(t, err)
}

func TestCatalogLoadDocuments(t *testing.T) {
	vendor := testutil.NewAuthority(t, "vendor")
	stranger := testutil.NewAuthority(t, "stranger")
	c := catalog.New(testutil.NewVerifier(t, vendor))
	ctx := context.Background()

	v1 := testutil.NewLicense("L1").WithThings(2).Build()
	l2 := testutil.NewLicense("L2").Build()
	forged := testutil.NewLicense("L3").Build()

	changes, err := c.LoadDocuments(ctx, []catalog.Document{
		testutil.Document(t, vendor, v1),
		testutil.Document(t, vendor, l2),
		testutil.Document(t, stranger, forged),
	})
	require.Error(t, err)
	var merr *multierror.Error
	require.True(t, errors.As(err, &merr))
	assert.Len(t, merr.Errors, 1)
	assert.ErrorIs(t, err, licenseErrors.ErrDocumentSignature)

	require.Len(t, changes, 2)
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, uint64(2), c.Revision())
	for _, ch := range changes {
		assert.Equal(t, catalog.ChangeAdded, ch.Kind)
		assert.Equal(t, []string{"vendor"}, ch.New.Signers)
	}

	t.Run("higher version supersedes", func(t *testing.T) {
		v2 := testutil.NewLicense("L1").WithVersion("1.2.0").WithThings(6).Build()
		changes, err := c.LoadDocuments(ctx, []catalog.Document{testutil.Document(t, vendor, v2)})
		require.NoError(t, err)
		require.Len(t, changes, 1)
		assert.Equal(t, catalog.ChangeSuperseded, changes[0].Kind)
		assert.Equal(t, "1.0.0", changes[0].Old.Version)
		assert.Equal(t, "1.2.0", changes[0].New.Version)

		got, ok := c.Get(testutil.LicenseID("L1"))
		require.True(t, ok)
		things, _ := got.Parameter(catalog.ThingsParameter)
		assert.Equal(t, uint8(6), things)
		assert.Equal(t, 2, c.Len())
	})

	t.Run("lower or equal version is ignored", func(t *testing.T) {
		rev := c.Revision()
		old := testutil.NewLicense("L1").WithVersion("1.1.9").Build()
		changes, err := c.LoadDocuments(ctx, []catalog.Document{testutil.Document(t, vendor, old)})
		require.NoError(t, err)
		assert.Empty(t, changes)
		assert.Equal(t, rev, c.Revision())
	})

	t.Run("snapshot is canonical", func(t *testing.T) {
		snap := c.Snapshot()
		require.Len(t, snap, 2)
		assert.Less(t, snap[0].CanonicalID(), snap[1].CanonicalID())
	})
}

func TestDirSource(t *testing.T) {
	vendor := testutil.NewAuthority(t, "vendor")
	dir := t.TempDir()

	doc := testutil.Document(t, vendor, testutil.NewLicense("L1").Build())
	require.NoError(t, os.WriteFile(filepath.Join(dir, "l1.lic"), doc.Data, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("ignored"), 0o600))

	src := catalog.NewDirSource(dir)
	docs, err := src.Documents(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "l1.lic", docs[0].Name)

	assert.True(t, src.Matches(filepath.Join(dir, "x.lic")))
	assert.False(t, src.Matches(filepath.Join(dir, ".x.lic")))
	assert.False(t, src.Matches(filepath.Join(dir, "x.json")))

	c := catalog.New(testutil.NewVerifier(t, vendor))
	changes, err := c.Load(context.Background(), src)
	require.NoError(t, err)
	assert.Len(t, changes, 1)
}

func TestCompatible(t *testing.T) {
	l := testutil.NewLicense("L1").WithRuntimeRange("2.0.0", "2.5.0").Build()

	tests := []struct {
		engine string
		want   bool
	}{
		{"1.9.9", false},
		{"2.0.0", true},
		{"2.4.1", true},
		{"2.5.0", true},
		{"2.5.1", false},
	}
	for _, tt := range tests {
		t.Run(tt.engine, func(t *testing.T) {
			assert.Equal(t, tt.want, l.Compatible(version.Must(version.NewVersion(tt.engine))))
		})
	}
	assert.True(t, l.Compatible(nil))
}

func TestActivatedParameters(t *testing.T) {
	l1 := testutil.NewLicense("L1").WithThings(2).WithParameter("cdeSpeed", 1).Build()
	l3 := testutil.NewLicense("L3").WithThings(4).Build()

	var deltas [keycodec.ParameterSlots]byte
	deltas[0] = 5 // L1 cdeThings
	deltas[1] = 0 // L1 cdeSpeed
	deltas[2] = 3 // L3 cdeThings

	params, err := catalog.ActivatedParameters([]*catalog.License{l1, l3}, deltas)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{catalog.ThingsParameter: 7, "cdeSpeed": 1}, params[0])
	assert.Equal(t, map[string]int{catalog.ThingsParameter: 7}, params[1])

	many := testutil.NewLicense("M").Build()
	for i := 0; i < 9; i++ {
		many.Parameters = append(many.Parameters, catalog.Parameter{Name: string(rune('a' + i))})
	}
	_, err = catalog.ParameterLayout([]*catalog.License{many, l3})
	assert.Error(t, err)
}

func TestSigningKeyFragment(t *testing.T) {
	l := testutil.NewLicense("L1").WithSigningKey([]byte("fragment")).Build()
	assert.Equal(t, []byte("fragment"), l.SigningKey())
	assert.NotContains(t, l.SigningKeyFragment, "fragment")
	assert.Nil(t, testutil.NewLicense("L2").Build().SigningKey())
}
