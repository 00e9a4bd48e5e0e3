package performance

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshlicense/internal/authority"
	"meshlicense/internal/catalog"
	"meshlicense/internal/ledger"
	"meshlicense/internal/matcher"
	"meshlicense/internal/shared/testutil"
)

var ConcurrencyLevels = []int{1, 10, 50, 100, 200}

func installedLicenses(n int) []*catalog.License {
	licenses := make([]*catalog.License, n)
	for i := range licenses {
		name := fmt.Sprintf("bulk-%02d", i)
		licenses[i] = testutil.NewLicense(name).WithThings(1).WithPlugin(testutil.PluginID(name)).Build()
	}
	return licenses
}

// BenchmarkMatcherSearch measures the combination search for a key signed
// over the last k of n installed licenses in canonical order, which is the
// last combination the search tries.
func BenchmarkMatcherSearch(b *testing.B) {
	auth := authority.New("bench", testutil.TestSecret, nil)
	device := uuid.New()

	for _, tc := range []struct{ n, k int }{{4, 1}, {12, 1}, {12, 3}, {20, 2}} {
		b.Run(fmt.Sprintf("n=%d/k=%d", tc.n, tc.k), func(b *testing.B) {
			installed := installedLicenses(tc.n)
			sorted := append([]*catalog.License(nil), installed...)
			catalog.SortCanonical(sorted)
			key, err := auth.IssueActivationKey(authority.KeyRequest{
				DeviceID: device,
				Licenses: sorted[tc.n-tc.k:],
			})
			require.NoError(b, err)
			m := matcher.New(testutil.TestSecret)

			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := m.ValidateActivationKey(key, device, installed); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkMatcherRejection(b *testing.B) {
	auth := authority.New("bench", testutil.TestSecret, nil)
	installed := installedLicenses(12)
	key, err := auth.IssueActivationKey(authority.KeyRequest{
		DeviceID: uuid.New(),
		Licenses: installed[:2],
	})
	require.NoError(b, err)
	other := uuid.New()

	b.Run("uncached", func(b *testing.B) {
		m := matcher.New(testutil.TestSecret, matcher.WithNegativeCacheTTL(0))
		for i := 0; i < b.N; i++ {
			_, _ = m.ValidateActivationKey(key, other, installed)
		}
	})
	b.Run("cached", func(b *testing.B) {
		m := matcher.New(testutil.TestSecret)
		for i := 0; i < b.N; i++ {
			_, _ = m.ValidateActivationKey(key, other, installed)
		}
	})
}

type node struct {
	ledger *ledger.Ledger
	plugin uuid.UUID
}

func newNode(t testing.TB, things uint8) *node {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	auth := testutil.NewAuthority(t, "perf")
	device := uuid.New()
	plugin := testutil.PluginID("perf-plugin")

	l, err := ledger.New(ledger.Options{
		DeviceID: device,
		Secret:   testutil.TestSecret,
		Catalog:  catalog.New(testutil.NewVerifier(t, auth), catalog.WithLogger(logger)),
		Logger:   logger,
	})
	require.NoError(t, err)

	lic := testutil.NewLicense("perf").WithThings(0).WithPlugin(plugin).Build()
	_, err = l.LoadLicenses(context.Background(), catalog.StaticSource{testutil.Document(t, auth, lic)})
	require.NoError(t, err)

	key, err := auth.IssueActivationKey(authority.KeyRequest{
		DeviceID: device,
		Licenses: []*catalog.License{lic},
		Deltas:   map[string]uint8{catalog.ThingsParameter: things},
	})
	require.NoError(t, err)
	applied, err := l.ApplyActivationKey(context.Background(), key, nil)
	require.NoError(t, err)
	require.True(t, applied)
	return &node{ledger: l, plugin: plugin}
}

func BenchmarkCheckLicenseParallel(b *testing.B) {
	n := newNode(b, 200)
	ctx := context.Background()
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			n.ledger.CheckLicense(ctx, n.plugin, ledger.AnyDeviceType, nil, 1, false)
		}
	})
}

func BenchmarkConsumeRelease(b *testing.B) {
	n := newNode(b, 200)
	ctx := context.Background()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if n.ledger.CheckLicense(ctx, n.plugin, ledger.AnyDeviceType, nil, 1, true) {
				n.ledger.ReleaseLicense(ctx, n.plugin, ledger.AnyDeviceType)
			}
		}
	})
}

// TestConcurrentConsumptionUnderLoad checks that capacity is never
// oversubscribed however many callers race for it.
func TestConcurrentConsumptionUnderLoad(t *testing.T) {
	if testing.Short() {
		t.Skip("load test")
	}
	const capacity = 50

	for _, callers := range ConcurrencyLevels {
		t.Run(fmt.Sprintf("callers=%d", callers), func(t *testing.T) {
			n := newNode(t, capacity)
			ctx := context.Background()

			var granted atomic.Int64
			var wg sync.WaitGroup
			start := make(chan struct{})
			began := time.Now()
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					for j := 0; j < 2; j++ {
						if n.ledger.CheckLicense(ctx, n.plugin, ledger.AnyDeviceType, nil, 1, true) {
							granted.Add(1)
						}
					}
				}()
			}
			close(start)
			wg.Wait()

			want := int64(min(capacity, 2*callers))
			assert.Equal(t, want, granted.Load())
			t.Logf("%d callers: %d grants in %s", callers, granted.Load(), time.Since(began))
		})
	}
}
