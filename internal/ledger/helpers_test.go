package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"meshlicense/internal/authority"
	"meshlicense/internal/catalog"
	"meshlicense/internal/shared/testutil"
	"meshlicense/internal/store"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Now().UTC()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	t       *testing.T
	ledger  *Ledger
	auth    *authority.Authority
	partner *authority.Authority
	catalog *catalog.Catalog
	store   store.Store
	clock   *testClock
	device  uuid.UUID
}

type harnessOption func(*Options)

func withEngineVersion(v string) harnessOption {
	return func(o *Options) { o.EngineVersion = v }
}

func withStore(s store.Store) harnessOption {
	return func(o *Options) { o.Store = s }
}

func withDevice(id uuid.UUID) harnessOption {
	return func(o *Options) { o.DeviceID = id }
}

func withOptions(fn func(*Options)) harnessOption {
	return fn
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		auth:    testutil.NewAuthority(t, "vendor"),
		partner: testutil.NewAuthority(t, "partner"),
		clock:   newTestClock(),
		device:  uuid.New(),
	}
	h.catalog = catalog.New(testutil.NewVerifier(t, h.auth, h.partner))

	o := Options{
		DeviceID:          h.device,
		EngineID:          uuid.MustParse("00000000-0000-0000-0000-00000000e001"),
		EnforceActivation: true,
		Secret:            testutil.TestSecret,
		Catalog:           h.catalog,
		Clock:             h.clock.Now,
		ActivationRate:    rate.Inf,
	}
	for _, opt := range opts {
		opt(&o)
	}
	h.device = o.DeviceID
	h.store = o.Store

	l, err := New(o)
	require.NoError(t, err)
	h.ledger = l
	t.Cleanup(func() { _ = l.Close(context.Background()) })
	return h
}

// install signs each license with the vendor and loads it.
func (h *harness) install(licenses ...*catalog.License) {
	h.t.Helper()
	docs := make(catalog.StaticSource, 0, len(licenses))
	for _, l := range licenses {
		docs = append(docs, testutil.Document(h.t, h.auth, l))
	}
	_, err := h.ledger.LoadLicenses(context.Background(), docs)
	require.NoError(h.t, err)
}

func (h *harness) issue(req authority.KeyRequest) string {
	h.t.Helper()
	if req.DeviceID == uuid.Nil {
		req.DeviceID = h.device
	}
	key, err := h.auth.IssueActivationKey(req)
	require.NoError(h.t, err)
	return key
}

func (h *harness) apply(key string) {
	h.t.Helper()
	applied, err := h.ledger.ApplyActivationKey(context.Background(), key, nil)
	require.NoError(h.t, err)
	require.True(h.t, applied)
}

func (h *harness) check(plugin uuid.UUID, deviceType string, count int, consume bool) bool {
	return h.ledger.CheckLicense(context.Background(), plugin, deviceType, nil, count, consume)
}

func (h *harness) device0(plugin uuid.UUID, deviceType string) DeviceStatus {
	h.t.Helper()
	status, ok := h.ledger.Status(plugin)
	require.True(h.t, ok)
	for _, d := range status.Devices {
		if d.DeviceType == deviceType {
			return d
		}
	}
	h.t.Fatalf("no status for device type %q", deviceType)
	return DeviceStatus{}
}
