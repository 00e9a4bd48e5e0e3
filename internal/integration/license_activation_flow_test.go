package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"meshlicense/internal/authority"
	"meshlicense/internal/catalog"
	licenseErrors "meshlicense/internal/errors"
	"meshlicense/internal/ledger"
	apimw "meshlicense/internal/middleware"
	"meshlicense/internal/shared/testutil"
	"meshlicense/internal/store"
	handlers "meshlicense/internal/transport/http"
	"meshlicense/internal/websocket"
)

// LicenseActivationFlowTestSuite runs a node against a license directory and
// a SQLite ledger, driving it through the HTTP API and the event stream.
type LicenseActivationFlowTestSuite struct {
	suite.Suite
	tempDir string
	dbPath  string
	auth    *authority.Authority
	device  uuid.UUID
	plugin  uuid.UUID

	store  store.Store
	ledger *ledger.Ledger
	hub    *websocket.Hub
	server *httptest.Server
	cancel context.CancelFunc
}

func TestLicenseActivationFlow(t *testing.T) {
	suite.Run(t, new(LicenseActivationFlowTestSuite))
}

func (s *LicenseActivationFlowTestSuite) SetupSuite() {
	s.auth = testutil.NewAuthority(s.T(), "acme")
	s.device = uuid.MustParse("0d2e0f5c-3b7a-4c1d-8e9f-a0b1c2d3e4f5")
	s.plugin = testutil.PluginID("camera-driver")
}

func (s *LicenseActivationFlowTestSuite) SetupTest() {
	s.tempDir = s.T().TempDir()
	s.dbPath = filepath.Join(s.tempDir, "ledger.db")
	s.startNode()
}

func (s *LicenseActivationFlowTestSuite) TearDownTest() {
	s.stopNode()
}

func (s *LicenseActivationFlowTestSuite) licenseDir() string {
	return filepath.Join(s.tempDir, "licenses")
}

func (s *LicenseActivationFlowTestSuite) writeLicense(l *catalog.License) {
	require.NoError(s.T(), os.MkdirAll(s.licenseDir(), 0o755))
	doc := testutil.Document(s.T(), s.auth, l)
	require.NoError(s.T(), os.WriteFile(filepath.Join(s.licenseDir(), doc.Name), doc.Data, 0o600))
}

func (s *LicenseActivationFlowTestSuite) startNode() {
	t := s.T()
	logger, _ := testutil.NewTestLogger(t)

	st, err := store.Open("sqlite", s.dbPath)
	require.NoError(t, err)
	s.store = st

	cat := catalog.New(testutil.NewVerifier(t, s.auth), catalog.WithLogger(logger))
	s.ledger, err = ledger.New(ledger.Options{
		DeviceID: s.device,
		Secret:   testutil.TestSecret,
		Catalog:  cat,
		Store:    st,
		Logger:   logger,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	require.NoError(t, s.ledger.Restore(ctx))
	require.NoError(t, os.MkdirAll(s.licenseDir(), 0o755))
	_, err = s.ledger.LoadLicenses(ctx, catalog.NewDirSource(s.licenseDir()))
	require.NoError(t, err)

	s.hub = websocket.NewHub(s.ledger, websocket.Config{AllowedOrigins: []string{"*"}}, nil, logger)
	go s.hub.Run(ctx)

	errHandler := licenseErrors.NewErrorHandler(logger, false)
	router := handlers.NewRouter(handlers.RouterConfig{
		License:     handlers.NewLicenseHandler(s.ledger, errHandler, logger),
		Events:      s.hub,
		RateLimiter: apimw.NewRateLimiter(0, 0, logger),
		Errors:      errHandler,
		Logger:      logger,
	})
	s.server = httptest.NewServer(router)
}

func (s *LicenseActivationFlowTestSuite) stopNode() {
	if s.server != nil {
		s.server.Close()
	}
	s.cancel()
	<-s.hub.Done()
	assert.NoError(s.T(), s.ledger.Close(context.Background()))
	assert.NoError(s.T(), s.store.Close())
}

func (s *LicenseActivationFlowTestSuite) restartNode() {
	s.stopNode()
	s.startNode()
}

func (s *LicenseActivationFlowTestSuite) post(path string, body any) (*http.Response, map[string]any) {
	data, err := json.Marshal(body)
	require.NoError(s.T(), err)
	resp, err := http.Post(s.server.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(s.T(), err)
	return resp, s.decode(resp)
}

func (s *LicenseActivationFlowTestSuite) get(path string) (*http.Response, map[string]any) {
	resp, err := http.Get(s.server.URL + path)
	require.NoError(s.T(), err)
	return resp, s.decode(resp)
}

func (s *LicenseActivationFlowTestSuite) decode(resp *http.Response) map[string]any {
	defer resp.Body.Close()
	out := map[string]any{}
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(s.T(), json.NewDecoder(resp.Body).Decode(&out))
	}
	return out
}

func (s *LicenseActivationFlowTestSuite) requestKey() string {
	resp, body := s.get("/v1/request-key?sku=1")
	require.Equal(s.T(), http.StatusOK, resp.StatusCode)
	return body["request_key"].(string)
}

func (s *LicenseActivationFlowTestSuite) issueFor(l *catalog.License, things uint8) string {
	key, rk, err := s.auth.IssueForRequestKey(s.requestKey(), authority.KeyRequest{
		Licenses: []*catalog.License{l},
		Deltas:   map[string]uint8{catalog.ThingsParameter: things},
	})
	require.NoError(s.T(), err)
	require.Equal(s.T(), s.device, rk.DeviceID)
	return key
}

func (s *LicenseActivationFlowTestSuite) activate(key string) {
	resp, body := s.post("/v1/activations", map[string]string{"key": key})
	require.Equal(s.T(), http.StatusCreated, resp.StatusCode, body)
	assert.Equal(s.T(), true, body["applied"])
}

func (s *LicenseActivationFlowTestSuite) check(count int) bool {
	resp, body := s.post("/v1/check", map[string]any{
		"plugin_id": s.plugin.String(),
		"count":     count,
		"consume":   true,
	})
	require.Equal(s.T(), http.StatusOK, resp.StatusCode)
	return body["granted"].(bool)
}

func (s *LicenseActivationFlowTestSuite) TestActivationPublishesEvent() {
	lic := testutil.NewLicense("flow").WithThings(0).WithPlugin(s.plugin).Build()
	s.writeLicense(lic)
	s.restartNode()

	wsURL := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/v1/events?plugin_id=" + s.plugin.String()
	conn, _, err := gorilla.DefaultDialer.Dial(wsURL, nil)
	require.NoError(s.T(), err)
	defer conn.Close()

	var hello websocket.Message
	require.NoError(s.T(), conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(s.T(), conn.ReadJSON(&hello))
	assert.Equal(s.T(), websocket.TypeConnection, hello.Type)

	s.Run("unlicensed before activation", func() {
		assert.False(s.T(), s.check(1))
	})

	key := s.issueFor(lic, 4)
	s.activate(key)

	s.Run("activation event is streamed", func() {
		var msg websocket.Message
		require.NoError(s.T(), conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		require.NoError(s.T(), conn.ReadJSON(&msg))
		assert.Equal(s.T(), websocket.TypeLicense, msg.Type)
		require.NotNil(s.T(), msg.Event)
		assert.Equal(s.T(), ledger.EventActivated, msg.Event.Kind)
		assert.Equal(s.T(), lic.ID, msg.Event.LicenseID)
	})

	s.Run("capacity comes from the key", func() {
		assert.True(s.T(), s.check(4))
		assert.False(s.T(), s.check(1))
	})

	s.Run("reapplying is a no-op", func() {
		resp, body := s.post("/v1/activations", map[string]string{"key": key})
		assert.Equal(s.T(), http.StatusOK, resp.StatusCode)
		assert.Equal(s.T(), false, body["applied"])
	})
}

func (s *LicenseActivationFlowTestSuite) TestRejectedKeyIsProblemDocument() {
	lic := testutil.NewLicense("reject").WithThings(0).WithPlugin(s.plugin).Build()
	s.writeLicense(lic)
	s.restartNode()

	other, err := s.auth.IssueActivationKey(authority.KeyRequest{
		DeviceID: uuid.New(),
		Licenses: []*catalog.License{lic},
	})
	require.NoError(s.T(), err)

	resp, body := s.post("/v1/activations", map[string]string{"key": other})
	assert.Equal(s.T(), http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(s.T(), licenseErrors.TypeKeyNoMatch, body["type"])
	assert.NotEmpty(s.T(), body["trace_id"])
	assert.NotContains(s.T(), body["detail"], other, "keys are never echoed")
}

func (s *LicenseActivationFlowTestSuite) TestRestartRestoresLedger() {
	lic := testutil.NewLicense("restart").WithThings(0).WithPlugin(s.plugin).Build()
	s.writeLicense(lic)
	s.restartNode()

	s.activate(s.issueFor(lic, 5))
	require.True(s.T(), s.check(3))

	s.restartNode()

	resp, body := s.get("/v1/activations?plugin_id=" + s.plugin.String())
	require.Equal(s.T(), http.StatusOK, resp.StatusCode)
	assert.Len(s.T(), body["activations"], 1)

	assert.True(s.T(), s.check(2), "two of five left after restart")
	assert.False(s.T(), s.check(1))
}

func (s *LicenseActivationFlowTestSuite) TestNewDocumentVersionKeepsActivation() {
	v1 := testutil.NewLicense("upgrade").WithThings(1).WithPlugin(s.plugin).Build()
	s.writeLicense(v1)
	s.restartNode()
	s.activate(s.issueFor(v1, 1))

	v2 := testutil.NewLicense("upgrade").WithVersion("1.1.0").WithThings(6).WithPlugin(s.plugin).Build()
	s.writeLicense(v2)
	_, err := s.ledger.LoadLicenses(context.Background(), catalog.NewDirSource(s.licenseDir()))
	require.NoError(s.T(), err)

	active := s.ledger.GetActivatedLicenses(context.Background(), s.plugin)
	require.Len(s.T(), active, 1)
	assert.Equal(s.T(), "1.1.0", active[0].License.Version)
	assert.True(s.T(), s.check(7))
}
