package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshlicense/internal/infrastructure"
	"meshlicense/internal/ledger"
	"meshlicense/internal/shared/testutil"
)

type fakeSource struct {
	events chan ledger.Event
}

func newFakeSource() *fakeSource {
	return &fakeSource{events: make(chan ledger.Event, 16)}
}

func (s *fakeSource) Subscribe(int) (<-chan ledger.Event, func()) {
	return s.events, func() {}
}

type fakeConn struct{}

func (fakeConn) WriteMessage(int, []byte) error    { return nil }
func (fakeConn) ReadMessage() (int, []byte, error) { select {} }
func (fakeConn) Close() error                      { return nil }
func (fakeConn) SetReadDeadline(time.Time) error   { return nil }
func (fakeConn) SetWriteDeadline(time.Time) error  { return nil }
func (fakeConn) SetReadLimit(int64)                {}
func (fakeConn) SetPongHandler(func(string) error) {}
func (fakeConn) RemoteAddr() string                { return "198.51.100.7:4000" }

const (
	pluginA = "6f1d3a52-2a4b-4c55-9d0e-0a0a0a0a0a01"
	pluginB = "6f1d3a52-2a4b-4c55-9d0e-0a0a0a0a0a02"
)

func testLogger(t *testing.T) *slog.Logger {
	logger, _ := testutil.NewTestLogger(t)
	return logger
}

func startHub(t *testing.T, buffer int) (*Hub, *fakeSource, *httptest.Server) {
	t.Helper()
	src := newFakeSource()
	hub := NewHub(src, Config{Buffer: buffer}, nil, testLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-hub.Done()
	})
	return hub, src, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestHubDeliversEvents(t *testing.T) {
	hub, src, srv := startHub(t, 8)
	conn := dial(t, srv, "")

	hello := readMessage(t, conn)
	assert.Equal(t, TypeConnection, hello.Type)
	assert.NotEmpty(t, hello.ClientID)
	assert.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	src.events <- ledger.Event{
		Kind:      ledger.EventActivated,
		LicenseID: "lic-1",
		KeyHash:   "abc",
		Plugins:   []string{pluginA},
		Time:      time.Now(),
	}
	msg := readMessage(t, conn)
	assert.Equal(t, TypeLicense, msg.Type)
	require.NotNil(t, msg.Event)
	assert.Equal(t, ledger.EventActivated, msg.Event.Kind)
	assert.Equal(t, "lic-1", msg.Event.LicenseID)
}

func TestHubFiltersByPlugin(t *testing.T) {
	_, src, srv := startHub(t, 8)
	conn := dial(t, srv, "?plugin_id="+pluginB)
	readMessage(t, conn)

	src.events <- ledger.Event{Kind: ledger.EventExpired, LicenseID: "other", Plugins: []string{pluginA}}
	src.events <- ledger.Event{Kind: ledger.EventExpiringSoon, LicenseID: "mine", Plugins: []string{pluginA, pluginB}, RequestKey: "REQ"}

	msg := readMessage(t, conn)
	require.NotNil(t, msg.Event)
	assert.Equal(t, "mine", msg.Event.LicenseID)
	assert.Equal(t, "REQ", msg.Event.RequestKey)
}

func TestHubRejectsInvalidFilter(t *testing.T) {
	_, _, srv := startHub(t, 8)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?plugin_id=nope"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 400, resp.StatusCode)
}

func TestHubDropsSlowClient(t *testing.T) {
	hub, src, _ := startHub(t, 1)
	c := newClient(hub, fakeConn{}, "", "")
	require.True(t, hub.attach(c))

	// the connection message fills the queue
	src.events <- ledger.Event{Kind: ledger.EventActivated, Plugins: []string{pluginA}}

	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 10*time.Millisecond)
	<-c.send
	_, open := <-c.send
	assert.False(t, open)
}

func TestHubStopsWhenSourceCloses(t *testing.T) {
	src := newFakeSource()
	hub := NewHub(src, Config{Buffer: 4}, nil, testLogger(t))
	go hub.Run(context.Background())
	c := newClient(hub, fakeConn{}, "", "")
	require.True(t, hub.attach(c))

	close(src.events)
	select {
	case <-hub.Done():
	case <-time.After(time.Second):
		t.Fatal("hub did not stop")
	}
	assert.Equal(t, 0, hub.ClientCount())
	assert.False(t, hub.attach(newClient(hub, fakeConn{}, "", "")))
}

func TestClientTraceContext(t *testing.T) {
	hub := NewHub(newFakeSource(), Config{Buffer: 1}, nil, testLogger(t))

	c := newClient(hub, fakeConn{}, "", "")
	assert.Len(t, c.traceID, 36, "clients without a request id get their own trace id")
	assert.Equal(t, c.traceID, infrastructure.GetTraceID(c.traceContext()))

	c = newClient(hub, fakeConn{}, "", "req-7")
	assert.Equal(t, "req-7", infrastructure.GetTraceID(c.traceContext()))
}

func TestClientWants(t *testing.T) {
	tests := []struct {
		name   string
		filter string
		ev     ledger.Event
		want   bool
	}{
		{"no filter", "", ledger.Event{Plugins: []string{pluginA}}, true},
		{"matching plugin", pluginA, ledger.Event{Plugins: []string{pluginB, pluginA}}, true},
		{"other plugin", pluginA, ledger.Event{Plugins: []string{pluginB}}, false},
		{"no plugins", pluginA, ledger.Event{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Client{pluginFilter: tt.filter}
			assert.Equal(t, tt.want, c.wants(tt.ev))
		})
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://console.example.com"})
	tests := []struct {
		name   string
		origin string
		want   bool
	}{
		{"no origin", "", true},
		{"same origin", "http://node.local:8080", true},
		{"listed origin", "https://console.example.com", true},
		{"foreign origin", "https://evil.example.com", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "http://node.local:8080/v1/events", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, check(req))
		})
	}
	assert.True(t, originChecker([]string{"*"})(func() *http.Request {
		req := httptest.NewRequest("GET", "http://node.local/", nil)
		req.Header.Set("Origin", "https://anywhere.example")
		return req
	}()))
}
