package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"meshlicense/internal/infrastructure"
	"meshlicense/internal/ledger"
)

// Message types sent to clients
const (
	TypeConnection = "connection"
	TypeLicense    = "license"
)

// Message is the envelope written to clients
type Message struct {
	Type      string        `json:"type"`
	Event     *ledger.Event `json:"event,omitempty"`
	ClientID  string        `json:"client_id,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Config tunes the event stream. Zero values take the defaults.
type Config struct {
	// Buffer sizes both the ledger subscription and each client's queue.
	Buffer          int
	ReadBufferSize  int
	WriteBufferSize int
	PingPeriod      time.Duration
	PongWait        time.Duration
	// AllowedOrigins lists the origins allowed to connect in addition to
	// same-origin requests. "*" allows any origin.
	AllowedOrigins []string
}

func (c Config) withDefaults() Config {
	if c.Buffer <= 0 {
		c.Buffer = 64
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = 1024
	}
	if c.WriteBufferSize <= 0 {
		c.WriteBufferSize = 1024
	}
	if c.PongWait <= 0 {
		c.PongWait = defaultPongWait
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = (c.PongWait * 9) / 10
	}
	return c
}

// Hub subscribes to ledger events and fans them out to connected clients
type Hub struct {
	source   EventSource
	cfg      Config
	upgrader websocket.Upgrader
	logger   *slog.Logger
	metrics  *OTelMetrics

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex

	done chan struct{}
}

// NewHub creates a hub reading from source
func NewHub(source EventSource, cfg Config, metrics *OTelMetrics, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	if metrics == nil {
		metrics, _ = NewOTelMetrics(nil)
	}
	cfg = cfg.withDefaults()
	return &Hub{
		source: source,
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
		logger:     infrastructure.WithComponent(logger, "websocket.hub"),
		metrics:    metrics,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run delivers events until ctx is done or the ledger ends the
// subscription. All clients are disconnected on return.
func (h *Hub) Run(ctx context.Context) {
	events, cancel := h.source.Subscribe(h.cfg.Buffer)
	defer cancel()
	defer close(h.done)
	defer h.disconnectAll(ctx)

	for {
		select {
		case <-ctx.Done():
			h.logger.InfoContext(ctx, "hub shutting down")
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.metrics.recordConnect(ctx)
			h.logger.InfoContext(ctx, "client registered",
				slog.String("client_id", c.id),
				slog.String("remote_addr", c.remoteAddr),
				slog.String("plugin_filter", c.pluginFilter),
				slog.Int("total_clients", count))
			h.enqueue(ctx, c, Message{Type: TypeConnection, ClientID: c.id, Timestamp: time.Now()}, "connection")

		case c := <-h.unregister:
			h.remove(ctx, c, "closed")

		case ev, ok := <-events:
			if !ok {
				h.logger.InfoContext(ctx, "ledger closed event stream")
				return
			}
			h.broadcast(ctx, ev)
		}
	}
}

func (h *Hub) broadcast(ctx context.Context, ev ledger.Event) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		if c.wants(ev) {
			clients = append(clients, c)
		}
	}
	h.mu.RUnlock()

	msg := Message{Type: TypeLicense, Event: &ev, Timestamp: ev.Time}
	for _, c := range clients {
		h.enqueue(ctx, c, msg, string(ev.Kind))
	}
	h.logger.DebugContext(ctx, "ledger event broadcast",
		slog.String("kind", string(ev.Kind)),
		slog.String("license_id", ev.LicenseID),
		slog.Int("clients", len(clients)))
}

// enqueue hands msg to c, disconnecting c when its queue is full.
func (h *Hub) enqueue(ctx context.Context, c *Client, msg Message, kind string) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to marshal message", slog.String("error", err.Error()))
		return
	}
	select {
	case c.send <- data:
		h.metrics.recordSent(ctx, kind)
	default:
		h.logger.WarnContext(ctx, "client send buffer full, disconnecting",
			slog.String("client_id", c.id))
		h.metrics.recordDropped(ctx)
		h.remove(ctx, c, "slow")
	}
}

func (h *Hub) remove(ctx context.Context, c *Client, reason string) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)
	count := len(h.clients)
	h.mu.Unlock()

	h.metrics.recordDisconnect(ctx, time.Since(c.connectedAt), reason)
	h.logger.InfoContext(ctx, "client unregistered",
		slog.String("client_id", c.id),
		slog.String("reason", reason),
		slog.Duration("connection_duration", time.Since(c.connectedAt)),
		slog.Int("total_clients", count))
}

func (h *Hub) disconnectAll(ctx context.Context) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		h.remove(ctx, c, "shutdown")
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Done is closed once Run has returned
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

func (h *Hub) attach(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) detach(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
