package websocket

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"meshlicense/internal/infrastructure"
	"meshlicense/internal/ledger"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	defaultPongWait = 60 * time.Second

	// Clients only send control frames and heartbeats
	maxMessageSize = 512
)

// originChecker accepts same-origin requests, requests without an Origin
// header and the listed origins.
func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if u, err := url.Parse(origin); err == nil && strings.EqualFold(u.Host, r.Host) {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

// Client is a middleman between the websocket connection and the hub
type Client struct {
	hub  *Hub
	conn Connection
	send chan []byte

	id           string
	traceID      string
	remoteAddr   string
	pluginFilter string
	connectedAt  time.Time

	logger *slog.Logger
}

func newClient(hub *Hub, conn Connection, pluginFilter, traceID string) *Client {
	id := uuid.New().String()
	if traceID == "" {
		traceID = infrastructure.GenerateTraceID()
	}
	return &Client{
		hub:          hub,
		conn:         conn,
		send:         make(chan []byte, hub.cfg.Buffer),
		id:           id,
		traceID:      traceID,
		remoteAddr:   conn.RemoteAddr(),
		pluginFilter: pluginFilter,
		connectedAt:  time.Now(),
		logger: infrastructure.WithComponent(hub.logger, "websocket.client").With(
			slog.String("client_id", id),
		),
	}
}

// wants reports whether ev passes the client's plug-in filter.
func (c *Client) wants(ev ledger.Event) bool {
	if c.pluginFilter == "" {
		return true
	}
	for _, p := range ev.Plugins {
		if p == c.pluginFilter {
			return true
		}
	}
	return false
}

func (c *Client) traceContext() context.Context {
	return infrastructure.WithTraceID(context.Background(), c.traceID)
}

// ReadPump drains the connection so control frames are processed, and
// detaches the client once the peer goes away.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.detach(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	pongWait := c.hub.cfg.PongWait
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { return c.conn.SetReadDeadline(time.Now().Add(pongWait)) })
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.WarnContext(c.traceContext(), "unexpected websocket close",
					slog.String("error", err.Error()))
			}
			return
		}
	}
}

// WritePump writes queued messages and keeps the connection alive with
// pings. It returns when the hub closes the send queue or a write fails.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.hub.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.ErrorContext(c.traceContext(), "error writing message",
					slog.String("error", err.Error()))
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.DebugContext(c.traceContext(), "failed to send ping",
					slog.String("error", err.Error()))
				return
			}
		}
	}
}

// ServeHTTP upgrades the request and streams ledger events to it. The
// optional plugin_id query parameter restricts the stream to one plug-in.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("plugin_id")
	if filter != "" {
		id, err := uuid.Parse(filter)
		if err != nil {
			http.Error(w, "invalid plugin_id", http.StatusBadRequest)
			return
		}
		filter = id.String()
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WarnContext(r.Context(), "websocket upgrade failed",
			slog.String("error", err.Error()))
		return
	}
	c := newClient(h, connWrapper{conn}, filter, middleware.GetReqID(r.Context()))
	if !h.attach(c) {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		return
	}
	go c.WritePump()
	go c.ReadPump()
}
