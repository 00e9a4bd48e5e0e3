package websocket

import (
	"time"

	"github.com/gorilla/websocket"

	"meshlicense/internal/ledger"
)

// Connection is the part of a websocket connection the client pumps use.
// It allows the pumps to be driven by a fake in tests.
type Connection interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(string) error)
	RemoteAddr() string
}

// EventSource publishes ledger events. *ledger.Ledger implements it.
type EventSource interface {
	Subscribe(buffer int) (<-chan ledger.Event, func())
}

type connWrapper struct {
	*websocket.Conn
}

func (c connWrapper) RemoteAddr() string {
	if addr := c.Conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
