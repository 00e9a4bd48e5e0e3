package ledger

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventKind names a ledger event.
type EventKind string

const (
	EventActivated      EventKind = "activated"
	EventExpired        EventKind = "expired"
	EventExpiredRemoved EventKind = "expired_removed"
	EventExpiringSoon   EventKind = "expiring_soon"
)

// Event describes a change to an activated license.
type Event struct {
	Kind       EventKind `json:"kind"`
	LicenseID  string    `json:"license_id"`
	KeyHash    string    `json:"key_hash"`
	Plugins    []string  `json:"plugins,omitempty"`
	Expiration time.Time `json:"expiration"`
	// RequestKey is a fresh activation request key, set on ExpiringSoon.
	RequestKey string    `json:"request_key,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Time       time.Time `json:"time"`
}

func newEvent(kind EventKind, a *ActivatedLicense, now time.Time) Event {
	plugins := make([]string, 0, len(a.License.Plugins))
	for _, p := range a.License.Plugins {
		plugins = append(plugins, p.PluginID.String())
	}
	return Event{
		Kind:       kind,
		LicenseID:  a.License.ID,
		KeyHash:    a.KeyHash,
		Plugins:    plugins,
		Expiration: a.Expiration,
		Time:       now,
	}
}

// broadcaster fans events out to subscribers without blocking the publisher.
type broadcaster struct {
	mu     sync.RWMutex
	subs   map[string]chan Event
	logger *slog.Logger
	closed bool
}

func newBroadcaster(logger *slog.Logger) *broadcaster {
	return &broadcaster{subs: make(map[string]chan Event), logger: logger}
}

func (b *broadcaster) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	id := uuid.NewString()
	ch := make(chan Event, buffer)

	b.mu.Lock()
	if b.closed {
		close(ch)
		b.mu.Unlock()
		return ch, func() {}
	}
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

func (b *broadcaster) publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("event subscriber lagging, event dropped",
				slog.String("subscriber", id),
				slog.String("kind", string(ev.Kind)),
				slog.String("license_id", ev.LicenseID))
		}
	}
}

func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
