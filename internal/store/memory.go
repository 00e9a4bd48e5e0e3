package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps ledger state in process memory. State is lost on exit;
// it backs tests and nodes configured without a database.
type MemoryStore struct {
	mu          sync.RWMutex
	activations map[string]ActivationRecord
	statuses    map[string]StatusRecord
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		activations: make(map[string]ActivationRecord),
		statuses:    make(map[string]StatusRecord),
	}
}

func (m *MemoryStore) LoadActivations(context.Context) ([]ActivationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ActivationRecord, 0, len(m.activations))
	for _, r := range m.activations {
		out = append(out, cloneActivation(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) UpsertActivations(_ context.Context, records ...ActivationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, r := range records {
		if existing, ok := m.activations[r.ID]; ok {
			r.CreatedAt = existing.CreatedAt
		} else if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		r.UpdatedAt = now
		m.activations[r.ID] = cloneActivation(r)
	}
	return nil
}

func (m *MemoryStore) DeleteActivation(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.activations[id]; !ok {
		return ErrNotFound
	}
	delete(m.activations, id)
	return nil
}

func (m *MemoryStore) CountActivations(context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.activations)), nil
}

func (m *MemoryStore) LoadStatuses(context.Context) ([]StatusRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]StatusRecord, 0, len(m.statuses))
	for _, r := range m.statuses {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) UpsertStatuses(_ context.Context, records ...StatusRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, r := range records {
		r.UpdatedAt = now
		m.statuses[r.ID] = r
	}
	return nil
}

func (m *MemoryStore) CountStatuses(context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.statuses)), nil
}

func (m *MemoryStore) Close() error { return nil }

func cloneActivation(r ActivationRecord) ActivationRecord {
	if r.Parameters != nil {
		params := make(map[string]int, len(r.Parameters))
		for k, v := range r.Parameters {
			params[k] = v
		}
		r.Parameters = params
	}
	return r
}
