// ABOUTME: Mock Ledger implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Ledger implementation for testing.
type MockStore struct {
	mu     sync.RWMutex
	events []ConnectionEvent
	closed bool
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{}
}

// AppendConnectionEvent stores a copy of e.
func (m *MockStore) AppendConnectionEvent(_ context.Context, e *ConnectionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	m.events = append(m.events, *e)
	return nil
}

// ListConnectionEvents returns matching events, newest first.
func (m *MockStore) ListConnectionEvents(_ context.Context, f ConnectionFilter) ([]ConnectionEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []ConnectionEvent{}
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		if f.AgentID != nil && e.AgentID != *f.AgentID {
			continue
		}
		if f.Kind != nil && e.Kind != *f.Kind {
			continue
		}
		if f.Since != nil && e.Timestamp.Before(*f.Since) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })

	if limit := normalizeLimit(f.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AgentSummary aggregates the stored events for agentID.
func (m *MockStore) AgentSummary(_ context.Context, agentID string) (*AgentSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sum *AgentSummary
	for _, e := range m.events {
		if e.AgentID != agentID {
			continue
		}
		if sum == nil {
			sum = &AgentSummary{AgentID: agentID}
		}
		switch e.Kind {
		case EventConnected:
			sum.Connects++
		case EventRejected:
			sum.Rejections++
		}
		if !e.Timestamp.Before(sum.LastEventAt) {
			sum.LastEventAt = e.Timestamp
			sum.LastKind = e.Kind
		}
	}
	if sum == nil {
		return nil, ErrNotFound
	}
	return sum, nil
}

// Close marks the store closed.
func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *MockStore) Closed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// Events returns every stored event in append order.
func (m *MockStore) Events() []ConnectionEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ConnectionEvent(nil), m.events...)
}

var _ Ledger = (*MockStore)(nil)
