package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

// ledgers runs each test against both implementations.
func ledgers(t *testing.T) map[string]Ledger {
	return map[string]Ledger{
		"sqlite": setupTestStore(t),
		"mock":   NewMockStore(),
	}
}

func TestLedger_Append(t *testing.T) {
	for name, ledger := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			e := &ConnectionEvent{
				Kind:       EventConnected,
				AgentID:    "a1",
				InstanceID: "inst-1",
				RemoteAddr: "10.0.0.1:5555",
			}
			require.NoError(t, ledger.AppendConnectionEvent(context.Background(), e))

			// Should have generated ID and timestamp
			assert.NotEmpty(t, e.ID)
			assert.False(t, e.Timestamp.IsZero())

			events, err := ledger.ListConnectionEvents(context.Background(), ConnectionFilter{})
			require.NoError(t, err)
			require.Len(t, events, 1)
			assert.Equal(t, e.ID, events[0].ID)
			assert.Equal(t, EventConnected, events[0].Kind)
			assert.Equal(t, "inst-1", events[0].InstanceID)
			assert.Equal(t, "10.0.0.1:5555", events[0].RemoteAddr)
		})
	}
}

func TestLedger_ListNewestFirst(t *testing.T) {
	base := time.Now().UTC().Truncate(time.Second)

	for name, ledger := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			kinds := []EventKind{EventConnected, EventDisconnected, EventRejected}
			for i, kind := range kinds {
				require.NoError(t, ledger.AppendConnectionEvent(ctx, &ConnectionEvent{
					Kind:      kind,
					AgentID:   "a1",
					Timestamp: base.Add(time.Duration(i) * time.Second),
				}))
			}

			events, err := ledger.ListConnectionEvents(ctx, ConnectionFilter{})
			require.NoError(t, err)
			require.Len(t, events, 3)
			assert.Equal(t, EventRejected, events[0].Kind)
			assert.Equal(t, EventConnected, events[2].Kind)
		})
	}
}

func TestLedger_ListFilters(t *testing.T) {
	base := time.Now().UTC().Truncate(time.Second)

	for name, ledger := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seed := []ConnectionEvent{
				{Kind: EventConnected, AgentID: "a1", Timestamp: base},
				{Kind: EventConnected, AgentID: "a2", Timestamp: base.Add(time.Second)},
				{Kind: EventRejected, AgentID: "a1", Reason: "duplicate agent", Timestamp: base.Add(2 * time.Second)},
				{Kind: EventDisconnected, AgentID: "a1", Timestamp: base.Add(3 * time.Second)},
			}
			for i := range seed {
				require.NoError(t, ledger.AppendConnectionEvent(ctx, &seed[i]))
			}

			agent := "a1"
			events, err := ledger.ListConnectionEvents(ctx, ConnectionFilter{AgentID: &agent})
			require.NoError(t, err)
			assert.Len(t, events, 3)

			kind := EventRejected
			events, err = ledger.ListConnectionEvents(ctx, ConnectionFilter{Kind: &kind})
			require.NoError(t, err)
			require.Len(t, events, 1)
			assert.Equal(t, "duplicate agent", events[0].Reason)

			since := base.Add(2 * time.Second)
			events, err = ledger.ListConnectionEvents(ctx, ConnectionFilter{Since: &since})
			require.NoError(t, err)
			assert.Len(t, events, 2)

			events, err = ledger.ListConnectionEvents(ctx, ConnectionFilter{Limit: 1})
			require.NoError(t, err)
			require.Len(t, events, 1)
			assert.Equal(t, EventDisconnected, events[0].Kind)
		})
	}
}

func TestLedger_AgentSummary(t *testing.T) {
	base := time.Now().UTC().Truncate(time.Second)

	for name, ledger := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seed := []ConnectionEvent{
				{Kind: EventConnected, AgentID: "a1", Timestamp: base},
				{Kind: EventDisconnected, AgentID: "a1", Timestamp: base.Add(time.Second)},
				{Kind: EventConnected, AgentID: "a1", Timestamp: base.Add(2 * time.Second)},
				{Kind: EventRejected, AgentID: "a1", Timestamp: base.Add(3 * time.Second)},
			}
			for i := range seed {
				require.NoError(t, ledger.AppendConnectionEvent(ctx, &seed[i]))
			}

			sum, err := ledger.AgentSummary(ctx, "a1")
			require.NoError(t, err)
			assert.Equal(t, 2, sum.Connects)
			assert.Equal(t, 1, sum.Rejections)
			assert.Equal(t, EventRejected, sum.LastKind)
			assert.True(t, sum.LastEventAt.Equal(base.Add(3*time.Second)))

			_, err = ledger.AgentSummary(ctx, "ghost")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestLedger_ConcurrentAppends(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	errs := make(chan error, 20)
	for i := range 20 {
		go func() {
			errs <- store.AppendConnectionEvent(ctx, &ConnectionEvent{
				Kind:    EventConnected,
				AgentID: string(rune('a' + i)),
			})
		}()
	}
	for range 20 {
		require.NoError(t, <-errs)
	}

	events, err := store.ListConnectionEvents(ctx, ConnectionFilter{})
	require.NoError(t, err)
	assert.Len(t, events, 20)
}
