// ABOUTME: Tests for the connection registry including both duplicate policies.
// ABOUTME: Uses an in-memory fake connection that records sends and closes.

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-endpoint/internal/wire"
)

// fakeConn implements Conn for testing.
type fakeConn struct {
	id      string
	sendErr error

	mu     sync.Mutex
	sent   []*wire.Envelope
	closed bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (f *fakeConn) AgentID() string { return f.id }

func (f *fakeConn) Send(_ context.Context, env *wire.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) getSent() []*wire.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := make([]*wire.Envelope, len(f.sent))
	copy(result, f.sent)
	return result
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func TestRegistryRegister(t *testing.T) {
	t.Run("registers and looks up connection", func(t *testing.T) {
		reg := New(RejectDuplicate, slog.Default())
		c := newFakeConn("a1")

		require.NoError(t, reg.Register(c))

		got, ok := reg.Lookup("a1")
		require.True(t, ok)
		assert.Same(t, c, got)
		assert.Equal(t, 1, reg.Len())
	})

	t.Run("reject policy refuses second connection for same agent", func(t *testing.T) {
		reg := New(RejectDuplicate, slog.Default())
		first := newFakeConn("a1")
		second := newFakeConn("a1")

		require.NoError(t, reg.Register(first))
		err := reg.Register(second)

		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrDuplicateAgent))

		got, _ := reg.Lookup("a1")
		assert.Same(t, first, got, "existing connection must stay registered")
		assert.False(t, first.isClosed())
	})

	t.Run("replace policy swaps in new connection and closes old", func(t *testing.T) {
		reg := New(ReplaceDuplicate, slog.Default())
		first := newFakeConn("a1")
		second := newFakeConn("a1")

		require.NoError(t, reg.Register(first))
		require.NoError(t, reg.Register(second))

		got, _ := reg.Lookup("a1")
		assert.Same(t, second, got)
		assert.True(t, first.isClosed(), "replaced connection should be closed")
		assert.False(t, second.isClosed())
		assert.Equal(t, 1, reg.Len())
	})
}

func TestRegistryDeregister(t *testing.T) {
	t.Run("removes registered agent", func(t *testing.T) {
		reg := New(RejectDuplicate, nil)
		require.NoError(t, reg.Register(newFakeConn("a1")))

		reg.Deregister("a1")

		_, ok := reg.Lookup("a1")
		assert.False(t, ok)
	})

	t.Run("unknown agent is a no-op", func(t *testing.T) {
		reg := New(RejectDuplicate, nil)
		require.NoError(t, reg.Register(newFakeConn("a1")))

		reg.Deregister("nobody")
		reg.Deregister("nobody")

		assert.Equal(t, 1, reg.Len())
	})

	t.Run("deregister is idempotent", func(t *testing.T) {
		reg := New(RejectDuplicate, nil)
		require.NoError(t, reg.Register(newFakeConn("a1")))

		reg.Deregister("a1")
		reg.Deregister("a1")

		assert.Equal(t, 0, reg.Len())
	})

	t.Run("agent id can register again after deregister", func(t *testing.T) {
		reg := New(RejectDuplicate, nil)
		require.NoError(t, reg.Register(newFakeConn("a1")))
		reg.Deregister("a1")

		next := newFakeConn("a1")
		require.NoError(t, reg.Register(next))
		got, _ := reg.Lookup("a1")
		assert.Same(t, next, got)
	})
}

func TestRegistryDeregisterConn(t *testing.T) {
	t.Run("removes the registered connection", func(t *testing.T) {
		reg := New(RejectDuplicate, nil)
		c := newFakeConn("a1")
		require.NoError(t, reg.Register(c))

		assert.True(t, reg.DeregisterConn(c))
		assert.False(t, reg.DeregisterConn(c))
		assert.Equal(t, 0, reg.Len())
	})

	t.Run("stale connection does not evict its replacement", func(t *testing.T) {
		reg := New(ReplaceDuplicate, nil)
		old := newFakeConn("a1")
		replacement := newFakeConn("a1")
		require.NoError(t, reg.Register(old))
		require.NoError(t, reg.Register(replacement))

		assert.False(t, reg.DeregisterConn(old))

		got, ok := reg.Lookup("a1")
		require.True(t, ok)
		assert.Same(t, replacement, got)
	})
}

func TestRegistryNeverReturnsDeregisteredAgent(t *testing.T) {
	reg := New(RejectDuplicate, nil)

	const n = 50
	for i := range n {
		require.NoError(t, reg.Register(newFakeConn(fmt.Sprintf("agent-%d", i))))
	}
	for i := 0; i < n; i += 2 {
		reg.Deregister(fmt.Sprintf("agent-%d", i))
	}

	for i := range n {
		_, ok := reg.Lookup(fmt.Sprintf("agent-%d", i))
		if i%2 == 0 {
			assert.False(t, ok, "agent-%d was deregistered", i)
		} else {
			assert.True(t, ok, "agent-%d should still be registered", i)
		}
	}
	assert.Equal(t, n/2, reg.Len())
}

func TestRegistryConcurrentRegisterDeregister(t *testing.T) {
	reg := New(RejectDuplicate, nil)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Go(func() {
			id := fmt.Sprintf("agent-%d", i)
			c := newFakeConn(id)
			for range 50 {
				_ = reg.Register(c)
				_, _ = reg.Lookup(id)
				reg.DeregisterConn(c)
			}
		})
	}
	wg.Wait()

	assert.Equal(t, 0, reg.Len())
}

func TestRegistryListAndCloseAll(t *testing.T) {
	reg := New(RejectDuplicate, nil)
	a := newFakeConn("b-agent")
	b := newFakeConn("a-agent")
	require.NoError(t, reg.Register(a))
	require.NoError(t, reg.Register(b))

	list := reg.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a-agent", list[0].AgentID())
	assert.Equal(t, "b-agent", list[1].AgentID())

	assert.Equal(t, 2, reg.CloseAll())
	assert.True(t, a.isClosed())
	assert.True(t, b.isClosed())
	assert.Equal(t, 0, reg.Len())
}

func TestParseDuplicatePolicy(t *testing.T) {
	p, err := ParseDuplicatePolicy("")
	require.NoError(t, err)
	assert.Equal(t, RejectDuplicate, p)

	p, err = ParseDuplicatePolicy("replace")
	require.NoError(t, err)
	assert.Equal(t, ReplaceDuplicate, p)
	assert.Equal(t, "replace", p.String())

	_, err = ParseDuplicatePolicy("evict")
	assert.Error(t, err)
}
