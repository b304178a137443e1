// ABOUTME: Tests for destination-based routing, including the silent route-miss policy.

package registry

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-endpoint/internal/conn"
	"github.com/2389/coven-endpoint/internal/wire"
)

type countingRouteObserver struct {
	routed, misses, errs int
}

func (o *countingRouteObserver) Routed()     { o.routed++ }
func (o *countingRouteObserver) RouteMiss()  { o.misses++ }
func (o *countingRouteObserver) RouteError() { o.errs++ }

func setupRouter(t *testing.T, agentIDs ...string) (*Router, map[string]*fakeConn, *countingRouteObserver) {
	t.Helper()
	reg := New(RejectDuplicate, nil)
	conns := make(map[string]*fakeConn)
	for _, id := range agentIDs {
		c := newFakeConn(id)
		require.NoError(t, reg.Register(c))
		conns[id] = c
	}
	obs := &countingRouteObserver{}
	return NewRouter(reg, "endpoint", obs, nil), conns, obs
}

func TestRouterRoute(t *testing.T) {
	t.Run("delivers exactly once to the destination only", func(t *testing.T) {
		router, conns, obs := setupRouter(t, "a1", "a2", "a3")

		env := &wire.Envelope{ID: 1, Source: wire.Address{ID: "f"}, Destination: wire.Address{ID: "a2"}, Payload: []byte(`1`)}
		require.NoError(t, router.Route(context.Background(), env))

		sent := conns["a2"].getSent()
		require.Len(t, sent, 1)
		assert.Same(t, env, sent[0])
		assert.Empty(t, conns["a1"].getSent())
		assert.Empty(t, conns["a3"].getSent())
		assert.Equal(t, 1, obs.routed)
	})

	t.Run("unknown destination is a silent drop", func(t *testing.T) {
		router, conns, obs := setupRouter(t, "a1")

		env := &wire.Envelope{ID: 2, Destination: wire.Address{ID: "gone"}}
		err := router.Route(context.Background(), env)

		assert.NoError(t, err, "route miss must not surface as an error")
		assert.Empty(t, conns["a1"].getSent())
		assert.Equal(t, uint64(1), router.Misses())
		assert.Equal(t, 1, obs.misses)
	})

	t.Run("missing destination id is malformed", func(t *testing.T) {
		router, _, _ := setupRouter(t, "a1")

		err := router.Route(context.Background(), &wire.Envelope{ID: 3})
		assert.ErrorIs(t, err, ErrNoDestination)

		err = router.Route(context.Background(), nil)
		assert.ErrorIs(t, err, ErrNoDestination)
		assert.Equal(t, uint64(0), router.Misses())
	})

	t.Run("transport error is returned", func(t *testing.T) {
		router, conns, obs := setupRouter(t, "a1")
		conns["a1"].sendErr = errors.New("broken pipe")

		err := router.Route(context.Background(), &wire.Envelope{Destination: wire.Address{ID: "a1"}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "broken pipe")
		assert.Equal(t, 1, obs.errs)
	})

	t.Run("connection closed before the write is a miss", func(t *testing.T) {
		router, conns, obs := setupRouter(t, "a1")
		conns["a1"].sendErr = fmt.Errorf("send: %w", conn.ErrClosed)

		err := router.Route(context.Background(), &wire.Envelope{Destination: wire.Address{ID: "a1"}})
		assert.NoError(t, err)
		assert.Equal(t, uint64(1), router.Misses())
		assert.Equal(t, 1, obs.misses)
		assert.Equal(t, 0, obs.errs)
	})

	t.Run("stamps source on a copy", func(t *testing.T) {
		router, conns, _ := setupRouter(t, "a1")

		shared := &wire.Envelope{Destination: wire.Address{ID: "a1"}, Payload: []byte(`{}`)}
		require.NoError(t, router.Write(context.Background(), shared))
		assert.Empty(t, shared.Source.ID, "caller's envelope must not be modified")
		require.NoError(t, router.Write(context.Background(), &wire.Envelope{
			Source:      wire.Address{ID: "feature-x"},
			Destination: wire.Address{ID: "a1"},
		}))

		sent := conns["a1"].getSent()
		require.Len(t, sent, 2)
		assert.NotSame(t, shared, sent[0])
		assert.Equal(t, "endpoint", sent[0].Source.ID)
		assert.Equal(t, "feature-x", sent[1].Source.ID)
	})

	t.Run("cancelled context is not routed", func(t *testing.T) {
		router, conns, _ := setupRouter(t, "a1")
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := router.Route(ctx, &wire.Envelope{Destination: wire.Address{ID: "a1"}})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Empty(t, conns["a1"].getSent())
	})

	t.Run("deregistered agent becomes a miss", func(t *testing.T) {
		router, conns, _ := setupRouter(t, "a1")
		router.registry.Deregister("a1")

		require.NoError(t, router.Route(context.Background(), &wire.Envelope{Destination: wire.Address{ID: "a1"}}))
		assert.Empty(t, conns["a1"].getSent())
		assert.Equal(t, uint64(1), router.Misses())
	})
}
