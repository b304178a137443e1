// ABOUTME: Router delivers each outbound envelope to the one connection named by destination.id.
// ABOUTME: Unknown destinations are dropped without an error but are logged and counted.

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/2389/coven-endpoint/internal/conn"
	"github.com/2389/coven-endpoint/internal/wire"
)

// ErrNoDestination means the envelope carries no destination id at all.
var ErrNoDestination = errors.New("envelope has no destination id")

// RouteObserver receives routing outcomes. *metrics.Metrics implements it.
type RouteObserver interface {
	Routed()
	RouteMiss()
	RouteError()
}

type nopRouteObserver struct{}

func (nopRouteObserver) Routed()     {}
func (nopRouteObserver) RouteMiss()  {}
func (nopRouteObserver) RouteError() {}

// Router resolves destination ids against a Registry.
type Router struct {
	registry *Registry
	source   string
	observer RouteObserver
	logger   *slog.Logger

	misses atomic.Uint64
}

// NewRouter creates a Router. source stamps envelopes that have no source id.
func NewRouter(reg *Registry, source string, observer RouteObserver, logger *slog.Logger) *Router {
	if observer == nil {
		observer = nopRouteObserver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry: reg,
		source:   source,
		observer: observer,
		logger:   logger.With("component", "router"),
	}
}

// Route forwards env to the connection registered for env.Destination.ID.
// It returns once the transport accepted the write or ctx ended. A destination
// that is not connected, or whose connection closed before the write, is a
// route miss: the envelope is dropped and nil is returned. env is not modified.
func (r *Router) Route(ctx context.Context, env *wire.Envelope) error {
	if env == nil || env.Destination.ID == "" {
		return ErrNoDestination
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if env.Source.ID == "" {
		env = env.Clone()
		env.Source.ID = r.source
	}

	c, ok := r.registry.Lookup(env.Destination.ID)
	if !ok {
		r.miss(env)
		return nil
	}

	if err := c.Send(ctx, env); err != nil {
		if errors.Is(err, conn.ErrClosed) {
			r.miss(env)
			return nil
		}
		r.observer.RouteError()
		return fmt.Errorf("sending to agent %s: %w", env.Destination.ID, err)
	}

	r.observer.Routed()
	r.logger.Debug("envelope routed",
		"agent_id", env.Destination.ID,
		"msg_id", env.ID,
		"type", env.Type,
	)
	return nil
}

func (r *Router) miss(env *wire.Envelope) {
	r.misses.Add(1)
	r.observer.RouteMiss()
	r.logger.Debug("route miss, dropping envelope",
		"agent_id", env.Destination.ID,
		"msg_id", env.ID,
		"type", env.Type,
	)
}

// Write is the feature-facing sink method; it is Route under another name.
func (r *Router) Write(ctx context.Context, env *wire.Envelope) error {
	return r.Route(ctx, env)
}

// Misses returns how many envelopes were dropped for unknown destinations.
func (r *Router) Misses() uint64 {
	return r.misses.Load()
}
