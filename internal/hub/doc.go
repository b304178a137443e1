// Package hub orchestrates one coven endpoint.
//
// # Overview
//
// The hub owns the TLS listener, the agent registry, the router, the fan-in
// merger, and the lifecycle of every feature. Features never touch the network:
// they read the merged inbound stream through Readable and write addressed
// envelopes through Writable.
//
// # Hub Struct
//
//	type Hub struct {
//	    manifest feature.Manifest
//	    slots    []*feature.Slot
//	    registry *registry.Registry
//	    router   *registry.Router
//	    merger   *fanin.Merger
//	    metrics  *metrics.Metrics
//	    ledger   store.Ledger
//	    // ... listener, lifecycle state
//	}
//
// # Connection Lifecycle
//
// Each accepted transport runs in its own goroutine:
//
//  1. TLS handshake and hello/welcome exchange (conn.Accept)
//  2. Registration under the agent id (duplicate policy applies)
//  3. The connection's inbound channel is merged into the fan-in
//  4. On disconnect the agent is deregistered and the event recorded
//
// A failure in any step affects only that transport.
//
// # Lifecycle
//
//	h, err := hub.New(features, hub.Options{TLSConfig: tlsCfg})
//	err = h.Run(ctx) // Start, wait for ctx, Shutdown
//
// Start binds and runs every feature's Init concurrently and waits for all of
// them. The first failure wins; initialized features are shut down and the
// listener is closed.
//
// Shutdown refuses new transports, runs every feature's Shutdown concurrently,
// and only then closes the listener. Live connections, the fan-in, and the
// ledger are closed last.
//
// # HTTP API
//
// Handler exposes the operational surface:
//
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check
//   - GET /api/agents - List connected agents
//   - GET /api/manifest - Feature manifest sent in the welcome
//   - GET /api/features - Feature lifecycle states
//   - GET /api/features/{name} - One feature, with its report if it implements feature.Reporter
//   - GET /api/connections - Connection ledger history
//   - POST /api/send - Route one envelope to an agent
//   - GET /metrics - Prometheus metrics
//
// # Key Files
//
//   - hub.go: Hub struct, Start/Run/Shutdown, feature.Hub implementation
//   - accept.go: Accept loop and per-connection lifecycle
//   - listen.go: TCP and Tailscale listeners
//   - http.go: HTTP handlers
package hub
