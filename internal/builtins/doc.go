// Package builtins provides features that ship with the endpoint.
//
// # Features
//
// Ping (name "ping", capability "ping"):
//
//   - Reads every inbound envelope through its own fan-in consumer
//   - Answers each envelope of type "ping" with a "pong" routed to the sender
//   - The pong payload carries reply_to (the ping's id), the echoed ping
//     payload, and a timestamp
//   - A ping repeated with the same source and id within ten seconds is dropped
//
// Tap (name "tap", capability "observe"):
//
//   - Reads every inbound envelope and counts messages and payload bytes per agent
//   - Never writes; Snapshot returns the counters sorted by agent id
//
// Both implement feature.Reporter, so GET /api/features/{name} on the ops
// surface includes the answered count or the per-agent counters.
//
// Both features start their consumer loop during Init on a context detached
// from the Init context, and stop it in Shutdown.
//
// # Adding a Feature
//
// Implement feature.Feature and pass it to hub.New:
//
//	features := []feature.Feature{builtins.NewPing(), builtins.NewTap()}
//	h, err := hub.New(features, opts)
package builtins
