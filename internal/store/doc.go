// Package store provides the endpoint's connection ledger using SQLite.
//
// # Architecture
//
// Ledger is the interface the hub writes to. SQLiteStore implements it with
// modernc.org/sqlite (no cgo); MockStore implements it in memory for tests.
//
// # Data Model
//
// Every row of connection_events is a ConnectionEvent:
//
//   - connected: handshake succeeded and the agent was registered
//   - disconnected: a registered connection's transport ended
//   - rejected: handshake failure or duplicate agent id
//
// Events carry the agent id (when known), the per-connection instance id,
// the remote address, and a free-form reason.
//
// # Usage
//
//	ledger, err := store.NewSQLiteStore("/var/lib/coven/endpoint.db")
//	if err != nil {
//	    return err
//	}
//	defer ledger.Close()
//
//	agent := "a1"
//	events, err := ledger.ListConnectionEvents(ctx, store.ConnectionFilter{AgentID: &agent})
package store
