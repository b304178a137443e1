// ABOUTME: Ledger interface and data types for the endpoint's connection history
// ABOUTME: Defines ConnectionEvent, filters, and the Ledger interface the hub writes to

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// EventKind categorizes a connection lifecycle event
type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventRejected     EventKind = "rejected" // handshake failure or duplicate agent
)

// ConnectionEvent is one row of the connection ledger
type ConnectionEvent struct {
	ID         string // UUID v4, generated on append if empty
	Kind       EventKind
	AgentID    string // empty when the handshake never produced one
	InstanceID string
	RemoteAddr string
	Reason     string // why a connection was rejected or ended
	Timestamp  time.Time
}

// ConnectionFilter narrows ListConnectionEvents
type ConnectionFilter struct {
	AgentID *string
	Kind    *EventKind
	Since   *time.Time
	Limit   int // default 100, max 1000
}

// AgentSummary aggregates the ledger for one agent
type AgentSummary struct {
	AgentID     string
	Connects    int
	Rejections  int
	LastEventAt time.Time
	LastKind    EventKind
}

// Ledger records connection lifecycle events.
// Implementations must be safe for concurrent use.
type Ledger interface {
	AppendConnectionEvent(ctx context.Context, e *ConnectionEvent) error
	ListConnectionEvents(ctx context.Context, f ConnectionFilter) ([]ConnectionEvent, error)
	AgentSummary(ctx context.Context, agentID string) (*AgentSummary, error)
	Close() error
}
