// ABOUTME: Tracks live agent connections keyed by agent id with a configurable duplicate policy.
// ABOUTME: Only the acceptor mutates it; the router and ops surface read from it.

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/2389/coven-endpoint/internal/wire"
)

// ErrDuplicateAgent indicates an agent with the same ID is already connected.
var ErrDuplicateAgent = errors.New("agent already registered")

// Conn is the part of a connection record the registry and router need.
type Conn interface {
	AgentID() string
	Send(ctx context.Context, env *wire.Envelope) error
	Close() error
}

// DuplicatePolicy decides what Register does when the agent id is taken.
type DuplicatePolicy int

const (
	// RejectDuplicate keeps the existing connection and fails the new one.
	RejectDuplicate DuplicatePolicy = iota

	// ReplaceDuplicate registers the new connection and closes the old one.
	ReplaceDuplicate
)

// String returns the config spelling of the policy.
func (p DuplicatePolicy) String() string {
	switch p {
	case RejectDuplicate:
		return "reject"
	case ReplaceDuplicate:
		return "replace"
	default:
		return "unknown"
	}
}

// ParseDuplicatePolicy maps a config value to a policy. Empty means RejectDuplicate.
func ParseDuplicatePolicy(s string) (DuplicatePolicy, error) {
	switch s {
	case "", "reject":
		return RejectDuplicate, nil
	case "replace":
		return ReplaceDuplicate, nil
	default:
		return RejectDuplicate, fmt.Errorf("unknown duplicate policy %q (want reject or replace)", s)
	}
}

// Registry maps agent ids to their live connection.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]Conn
	policy DuplicatePolicy
	logger *slog.Logger
}

// New creates an empty registry. Pass nil logger for default.
func New(policy DuplicatePolicy, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		conns:  make(map[string]Conn),
		policy: policy,
		logger: logger.With("component", "registry"),
	}
}

// Policy returns the duplicate policy in effect.
func (r *Registry) Policy() DuplicatePolicy {
	return r.policy
}

// Register adds a connection under its agent id.
// Under RejectDuplicate it returns ErrDuplicateAgent if the id is taken.
// Under ReplaceDuplicate the previous connection is closed after the swap.
func (r *Registry) Register(c Conn) error {
	agentID := c.AgentID()

	r.mu.Lock()
	old, exists := r.conns[agentID]
	if exists && r.policy == RejectDuplicate {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateAgent, agentID)
	}
	r.conns[agentID] = c
	total := len(r.conns)
	r.mu.Unlock()

	if exists {
		r.logger.Warn("agent reconnected, replacing previous connection", "agent_id", agentID)
		if err := old.Close(); err != nil {
			r.logger.Debug("closing replaced connection", "agent_id", agentID, "error", err)
		}
	}

	r.logger.Info("=== AGENT CONNECTED ===",
		"agent_id", agentID,
		"total_agents", total,
	)
	return nil
}

// Lookup returns the connection registered for agentID.
func (r *Registry) Lookup(agentID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[agentID]
	return c, ok
}

// Deregister removes whatever is registered under agentID. Unknown ids are a no-op.
func (r *Registry) Deregister(agentID string) {
	r.mu.Lock()
	_, exists := r.conns[agentID]
	delete(r.conns, agentID)
	total := len(r.conns)
	r.mu.Unlock()

	if exists {
		r.logAgentGone(agentID, total)
	}
}

// DeregisterConn removes c only if it is still the connection registered for
// its agent id, so a replaced connection closing late cannot evict its successor.
// Returns true if c was removed.
func (r *Registry) DeregisterConn(c Conn) bool {
	agentID := c.AgentID()

	r.mu.Lock()
	current, exists := r.conns[agentID]
	if !exists || current != c {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, agentID)
	total := len(r.conns)
	r.mu.Unlock()

	r.logAgentGone(agentID, total)
	return true
}

func (r *Registry) logAgentGone(agentID string, total int) {
	r.logger.Info("=== AGENT DISCONNECTED ===",
		"agent_id", agentID,
		"total_agents", total,
	)
}

// List returns the registered connections sorted by agent id.
func (r *Registry) List() []Conn {
	r.mu.RLock()
	conns := make([]Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	sort.Slice(conns, func(i, j int) bool {
		return conns[i].AgentID() < conns[j].AgentID()
	})
	return conns
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll closes and removes every registered connection.
func (r *Registry) CloseAll() int {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]Conn)
	r.mu.Unlock()

	for agentID, c := range conns {
		if err := c.Close(); err != nil {
			r.logger.Debug("closing connection", "agent_id", agentID, "error", err)
		}
	}
	return len(conns)
}
