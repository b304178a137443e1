// ABOUTME: Tap feature observes the merged inbound stream and keeps per-agent traffic counters
// ABOUTME: It never writes; Snapshot and Report expose what it has seen

package builtins

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/2389/coven-endpoint/internal/feature"
	"github.com/2389/coven-endpoint/internal/wire"
)

// AgentTraffic summarizes inbound envelopes from one agent.
type AgentTraffic struct {
	AgentID  string    `json:"agent_id"`
	Messages uint64    `json:"messages"`
	Bytes    uint64    `json:"bytes"`
	LastType string    `json:"last_type,omitempty"`
	LastSeen time.Time `json:"last_seen"`
}

// Tap counts inbound traffic per agent.
type Tap struct {
	logger *slog.Logger
	loop   *consumerLoop
	now    func() time.Time

	mu     sync.Mutex
	agents map[string]*AgentTraffic
	total  uint64
}

// NewTap creates the tap feature.
func NewTap() *Tap {
	return &Tap{
		now:    time.Now,
		agents: make(map[string]*AgentTraffic),
	}
}

func (t *Tap) Meta() feature.Descriptor {
	return feature.Descriptor{
		Name:         "tap",
		Version:      "1.0.0",
		Description:  "Observes inbound traffic and tracks per-agent counters",
		Capabilities: []string{"observe"},
	}
}

func (t *Tap) Init(ctx context.Context, hub feature.Hub) error {
	if hub == nil {
		return errors.New("tap: hub is nil")
	}
	t.logger = hub.Logger()
	t.loop = startLoop(hub.Readable(), t.logger, t.observe)
	return nil
}

func (t *Tap) observe(_ context.Context, env *wire.Envelope) {
	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.agents[env.Source.ID]
	if !ok {
		a = &AgentTraffic{AgentID: env.Source.ID}
		t.agents[env.Source.ID] = a
	}
	a.Messages++
	a.Bytes += uint64(len(env.Payload))
	a.LastType = env.Type
	a.LastSeen = t.now().UTC()
	t.total++
}

// Snapshot returns the counters for every agent seen, sorted by agent id.
func (t *Tap) Snapshot() []AgentTraffic {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]AgentTraffic, 0, len(t.agents))
	for _, a := range t.agents {
		out = append(out, *a)
	}
	slices.SortFunc(out, func(a, b AgentTraffic) int { return cmp.Compare(a.AgentID, b.AgentID) })
	return out
}

// Total returns the number of envelopes observed.
func (t *Tap) Total() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// TapReport is the tap's section of GET /api/features/tap.
type TapReport struct {
	Total  uint64         `json:"total"`
	Agents []AgentTraffic `json:"agents"`
}

func (t *Tap) Report() any {
	return TapReport{Total: t.Total(), Agents: t.Snapshot()}
}

func (t *Tap) Shutdown(ctx context.Context) error {
	if t.loop == nil {
		return nil
	}
	if err := t.loop.stop(ctx); err != nil {
		return err
	}
	t.mu.Lock()
	agents, total := len(t.agents), t.total
	t.mu.Unlock()
	t.logger.Info("tap stopped", "agents_seen", agents, "messages", total)
	return nil
}

var (
	_ feature.Feature  = (*Tap)(nil)
	_ feature.Reporter = (*Tap)(nil)
)
