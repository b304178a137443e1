// ABOUTME: Ping feature answers every "ping" envelope with a "pong" routed back to the sender
// ABOUTME: Replies carry a fresh message id and the id of the ping they answer; repeats are dropped

package builtins

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/2389/coven-endpoint/internal/dedupe"
	"github.com/2389/coven-endpoint/internal/feature"
	"github.com/2389/coven-endpoint/internal/wire"
)

// Message types handled by Ping.
const (
	TypePing = "ping"
	TypePong = "pong"
)

const (
	replyTimeout = 5 * time.Second

	// Pings repeated with the same source and id inside this window are not answered again.
	duplicateWindow = 10 * time.Second
	duplicateKeys   = 4096
)

// PongPayload is the payload of a pong reply.
type PongPayload struct {
	ReplyTo uint64          `json:"reply_to"`
	Echo    json.RawMessage `json:"echo,omitempty"`
	At      time.Time       `json:"at"`
}

// Ping is a feature that replies to pings.
type Ping struct {
	hub      feature.Hub
	out      feature.Sink
	logger   *slog.Logger
	loop     *consumerLoop
	seen     *dedupe.Window
	answered atomic.Uint64
	now      func() time.Time
}

// NewPing creates the ping feature.
func NewPing() *Ping {
	return &Ping{now: time.Now}
}

func (p *Ping) Meta() feature.Descriptor {
	return feature.Descriptor{
		Name:         "ping",
		Version:      "1.0.0",
		Description:  "Answers ping envelopes with a pong to the sender",
		Capabilities: []string{"ping"},
	}
}

func (p *Ping) Init(ctx context.Context, hub feature.Hub) error {
	if hub == nil {
		return errors.New("ping: hub is nil")
	}
	p.hub = hub
	p.out = hub.Writable()
	p.logger = hub.Logger()
	p.seen = dedupe.NewWindow(duplicateWindow, duplicateKeys)
	p.loop = startLoop(hub.Readable(), p.logger, p.handle)
	return nil
}

func (p *Ping) handle(ctx context.Context, env *wire.Envelope) {
	if env.Type != TypePing {
		return
	}
	if env.Source.ID == "" {
		p.logger.Debug("ignoring ping without a source", "msg_id", env.ID)
		return
	}
	if p.seen.Seen(env.Source.ID + "/" + strconv.FormatUint(env.ID, 10)) {
		p.logger.Debug("ignoring repeated ping", "agent_id", env.Source.ID, "msg_id", env.ID)
		return
	}

	reply, err := wire.New(p.hub.MsgID(), TypePong, env.Source.ID, PongPayload{
		ReplyTo: env.ID,
		Echo:    env.Payload,
		At:      p.now().UTC(),
	})
	if err != nil {
		p.logger.Error("building pong", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, replyTimeout)
	defer cancel()
	if err := p.out.Write(ctx, reply); err != nil {
		p.logger.Warn("sending pong", "agent_id", env.Source.ID, "error", err)
		return
	}
	p.answered.Add(1)
	p.logger.Debug("answered ping", "agent_id", env.Source.ID, "reply_to", env.ID)
}

// Answered returns how many pongs were handed to the router.
func (p *Ping) Answered() uint64 {
	return p.answered.Load()
}

func (p *Ping) Report() any {
	return map[string]uint64{"answered": p.Answered()}
}

func (p *Ping) Shutdown(ctx context.Context) error {
	if p.loop == nil {
		return nil
	}
	err := p.loop.stop(ctx)
	p.seen.Close()
	if err != nil {
		return err
	}
	p.logger.Info("ping stopped", "answered", p.Answered())
	return nil
}

var (
	_ feature.Feature  = (*Ping)(nil)
	_ feature.Reporter = (*Ping)(nil)
)
