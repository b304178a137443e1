// ABOUTME: Feature plugin contract: descriptor metadata, hub access, and lifecycle callbacks.
// ABOUTME: Features read the merged inbound stream and write through the router, never the network.

package feature

import (
	"context"
	"log/slog"

	"github.com/2389/coven-endpoint/internal/fanin"
	"github.com/2389/coven-endpoint/internal/wire"
)

// Descriptor is a feature's immutable metadata.
type Descriptor struct {
	Name         string   `json:"name"`
	Version      string   `json:"version,omitempty"`
	Description  string   `json:"description,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Sink accepts outbound envelopes addressed by destination.id.
type Sink interface {
	Write(ctx context.Context, env *wire.Envelope) error
}

// Hub is what a feature sees of the endpoint during and after Init.
type Hub interface {
	// Readable returns a new consumer of the merged inbound stream.
	Readable() *fanin.Consumer

	// Writable returns the router-backed sink.
	Writable() Sink

	// MsgID returns the next value of the endpoint's message-id counter.
	MsgID() uint64

	// Source returns the endpoint's logical source tag.
	Source() string

	// Manifest returns the frozen set of feature descriptors.
	Manifest() Manifest

	// Logger returns a logger scoped to the calling feature's component.
	Logger() *slog.Logger
}

// Feature is implemented by every pluggable handler.
//
// Meta is called once at construction. Init is called once, concurrently with
// the other features, after the listener started binding; it typically grabs
// hub.Readable() and hub.Writable() and starts its own goroutines. The ctx
// passed to Init bounds Init only and is cancelled once startup completes.
// Shutdown is called once, concurrently with the other features, before the
// listener closes; connections are still open at that point.
type Feature interface {
	Meta() Descriptor
	Init(ctx context.Context, hub Hub) error
	Shutdown(ctx context.Context) error
}

// Reporter is implemented by features that expose runtime state on the ops
// API. Report must be safe to call concurrently and return JSON-encodable data.
type Reporter interface {
	Report() any
}
