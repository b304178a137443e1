// ABOUTME: Fan-in merger that relays every agent connection's inbound stream to all consumers.
// ABOUTME: Each consumer has its own bounded buffer so a slow feature never stalls the others.

package fanin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/2389/coven-endpoint/internal/wire"
)

// DefaultBufferSize is the per-consumer buffer used when none is configured.
const DefaultBufferSize = 256

// ErrOverflow terminates a consumer that fell behind under the CloseConsumer policy.
var ErrOverflow = errors.New("fan-in consumer overflowed")

// OverflowPolicy selects what happens when a consumer's buffer is full.
type OverflowPolicy int

const (
	// DropOldest discards the consumer's oldest buffered envelope to make room.
	DropOldest OverflowPolicy = iota

	// CloseConsumer ends the consumer's sequence with ErrOverflow.
	CloseConsumer
)

// String returns the config spelling of the policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case CloseConsumer:
		return "close"
	default:
		return "unknown"
	}
}

// ParseOverflowPolicy maps a config value to a policy. Empty means DropOldest.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "", "drop_oldest":
		return DropOldest, nil
	case "close":
		return CloseConsumer, nil
	default:
		return DropOldest, fmt.Errorf("unknown overflow policy %q (want drop_oldest or close)", s)
	}
}

// Observer receives fan-in events. *metrics.Metrics implements it.
type Observer interface {
	Inbound()
	FanInDrop()
	FanInOverflow()
	ConsumerOpened()
	ConsumerClosed()
}

type nopObserver struct{}

func (nopObserver) Inbound()        {}
func (nopObserver) FanInDrop()      {}
func (nopObserver) FanInOverflow()  {}
func (nopObserver) ConsumerOpened() {}
func (nopObserver) ConsumerClosed() {}

// Option configures a Merger.
type Option func(*Merger)

// WithBufferSize sets the per-consumer buffer bound. Values below 1 are ignored.
func WithBufferSize(n int) Option {
	return func(m *Merger) {
		if n > 0 {
			m.bufferSize = n
		}
	}
}

// WithOverflowPolicy sets the behavior for consumers whose buffer is full.
func WithOverflowPolicy(p OverflowPolicy) Option {
	return func(m *Merger) {
		m.policy = p
	}
}

// WithObserver reports relay, drop and overflow events.
func WithObserver(o Observer) Option {
	return func(m *Merger) {
		if o != nil {
			m.observer = o
		}
	}
}

// WithLogger sets the logger. The merger adds its own component attribute.
func WithLogger(l *slog.Logger) Option {
	return func(m *Merger) {
		if l != nil {
			m.logger = l
		}
	}
}

// Merger combines N inbound sources into one sequence observed by M consumers.
// Order is preserved per source; nothing is promised across sources.
type Merger struct {
	mu        sync.RWMutex
	consumers map[string]*Consumer
	closed    bool
	done      chan struct{}
	relays    sync.WaitGroup
	sources   atomic.Int64

	bufferSize int
	policy     OverflowPolicy
	observer   Observer
	logger     *slog.Logger
}

// New creates a merger with the given options.
func New(opts ...Option) *Merger {
	m := &Merger{
		consumers:  make(map[string]*Consumer),
		done:       make(chan struct{}),
		bufferSize: DefaultBufferSize,
		policy:     DropOldest,
		observer:   nopObserver{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "fanin")
	return m
}

// Merge starts relaying every envelope from src to all current and future
// consumers. The relay stops when src is closed or the merger shuts down.
// Returns false if the merger is already closed.
func (m *Merger) Merge(name string, src <-chan *wire.Envelope) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.relays.Add(1)
	m.mu.Unlock()

	m.sources.Add(1)
	go m.relay(name, src)
	return true
}

func (m *Merger) relay(name string, src <-chan *wire.Envelope) {
	defer m.relays.Done()
	defer m.sources.Add(-1)

	m.logger.Debug("source merged", "source", name)
	for {
		select {
		case env, ok := <-src:
			if !ok {
				m.logger.Debug("source ended", "source", name)
				return
			}
			m.publish(env)
		case <-m.done:
			return
		}
	}
}

// publish hands env to every consumer without blocking on any of them.
func (m *Merger) publish(env *wire.Envelope) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return
	}
	// Copy targets under read lock to avoid holding lock during delivery
	targets := make([]*Consumer, 0, len(m.consumers))
	for _, c := range m.consumers {
		targets = append(targets, c)
	}
	m.mu.RUnlock()

	m.observer.Inbound()

	for _, c := range targets {
		if c.deliver(env) {
			m.remove(c.id)
			m.observer.FanInOverflow()
			m.logger.Warn("consumer overflowed, closing",
				"consumer_id", c.id,
				"buffer_size", m.bufferSize)
		}
	}
}

// NewConsumer returns a fresh sequence that sees every envelope relayed after
// this call. A consumer created after Close is already ended.
func (m *Merger) NewConsumer() *Consumer {
	c := &Consumer{
		id:     uuid.New().String(),
		merger: m,
		ch:     make(chan *wire.Envelope, m.bufferSize),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		c.closed = true
		close(c.ch)
		return c
	}
	m.consumers[c.id] = c
	m.mu.Unlock()

	m.observer.ConsumerOpened()
	m.logger.Debug("consumer added", "consumer_id", c.id)
	return c
}

// Consumers returns the number of open consumers.
func (m *Merger) Consumers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.consumers)
}

// Sources returns the number of sources currently being relayed.
func (m *Merger) Sources() int {
	return int(m.sources.Load())
}

func (m *Merger) remove(id string) {
	m.mu.Lock()
	delete(m.consumers, id)
	m.mu.Unlock()
}

// Close stops all relays and ends every consumer's sequence with io.EOF.
// Safe to call multiple times.
func (m *Merger) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.done)
	consumers := m.consumers
	m.consumers = make(map[string]*Consumer)
	m.mu.Unlock()

	for _, c := range consumers {
		c.close(nil)
	}
	m.relays.Wait()

	m.logger.Debug("merger closed", "consumers_closed", len(consumers))
}

// Consumer is one feature's view of the merged stream.
type Consumer struct {
	id      string
	merger  *Merger
	ch      chan *wire.Envelope
	dropped atomic.Uint64

	mu     sync.Mutex
	closed bool
	err    error
}

// ID returns the consumer's unique id.
func (c *Consumer) ID() string {
	return c.id
}

// Messages returns the channel of merged envelopes. It is closed when the
// consumer ends; check Err to tell an overflow from a normal shutdown.
// Envelopes are shared between consumers and must be treated as read-only.
func (c *Consumer) Messages() <-chan *wire.Envelope {
	return c.ch
}

// Next blocks for the next envelope. It returns io.EOF once the consumer is
// closed or the merger shut down, and ErrOverflow if the consumer was
// terminated for falling behind.
func (c *Consumer) Next(ctx context.Context) (*wire.Envelope, error) {
	select {
	case env, ok := <-c.ch:
		if !ok {
			if err := c.Err(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		return env, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Err returns ErrOverflow if the consumer was closed for overflowing, else nil.
func (c *Consumer) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Dropped returns how many envelopes were discarded for this consumer.
func (c *Consumer) Dropped() uint64 {
	return c.dropped.Load()
}

// Close detaches the consumer from the merger and ends its sequence.
func (c *Consumer) Close() {
	c.merger.remove(c.id)
	c.close(nil)
}

func (c *Consumer) close(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked(err)
}

func (c *Consumer) closeLocked(err error) {
	if c.closed {
		return
	}
	c.closed = true
	c.err = err
	close(c.ch)
	c.merger.observer.ConsumerClosed()
}

// deliver enqueues env without blocking. Returns true if the consumer was
// closed because of overflow.
func (c *Consumer) deliver(env *wire.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	select {
	case c.ch <- env:
		return false
	default:
	}

	if c.merger.policy == CloseConsumer {
		c.closeLocked(ErrOverflow)
		return true
	}

	// DropOldest: the reader may have drained in between, so both steps are non-blocking
	select {
	case <-c.ch:
		c.dropped.Add(1)
		c.merger.observer.FanInDrop()
	default:
	}
	select {
	case c.ch <- env:
	default:
		c.dropped.Add(1)
		c.merger.observer.FanInDrop()
	}
	return false
}
