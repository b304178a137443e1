// ABOUTME: Hub owns the listener, registry, router, fan-in, and feature lifecycle for one endpoint
// ABOUTME: Start binds and initializes features concurrently; Shutdown drains features before closing the listener

package hub

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-endpoint/internal/conn"
	"github.com/2389/coven-endpoint/internal/fanin"
	"github.com/2389/coven-endpoint/internal/feature"
	"github.com/2389/coven-endpoint/internal/metrics"
	"github.com/2389/coven-endpoint/internal/registry"
	"github.com/2389/coven-endpoint/internal/store"
)

var (
	// ErrBind is returned by Start when the listener cannot be bound.
	ErrBind = errors.New("bind failed")

	// ErrFeatureInit wraps the first feature Init error seen by Start.
	ErrFeatureInit = errors.New("feature init failed")

	// ErrFeatureShutdown wraps feature Shutdown errors returned by Shutdown.
	ErrFeatureShutdown = errors.New("feature shutdown failed")

	// ErrNotStarted is returned by Shutdown before a successful Start.
	ErrNotStarted = errors.New("hub not started")

	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("hub already started")
)

// Defaults applied by New for zero-valued options.
const (
	DefaultAddr             = ":443"
	DefaultSource           = "endpoint"
	DefaultInitTimeout      = 30 * time.Second
	DefaultShutdownTimeout  = 10 * time.Second
	ledgerWriteTimeout      = 5 * time.Second
	maxAcceptBackoff        = time.Second
	initialAcceptBackoff    = 5 * time.Millisecond
	connectionNameSeparator = "/"
)

// ListenFunc opens the raw listener the hub wraps in TLS.
type ListenFunc func(ctx context.Context, network, address string) (net.Listener, error)

// Options configures a Hub.
type Options struct {
	// Addr is the listen address. Defaults to ":443".
	Addr string

	// Source is stamped as source.id on envelopes the endpoint emits.
	Source string

	// TLSConfig terminates TLS on every accepted transport. Required.
	TLSConfig *tls.Config

	// Listen opens the raw listener. Defaults to TCPListen.
	Listen ListenFunc

	BufferSize      int
	OverflowPolicy  fanin.OverflowPolicy
	DuplicatePolicy registry.DuplicatePolicy

	HandshakeTimeout time.Duration
	InitTimeout      time.Duration
	ShutdownTimeout  time.Duration

	// Metrics is optional; nil disables collection.
	Metrics *metrics.Metrics

	// Ledger is optional. The hub closes it during Shutdown.
	Ledger store.Ledger

	Logger *slog.Logger
}

type lifecycle int

const (
	stateIdle lifecycle = iota
	stateStarting
	stateRunning
	stateStopping
	stateStopped
)

// Hub is one endpoint instance. It is constructed once from a fixed feature set.
type Hub struct {
	opts     Options
	logger   *slog.Logger
	manifest feature.Manifest
	slots    []*feature.Slot
	registry *registry.Registry
	router   *registry.Router
	merger   *fanin.Merger
	metrics  *metrics.Metrics
	ledger   store.Ledger

	msgID    atomic.Uint64
	draining atomic.Bool

	mu         sync.Mutex
	state      lifecycle
	listener   net.Listener
	acceptDone chan struct{}

	// connCtx bounds in-flight handshakes; cancelled during shutdown
	connCtx    context.Context
	connCancel context.CancelFunc
	conns      sync.WaitGroup
}

// New builds a hub. Feature descriptors are collected into the manifest here;
// a duplicate feature name is a configuration error.
func New(features []feature.Feature, opts Options) (*Hub, error) {
	if opts.TLSConfig == nil {
		return nil, errors.New("hub: TLS config is required")
	}
	if opts.Addr == "" {
		opts.Addr = DefaultAddr
	}
	if opts.Source == "" {
		opts.Source = DefaultSource
	}
	if opts.Listen == nil {
		opts.Listen = TCPListen
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = conn.DefaultHandshakeTimeout
	}
	if opts.InitTimeout <= 0 {
		opts.InitTimeout = DefaultInitTimeout
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("component", "hub")

	slots := make([]*feature.Slot, 0, len(features))
	descs := make([]feature.Descriptor, 0, len(features))
	for _, f := range features {
		slot := feature.NewSlot(f)
		slots = append(slots, slot)
		descs = append(descs, slot.Desc)
	}
	manifest, err := feature.NewManifest(descs...)
	if err != nil {
		return nil, fmt.Errorf("building manifest: %w", err)
	}

	reg := registry.New(opts.DuplicatePolicy, opts.Logger)

	mergerOpts := []fanin.Option{
		fanin.WithOverflowPolicy(opts.OverflowPolicy),
		fanin.WithLogger(opts.Logger),
	}
	if opts.BufferSize > 0 {
		mergerOpts = append(mergerOpts, fanin.WithBufferSize(opts.BufferSize))
	}
	var routeObserver registry.RouteObserver
	if opts.Metrics != nil {
		mergerOpts = append(mergerOpts, fanin.WithObserver(opts.Metrics))
		routeObserver = opts.Metrics
	}

	connCtx, connCancel := context.WithCancel(context.Background())

	return &Hub{
		opts:       opts,
		logger:     logger,
		manifest:   manifest,
		slots:      slots,
		registry:   reg,
		router:     registry.NewRouter(reg, opts.Source, routeObserver, opts.Logger),
		merger:     fanin.New(mergerOpts...),
		metrics:    opts.Metrics,
		ledger:     opts.Ledger,
		acceptDone: make(chan struct{}),
		connCtx:    connCtx,
		connCancel: connCancel,
	}, nil
}

// Start binds the listener and initializes every feature, concurrently.
// It returns once both finish. If either fails, the first error is returned,
// features that did initialize are shut down, and the listener is closed.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.state != stateIdle {
		h.mu.Unlock()
		return ErrAlreadyStarted
	}
	h.state = stateStarting
	h.mu.Unlock()

	initCtx, cancel := context.WithTimeout(ctx, h.opts.InitTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(initCtx)
	g.Go(func() error {
		return h.bind(gctx)
	})
	for _, slot := range h.slots {
		g.Go(func() error {
			return h.initFeature(gctx, slot)
		})
	}

	if err := joinWithin(initCtx, g); err != nil {
		if !errors.Is(err, ErrBind) && !errors.Is(err, ErrFeatureInit) {
			err = fmt.Errorf("%w: %w", ErrFeatureInit, err)
		}
		h.logger.Error("startup failed", "error", err)
		h.abortStart()
		return err
	}

	for _, slot := range h.slots {
		slot.Transition(feature.Initialized, feature.Running)
	}

	h.mu.Lock()
	h.state = stateRunning
	h.mu.Unlock()

	h.logger.Info("endpoint running",
		"addr", h.Addr().String(),
		"source", h.opts.Source,
		"features", h.manifest.Names(),
	)
	return nil
}

// Run starts the hub, blocks until ctx is cancelled, then shuts down with a
// fresh context bounded by the shutdown timeout.
func (h *Hub) Run(ctx context.Context) error {
	if err := h.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	// ctx is already cancelled; shutdown needs its own deadline
	shutdownCtx, cancel := context.WithTimeout(context.Background(), h.opts.ShutdownTimeout+5*time.Second)
	defer cancel()
	return h.Shutdown(shutdownCtx)
}

func (h *Hub) bind(ctx context.Context) error {
	raw, err := h.opts.Listen(ctx, "tcp", h.opts.Addr)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrBind, h.opts.Addr, err)
	}
	ln := tls.NewListener(raw, h.opts.TLSConfig)

	h.mu.Lock()
	if h.draining.Load() {
		h.mu.Unlock()
		_ = ln.Close()
		return fmt.Errorf("%w: %s: startup aborted", ErrBind, h.opts.Addr)
	}
	h.listener = ln
	h.mu.Unlock()

	h.logger.Info("listening", "addr", ln.Addr().String())
	go h.acceptLoop(ln)
	return nil
}

func (h *Hub) initFeature(ctx context.Context, slot *feature.Slot) error {
	name := slot.Desc.Name
	if err := slot.Feature.Init(ctx, h.viewFor(name)); err != nil {
		slot.Set(feature.Failed)
		h.logger.Error("feature init failed", "feature", name, "error", err)
		return fmt.Errorf("%w: %s: %w", ErrFeatureInit, name, err)
	}
	slot.Transition(feature.Unregistered, feature.Initialized)

	// Init outlived an aborted Start; abortStart already ran and skipped it.
	if h.draining.Load() && slot.Transition(feature.Initialized, feature.ShuttingDown) {
		h.logger.Warn("feature finished init after startup was aborted", "feature", name)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.opts.ShutdownTimeout)
		defer cancel()
		if err := slot.Feature.Shutdown(shutdownCtx); err != nil {
			h.logger.Error("feature shutdown failed", "feature", name, "error", err)
		}
		slot.Set(feature.Stopped)
		return fmt.Errorf("%w: %s: startup aborted", ErrFeatureInit, name)
	}

	h.logger.Debug("feature initialized", "feature", name)
	return nil
}

// abortStart unwinds a failed Start.
func (h *Hub) abortStart() {
	h.draining.Store(true)

	ctx, cancel := context.WithTimeout(context.Background(), h.opts.ShutdownTimeout)
	defer cancel()

	if err := h.shutdownFeatures(ctx); err != nil {
		h.logger.Warn("shutting down features after failed start", "error", err)
	}
	if err := h.closeListener(); err != nil {
		h.logger.Debug("closing listener after failed start", "error", err)
	}
	h.closeConnections(ctx)
	h.merger.Close()
	if h.ledger != nil {
		_ = h.ledger.Close()
	}

	h.mu.Lock()
	h.state = stateStopped
	h.mu.Unlock()
}

// Shutdown stops the endpoint. New transports are refused immediately, then
// every feature's Shutdown runs concurrently and is joined, and only then is
// the listener closed. Live connections, the fan-in, and the ledger follow.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	switch h.state {
	case stateIdle, stateStarting:
		h.mu.Unlock()
		return ErrNotStarted
	case stateStopping, stateStopped:
		h.mu.Unlock()
		return nil
	}
	h.state = stateStopping
	h.mu.Unlock()

	h.logger.Info("shutting down endpoint")
	h.draining.Store(true)

	var errs []error
	if err := h.shutdownFeatures(ctx); err != nil {
		errs = append(errs, err)
	}
	errs = appendCloseError(errs, "listener close", h.closeListener())

	closed := h.closeConnections(ctx)
	h.merger.Close()

	if h.ledger != nil {
		errs = appendCloseError(errs, "ledger close", h.ledger.Close())
	}

	h.mu.Lock()
	h.state = stateStopped
	h.mu.Unlock()

	h.logger.Info("endpoint stopped", "connections_closed", closed)
	return errors.Join(errs...)
}

func (h *Hub) shutdownFeatures(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, h.opts.ShutdownTimeout)
	defer cancel()

	var g errgroup.Group
	for _, slot := range h.slots {
		if !slot.Transition(feature.Running, feature.ShuttingDown) &&
			!slot.Transition(feature.Initialized, feature.ShuttingDown) {
			continue
		}
		g.Go(func() error {
			name := slot.Desc.Name
			if err := slot.Feature.Shutdown(ctx); err != nil {
				slot.Set(feature.Stopped)
				h.logger.Error("feature shutdown failed", "feature", name, "error", err)
				return fmt.Errorf("%w: %s: %w", ErrFeatureShutdown, name, err)
			}
			slot.Set(feature.Stopped)
			h.logger.Debug("feature stopped", "feature", name)
			return nil
		})
	}

	if err := joinWithin(ctx, &g); err != nil {
		if !errors.Is(err, ErrFeatureShutdown) {
			err = fmt.Errorf("%w: %w", ErrFeatureShutdown, err)
		}
		return err
	}
	return nil
}

// closeListener closes the listener and waits for the accept loop to exit.
func (h *Hub) closeListener() error {
	h.mu.Lock()
	ln := h.listener
	h.listener = nil
	h.mu.Unlock()

	if ln == nil {
		return nil
	}
	err := ln.Close()
	<-h.acceptDone
	return err
}

// closeConnections aborts handshakes, closes registered connections, and waits
// for their watchers to record the disconnects.
func (h *Hub) closeConnections(ctx context.Context) int {
	h.connCancel()
	n := h.registry.CloseAll()

	done := make(chan struct{})
	go func() {
		h.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		h.logger.Warn("timed out waiting for connections to close", "error", ctx.Err())
	}
	return n
}

// joinWithin waits for g, giving up when ctx ends so a hung feature cannot
// block the lifecycle forever.
func joinWithin(ctx context.Context, g *errgroup.Group) error {
	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Readable returns a new consumer of the merged inbound stream.
func (h *Hub) Readable() *fanin.Consumer {
	return h.merger.NewConsumer()
}

// Writable returns the router-backed sink.
func (h *Hub) Writable() feature.Sink {
	return h.router
}

// MsgID returns the next message id. The first call returns 0.
func (h *Hub) MsgID() uint64 {
	return h.msgID.Add(1) - 1
}

// Source returns the endpoint's source tag.
func (h *Hub) Source() string {
	return h.opts.Source
}

// Manifest returns the frozen feature manifest.
func (h *Hub) Manifest() feature.Manifest {
	return h.manifest
}

// Logger returns the hub's logger.
func (h *Hub) Logger() *slog.Logger {
	return h.logger
}

// Router exposes the router for route-miss accounting.
func (h *Hub) Router() *registry.Router {
	return h.router
}

// Addr returns the bound address, or nil before Start.
func (h *Hub) Addr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// Running reports whether Start succeeded and Shutdown has not begun.
func (h *Hub) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state == stateRunning
}

// FeatureStates returns each feature's lifecycle state keyed by name.
func (h *Hub) FeatureStates() map[string]feature.State {
	states := make(map[string]feature.State, len(h.slots))
	for _, slot := range h.slots {
		states[slot.Desc.Name] = slot.State()
	}
	return states
}

// Agents describes every registered connection, sorted by agent id.
func (h *Hub) Agents() []conn.Info {
	registered := h.registry.List()
	infos := make([]conn.Info, 0, len(registered))
	for _, c := range registered {
		if described, ok := c.(interface{ Info() conn.Info }); ok {
			infos = append(infos, described.Info())
		} else {
			infos = append(infos, conn.Info{AgentID: c.AgentID()})
		}
	}
	return infos
}

// Ledger returns the connection ledger, or nil if none is configured.
func (h *Hub) Ledger() store.Ledger {
	return h.ledger
}

// featureView is the feature.Hub handed to one feature, with its own logger.
type featureView struct {
	*Hub
	logger *slog.Logger
}

func (v featureView) Logger() *slog.Logger {
	return v.logger
}

func (h *Hub) viewFor(name string) feature.Hub {
	return featureView{Hub: h, logger: h.opts.Logger.With("component", "feature", "feature", name)}
}

var _ feature.Hub = (*Hub)(nil)
