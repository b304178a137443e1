// ABOUTME: One agent link: newline-delimited JSON framing over a net.Conn plus the hello/welcome handshake.
// ABOUTME: Exposes an inbound envelope channel for the fan-in and a serialized Send for the router.

package conn

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-endpoint/internal/feature"
	"github.com/2389/coven-endpoint/internal/wire"
)

// ErrHandshake wraps every failure to establish an agent identity.
var ErrHandshake = errors.New("handshake failed")

// ErrClosed is returned by Send after the connection closed.
var ErrClosed = errors.New("connection closed")

const (
	// MaxFrameSize bounds one JSON line.
	MaxFrameSize = 1 << 20

	// DefaultHandshakeTimeout applies when no timeout is configured.
	DefaultHandshakeTimeout = 10 * time.Second

	// DefaultWriteTimeout bounds a Send whose context carries no deadline.
	DefaultWriteTimeout = 10 * time.Second

	incomingBufferSize = 16
)

// Welcome is the payload of the endpoint's handshake reply.
type Welcome struct {
	InstanceID string           `json:"instance_id"`
	Manifest   feature.Manifest `json:"manifest"`
}

// Info is the public description of a live connection.
type Info struct {
	AgentID     string    `json:"agent_id"`
	InstanceID  string    `json:"instance_id"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Conn is a connected agent after a successful handshake.
type Conn struct {
	agentID     string
	instanceID  string
	remoteAddr  string
	connectedAt time.Time

	raw      net.Conn
	scanner  *bufio.Scanner
	writeSem chan struct{}
	enc      *json.Encoder

	incoming  chan *wire.Envelope
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
	logger    *slog.Logger
}

func newConn(raw net.Conn, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	scanner := bufio.NewScanner(raw)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxFrameSize)
	return &Conn{
		remoteAddr: raw.RemoteAddr().String(),
		raw:        raw,
		scanner:    scanner,
		writeSem:   make(chan struct{}, 1),
		enc:        json.NewEncoder(raw),
		incoming:   make(chan *wire.Envelope, incomingBufferSize),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// AcceptParams configures the endpoint side of the handshake.
type AcceptParams struct {
	Source   string
	Manifest feature.Manifest
	Timeout  time.Duration
	Logger   *slog.Logger
}

// Accept runs the endpoint side of the handshake on an accepted transport:
// it waits for the agent's hello, assigns an instance id and replies with the
// manifest. On failure raw is closed and the error wraps ErrHandshake.
func Accept(ctx context.Context, raw net.Conn, p AcceptParams) (*Conn, error) {
	c := newConn(raw, p.Logger)

	stop, err := c.beginHandshake(ctx, p.Timeout)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	defer stop()

	hello, err := c.readFrame()
	if err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("%w: reading hello: %w", ErrHandshake, err)
	}
	if hello.Type != wire.TypeHello {
		_ = raw.Close()
		return nil, fmt.Errorf("%w: expected %s, got %q", ErrHandshake, wire.TypeHello, hello.Type)
	}
	if hello.Source.ID == "" {
		_ = raw.Close()
		return nil, fmt.Errorf("%w: hello carries no agent id", ErrHandshake)
	}

	c.agentID = hello.Source.ID
	c.instanceID = uuid.New().String()

	welcome, err := wire.New(0, wire.TypeWelcome, c.agentID, Welcome{
		InstanceID: c.instanceID,
		Manifest:   p.Manifest,
	})
	if err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	welcome.Source.ID = p.Source

	if err := c.enc.Encode(welcome); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("%w: writing welcome: %w", ErrHandshake, err)
	}

	c.finishHandshake()
	return c, nil
}

// Client runs the agent side of the handshake over an established transport.
func Client(ctx context.Context, raw net.Conn, agentID string, timeout time.Duration, logger *slog.Logger) (*Conn, *Welcome, error) {
	if agentID == "" {
		_ = raw.Close()
		return nil, nil, fmt.Errorf("%w: agent id is required", ErrHandshake)
	}
	c := newConn(raw, logger)
	c.agentID = agentID

	stop, err := c.beginHandshake(ctx, timeout)
	if err != nil {
		_ = raw.Close()
		return nil, nil, err
	}
	defer stop()

	hello := &wire.Envelope{Type: wire.TypeHello, Source: wire.Address{ID: agentID}}
	if err := c.enc.Encode(hello); err != nil {
		_ = raw.Close()
		return nil, nil, fmt.Errorf("%w: writing hello: %w", ErrHandshake, err)
	}

	reply, err := c.readFrame()
	if err != nil {
		_ = raw.Close()
		return nil, nil, fmt.Errorf("%w: reading welcome: %w", ErrHandshake, err)
	}
	if reply.Type != wire.TypeWelcome {
		_ = raw.Close()
		return nil, nil, fmt.Errorf("%w: expected %s, got %q", ErrHandshake, wire.TypeWelcome, reply.Type)
	}

	var welcome Welcome
	if err := reply.Decode(&welcome); err != nil {
		_ = raw.Close()
		return nil, nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	c.instanceID = welcome.InstanceID

	c.finishHandshake()
	return c, &welcome, nil
}

// Dial opens a TLS connection to an endpoint and performs the agent handshake.
func Dial(ctx context.Context, addr string, tlsConfig *tls.Config, agentID string, logger *slog.Logger) (*Conn, *Welcome, error) {
	dialer := &tls.Dialer{Config: tlsConfig}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	return Client(ctx, raw, agentID, DefaultHandshakeTimeout, logger)
}

// beginHandshake bounds the handshake by timeout and ctx, and completes the
// TLS handshake first when raw is a TLS connection. The returned func must be
// called once the handshake is over.
func (c *Conn) beginHandshake(ctx context.Context, timeout time.Duration) (func(), error) {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	if err := c.raw.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("%w: setting deadline: %w", ErrHandshake, err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.raw.SetDeadline(time.Now())
	})

	if tlsConn, ok := c.raw.(*tls.Conn); ok {
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			stop()
			return nil, fmt.Errorf("%w: tls: %w", ErrHandshake, err)
		}
	}
	return func() { stop() }, nil
}

// finishHandshake clears deadlines and starts the read loop.
func (c *Conn) finishHandshake() {
	_ = c.raw.SetDeadline(time.Time{})
	c.connectedAt = time.Now()
	c.logger = c.logger.With("agent_id", c.agentID, "instance_id", c.instanceID)
	go c.readLoop()
}

// readFrame reads and decodes one JSON line.
func (c *Conn) readFrame() (*wire.Envelope, error) {
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, errors.New("connection closed by peer")
	}
	var env wire.Envelope
	if err := json.Unmarshal(c.scanner.Bytes(), &env); err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}
	return &env, nil
}

// readLoop feeds decoded frames into Incoming until the transport ends.
// Malformed frames are logged and skipped. Every frame is attributed to the
// handshake identity; a different source id claimed by the peer is replaced.
func (c *Conn) readLoop() {
	defer close(c.incoming)
	defer c.Close()

	for c.scanner.Scan() {
		var env wire.Envelope
		if err := json.Unmarshal(c.scanner.Bytes(), &env); err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		if env.Source.ID != c.agentID {
			if env.Source.ID != "" {
				c.logger.Warn("replacing claimed source id", "claimed", env.Source.ID, "msg_id", env.ID)
			}
			env.Source.ID = c.agentID
		}
		select {
		case c.incoming <- &env:
		case <-c.done:
			return
		}
	}

	if err := c.scanner.Err(); err != nil {
		select {
		case <-c.done:
		default:
			c.logger.Debug("read loop ended", "error", err)
		}
	}
}

// AgentID returns the identity established by the handshake.
func (c *Conn) AgentID() string {
	return c.agentID
}

// InstanceID distinguishes this connection from earlier ones by the same agent.
func (c *Conn) InstanceID() string {
	return c.instanceID
}

// Info returns the connection's public description.
func (c *Conn) Info() Info {
	return Info{
		AgentID:     c.agentID,
		InstanceID:  c.instanceID,
		RemoteAddr:  c.remoteAddr,
		ConnectedAt: c.connectedAt,
	}
}

// Incoming yields decoded envelopes in arrival order and is closed when the
// transport ends.
func (c *Conn) Incoming() <-chan *wire.Envelope {
	return c.incoming
}

// Done is closed once the connection is closed for any reason.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Send serializes env onto the wire. It returns once the transport accepted
// the write, or when ctx ends. The write is bounded by ctx's deadline, or by
// DefaultWriteTimeout when ctx has none. A write that fails part way leaves the
// stream unusable, so the connection is closed.
func (c *Conn) Send(ctx context.Context, env *wire.Envelope) error {
	select {
	case c.writeSem <- struct{}{}:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-c.writeSem }()

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultWriteTimeout)
	}
	if err := c.raw.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.raw.SetWriteDeadline(time.Now())
	})
	err := c.enc.Encode(env)
	stop()

	if err != nil {
		_ = c.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		c.logger.Warn("closing connection after failed write", "msg_id", env.ID, "error", err)
		return fmt.Errorf("writing frame: %w", err)
	}
	_ = c.raw.SetWriteDeadline(time.Time{})
	return nil
}

// Close closes the transport. Safe to call multiple times.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.closeErr = c.raw.Close()
	})
	return c.closeErr
}
