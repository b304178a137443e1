// ABOUTME: Accept loop and per-connection lifecycle: handshake, register, merge, watch, deregister
// ABOUTME: Connection-local failures are logged, counted, and recorded but never reach other connections

package hub

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/2389/coven-endpoint/internal/conn"
	"github.com/2389/coven-endpoint/internal/store"
)

func (h *Hub) acceptLoop(ln net.Listener) {
	defer close(h.acceptDone)

	backoff := time.Duration(0)
	for {
		raw, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || h.draining.Load() {
				return
			}
			if backoff == 0 {
				backoff = initialAcceptBackoff
			} else {
				backoff = min(backoff*2, maxAcceptBackoff)
			}
			h.logger.Warn("accept failed, retrying", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		if h.draining.Load() {
			_ = raw.Close()
			continue
		}

		h.conns.Add(1)
		go h.serveConn(raw)
	}
}

// serveConn runs one transport from handshake to disconnect.
func (h *Hub) serveConn(raw net.Conn) {
	defer h.conns.Done()

	remote := raw.RemoteAddr().String()

	c, err := conn.Accept(h.connCtx, raw, conn.AcceptParams{
		Source:   h.opts.Source,
		Manifest: h.manifest,
		Timeout:  h.opts.HandshakeTimeout,
		Logger:   h.opts.Logger.With("component", "conn"),
	})
	if err != nil {
		h.metrics.HandshakeFailed()
		h.logger.Warn("handshake failed", "remote_addr", remote, "error", err)
		h.record(&store.ConnectionEvent{
			Kind:       store.EventRejected,
			RemoteAddr: remote,
			Reason:     err.Error(),
		})
		return
	}

	// The handshake blocked; shutdown may have started meanwhile
	if h.draining.Load() {
		_ = c.Close()
		return
	}

	if err := h.registry.Register(c); err != nil {
		h.metrics.DuplicateAgent()
		h.logger.Warn("rejecting connection",
			"agent_id", c.AgentID(),
			"remote_addr", remote,
			"error", err,
		)
		h.record(&store.ConnectionEvent{
			Kind:       store.EventRejected,
			AgentID:    c.AgentID(),
			InstanceID: c.InstanceID(),
			RemoteAddr: remote,
			Reason:     err.Error(),
		})
		_ = c.Close()
		return
	}

	// Registered after CloseAll ran; undo so nothing outlives shutdown
	if h.draining.Load() {
		h.registry.DeregisterConn(c)
		_ = c.Close()
		return
	}

	h.metrics.ConnectionOpened()
	h.merger.Merge(c.AgentID()+connectionNameSeparator+c.InstanceID(), c.Incoming())
	h.record(&store.ConnectionEvent{
		Kind:       store.EventConnected,
		AgentID:    c.AgentID(),
		InstanceID: c.InstanceID(),
		RemoteAddr: remote,
	})

	<-c.Done()

	reason := "transport closed"
	if !h.registry.DeregisterConn(c) {
		reason = "replaced or shut down"
	}
	h.metrics.ConnectionClosed()
	h.record(&store.ConnectionEvent{
		Kind:       store.EventDisconnected,
		AgentID:    c.AgentID(),
		InstanceID: c.InstanceID(),
		RemoteAddr: remote,
		Reason:     reason,
	})
}

// record appends to the ledger if one is configured. Ledger failures are logged only.
func (h *Hub) record(e *store.ConnectionEvent) {
	if h.ledger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), ledgerWriteTimeout)
	defer cancel()
	if err := h.ledger.AppendConnectionEvent(ctx, e); err != nil {
		h.logger.Warn("recording connection event", "kind", e.Kind, "agent_id", e.AgentID, "error", err)
	}
}
