// ABOUTME: Operational HTTP surface: health, readiness, Prometheus metrics, and a small JSON API
// ABOUTME: Lists agents, features, and ledger history; /api/send routes one envelope through the router

package hub

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/coven-endpoint/internal/feature"
	"github.com/2389/coven-endpoint/internal/store"
	"github.com/2389/coven-endpoint/internal/wire"
)

// maxSendBody bounds /api/send request bodies.
const maxSendBody = 1 << 20

// Handler returns the ops mux. metricsPath is ignored when the hub has no metrics.
func (h *Hub) Handler(metricsPath string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /health/ready", h.handleReady)
	mux.HandleFunc("GET /api/agents", h.handleListAgents)
	mux.HandleFunc("GET /api/manifest", h.handleManifest)
	mux.HandleFunc("GET /api/features", h.handleFeatures)
	mux.HandleFunc("GET /api/features/{name}", h.handleFeature)
	mux.HandleFunc("GET /api/connections", h.handleConnections)
	mux.HandleFunc("POST /api/send", h.handleSend)

	if h.metrics != nil {
		if metricsPath == "" {
			metricsPath = "/metrics"
		}
		mux.Handle("GET "+metricsPath, promhttp.HandlerFor(h.metrics.Registry(), promhttp.HandlerOpts{}))
	}
	return mux
}

// handleHealth returns 200 OK if the process is alive.
func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once Start succeeded and until Shutdown begins.
func (h *Hub) handleReady(w http.ResponseWriter, r *http.Request) {
	if !h.Running() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not running"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", h.registry.Len())
}

func (h *Hub) handleListAgents(w http.ResponseWriter, r *http.Request) {
	h.sendJSON(w, http.StatusOK, h.Agents())
}

func (h *Hub) handleManifest(w http.ResponseWriter, r *http.Request) {
	h.sendJSON(w, http.StatusOK, h.manifest)
}

// FeatureStatus is one entry of GET /api/features.
type FeatureStatus struct {
	feature.Descriptor
	State  feature.State `json:"state"`
	Report any           `json:"report,omitempty"`
}

func (h *Hub) handleFeatures(w http.ResponseWriter, r *http.Request) {
	out := make([]FeatureStatus, 0, len(h.slots))
	for _, slot := range h.slots {
		out = append(out, FeatureStatus{Descriptor: slot.Desc, State: slot.State()})
	}
	h.sendJSON(w, http.StatusOK, out)
}

// handleFeature returns one feature's status plus its report, if it has one.
func (h *Hub) handleFeature(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	for _, slot := range h.slots {
		if slot.Desc.Name != name {
			continue
		}
		status := FeatureStatus{Descriptor: slot.Desc, State: slot.State()}
		if rep, ok := slot.Feature.(feature.Reporter); ok && slot.State() == feature.Running {
			status.Report = rep.Report()
		}
		h.sendJSON(w, http.StatusOK, status)
		return
	}
	h.sendJSONError(w, http.StatusNotFound, "unknown feature")
}

// ConnectionEventResponse is one entry of GET /api/connections.
type ConnectionEventResponse struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	AgentID    string `json:"agent_id,omitempty"`
	InstanceID string `json:"instance_id,omitempty"`
	RemoteAddr string `json:"remote_addr,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// handleConnections lists ledger events, newest first.
// Query parameters: agent_id, kind, limit.
func (h *Hub) handleConnections(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		h.sendJSONError(w, http.StatusNotFound, "connection ledger is disabled")
		return
	}

	var f store.ConnectionFilter
	q := r.URL.Query()
	if agentID := q.Get("agent_id"); agentID != "" {
		f.AgentID = &agentID
	}
	if kind := q.Get("kind"); kind != "" {
		k := store.EventKind(kind)
		switch k {
		case store.EventConnected, store.EventDisconnected, store.EventRejected:
		default:
			h.sendJSONError(w, http.StatusBadRequest, "kind must be connected, disconnected, or rejected")
			return
		}
		f.Kind = &k
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 {
			h.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		f.Limit = n
	}

	events, err := h.ledger.ListConnectionEvents(r.Context(), f)
	if err != nil {
		h.logger.Error("failed to list connection events", "error", err)
		h.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	out := make([]ConnectionEventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, ConnectionEventResponse{
			ID:         e.ID,
			Kind:       string(e.Kind),
			AgentID:    e.AgentID,
			InstanceID: e.InstanceID,
			RemoteAddr: e.RemoteAddr,
			Reason:     e.Reason,
			Timestamp:  e.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		})
	}
	h.sendJSON(w, http.StatusOK, out)
}

// SendRequest is the body of POST /api/send.
type SendRequest struct {
	AgentID string          `json:"agent_id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SendResponse reports the message id assigned to a routed envelope.
type SendResponse struct {
	ID      uint64 `json:"id"`
	AgentID string `json:"agent_id"`
}

// handleSend routes one envelope to a connected agent through the router.
func (h *Hub) handleSend(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSendBody)).Decode(&req); err != nil {
		h.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.AgentID = strings.TrimSpace(req.AgentID)
	if req.AgentID == "" {
		h.sendJSONError(w, http.StatusBadRequest, "agent_id is required")
		return
	}
	if _, ok := h.registry.Lookup(req.AgentID); !ok {
		h.sendJSONError(w, http.StatusNotFound, "agent not connected")
		return
	}

	env := &wire.Envelope{
		ID:          h.MsgID(),
		Type:        req.Type,
		Source:      wire.Address{ID: h.opts.Source},
		Destination: wire.Address{ID: req.AgentID},
		Payload:     req.Payload,
	}
	if err := h.router.Route(r.Context(), env); err != nil {
		h.logger.Error("failed to route envelope", "agent_id", req.AgentID, "error", err)
		h.sendJSONError(w, http.StatusBadGateway, "delivery failed")
		return
	}

	h.sendJSON(w, http.StatusOK, SendResponse{ID: env.ID, AgentID: req.AgentID})
}

func (h *Hub) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Hub) sendJSONError(w http.ResponseWriter, status int, message string) {
	h.sendJSON(w, status, map[string]string{"error": message})
}
