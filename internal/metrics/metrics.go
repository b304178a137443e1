// ABOUTME: Prometheus collectors for the endpoint hub: connections, handshakes, routing, fan-in.
// ABOUTME: A nil *Metrics is valid and records nothing, so components can run without metrics.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "coven_endpoint"

// Metrics holds every collector the hub reports to.
type Metrics struct {
	registry *prometheus.Registry

	connectionsActive prometheus.Gauge
	connectionsTotal  prometheus.Counter
	handshakeFailures prometheus.Counter
	duplicateAgents   prometheus.Counter
	inboundTotal      prometheus.Counter
	routedTotal       prometheus.Counter
	routeMisses       prometheus.Counter
	routeErrors       prometheus.Counter
	faninDrops        prometheus.Counter
	faninOverflows    prometheus.Counter
	faninConsumers    prometheus.Gauge
}

// New creates a registry with Go runtime collectors and the hub metrics.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "active",
			Help:      "Number of registered agent connections",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "accepted_total",
			Help:      "Total number of agent connections that completed the handshake",
		}),
		handshakeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "handshake_failures_total",
			Help:      "Total number of transports discarded during the handshake",
		}),
		duplicateAgents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "duplicate_agents_total",
			Help:      "Total number of connections that claimed an agent id already registered",
		}),
		inboundTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanin",
			Name:      "inbound_total",
			Help:      "Total number of envelopes relayed from agent connections",
		}),
		routedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "routed_total",
			Help:      "Total number of envelopes delivered to an agent connection",
		}),
		routeMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "route_misses_total",
			Help:      "Total number of envelopes dropped because the destination agent was not connected",
		}),
		routeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "route_errors_total",
			Help:      "Total number of envelopes the destination transport refused",
		}),
		faninDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanin",
			Name:      "drops_total",
			Help:      "Total number of buffered envelopes dropped for slow consumers",
		}),
		faninOverflows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanin",
			Name:      "overflows_total",
			Help:      "Total number of consumers closed because their buffer overflowed",
		}),
		faninConsumers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fanin",
			Name:      "consumers",
			Help:      "Number of open fan-in consumers",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connectionsActive,
		m.connectionsTotal,
		m.handshakeFailures,
		m.duplicateAgents,
		m.inboundTotal,
		m.routedTotal,
		m.routeMisses,
		m.routeErrors,
		m.faninDrops,
		m.faninOverflows,
		m.faninConsumers,
	)
	return m
}

// Registry returns the underlying Prometheus registry for the HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connectionsTotal.Inc()
	m.connectionsActive.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
}

func (m *Metrics) HandshakeFailed() {
	if m == nil {
		return
	}
	m.handshakeFailures.Inc()
}

func (m *Metrics) DuplicateAgent() {
	if m == nil {
		return
	}
	m.duplicateAgents.Inc()
}

func (m *Metrics) Inbound() {
	if m == nil {
		return
	}
	m.inboundTotal.Inc()
}

func (m *Metrics) Routed() {
	if m == nil {
		return
	}
	m.routedTotal.Inc()
}

func (m *Metrics) RouteMiss() {
	if m == nil {
		return
	}
	m.routeMisses.Inc()
}

func (m *Metrics) RouteError() {
	if m == nil {
		return
	}
	m.routeErrors.Inc()
}

func (m *Metrics) FanInDrop() {
	if m == nil {
		return
	}
	m.faninDrops.Inc()
}

func (m *Metrics) FanInOverflow() {
	if m == nil {
		return
	}
	m.faninOverflows.Inc()
}

func (m *Metrics) ConsumerOpened() {
	if m == nil {
		return
	}
	m.faninConsumers.Inc()
}

func (m *Metrics) ConsumerClosed() {
	if m == nil {
		return
	}
	m.faninConsumers.Dec()
}
