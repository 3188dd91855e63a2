package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the relay's prometheus collectors on a private
// registry, so tests get fresh state per instance.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsActive     prometheus.Gauge
	SessionsActive        prometheus.Gauge
	MessagesTotal         *prometheus.CounterVec
	DeliveryFailuresTotal *prometheus.CounterVec
	HeartbeatEvictions    prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_connections_active",
			Help: "Number of live, authenticated WebSocket connections.",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_sessions_active",
			Help: "Number of live test sessions.",
		}),
		MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_messages_total",
			Help: "Inbound messages routed, by message type.",
		}, []string{"type"}),
		DeliveryFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_delivery_failures_total",
			Help: "Queued deliveries dropped, by reason.",
		}, []string{"reason"}),
		HeartbeatEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_heartbeat_evictions_total",
			Help: "Connections evicted for missing heartbeat probes.",
		}),
	}
	m.registry.MustRegister(
		m.ConnectionsActive,
		m.SessionsActive,
		m.MessagesTotal,
		m.DeliveryFailuresTotal,
		m.HeartbeatEvictions,
	)
	return m
}

// Registry exposes the private registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
