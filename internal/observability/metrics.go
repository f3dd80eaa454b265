package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveConnections prometheus.Gauge
	WSMessages        *prometheus.CounterVec
	Broadcasts        *prometheus.CounterVec
	HeartbeatTimeouts prometheus.Counter
	Mutations         *prometheus.CounterVec
	GrantEvents       *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of live websocket connections.",
		}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		Broadcasts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Plan broadcasts by event type.",
		}, []string{"type"}),
		HeartbeatTimeouts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_timeouts_total",
			Help:      "Connections force-closed for missing heartbeats.",
		}),
		Mutations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_total",
			Help:      "State-changing operations by kind and outcome.",
		}, []string{"operation", "outcome"}),
		GrantEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grant_events_total",
			Help:      "Access grant lifecycle events.",
		}, []string{"event"}),
	}
}

func (m *Metrics) CountMutation(operation string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.Mutations.WithLabelValues(operation, outcome).Inc()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
