package rpc

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records control channel activity.
//
// Collectors are registered on the registry passed to NewMetrics, never on
// the global default registry.
type Metrics struct {
	calls       *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	connections prometheus.Gauge
}

// NewMetrics creates and registers the channel collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cellscanner_rpc_calls_total",
			Help: "Calls handled by the worker, by method and outcome.",
		}, []string{"method", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cellscanner_rpc_call_duration_seconds",
			Help:    "Time from request decode to response encode.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"method"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cellscanner_rpc_connections",
			Help: "Open control channel connections.",
		}),
	}
	reg.MustRegister(m.calls, m.duration, m.connections)
	return m
}

func (m *Metrics) observe(method, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(method, outcome).Inc()
	m.duration.WithLabelValues(method).Observe(elapsed.Seconds())
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.connections.Dec()
	}
}
