package websocket

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/posebridge/metric"
)

// Metrics holds Prometheus metrics for the viewer hub
type Metrics struct {
	clientsConnected   prometheus.Gauge
	connectionTotal    prometheus.Counter
	disconnectionTotal *prometheus.CounterVec
	messagesSent       *prometheus.CounterVec
	bytesSent          prometheus.Counter
	errorsTotal        *prometheus.CounterVec
}

// newMetrics creates and registers hub metrics. nil registry, nil metrics.
func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "viewer",
			Name:      "clients_connected",
			Help:      "Number of currently connected viewers",
		}),
		connectionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "viewer",
			Name:      "client_connections_total",
			Help:      "Total viewer connections (including disconnected)",
		}),
		disconnectionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "viewer",
			Name:      "client_disconnections_total",
			Help:      "Total viewer disconnections",
		}, []string{"disconnect_reason"}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "viewer",
			Name:      "messages_sent_total",
			Help:      "Envelopes written to viewers",
		}, []string{"type"}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "viewer",
			Name:      "bytes_sent_total",
			Help:      "Total bytes sent to viewers",
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "viewer",
			Name:      "errors_total",
			Help:      "Viewer hub errors",
		}, []string{"error_type"}),
	}

	registry.PrometheusRegistry().MustRegister(
		m.clientsConnected,
		m.connectionTotal,
		m.disconnectionTotal,
		m.messagesSent,
		m.bytesSent,
		m.errorsTotal,
	)
	return m
}
