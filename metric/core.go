package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric the bridge exports.
const Namespace = "posebridge"

// Metrics holds process-level metrics. Sensor links, the pose applier and the viewer
// hub register their own through MetricsRegistrar.
type Metrics struct {
	BuildInfo      *prometheus.GaugeVec
	HealthStatus   *prometheus.GaugeVec
	AvatarJoints   prometheus.Gauge
	NATSConnected  prometheus.Gauge
	NATSReconnects prometheus.Counter
}

// NewMetrics creates the process-level metrics, unregistered.
func NewMetrics() *Metrics {
	return &Metrics{
		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "build_info",
				Help:      "Always 1, labelled with the running version",
			},
			[]string{"version"},
		),

		HealthStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "health",
				Name:      "status",
				Help:      "Health per part (0=unhealthy, 1=degraded, 2=healthy)",
			},
			[]string{"component"},
		),

		AvatarJoints: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "avatar",
				Name:      "mapped_joints",
				Help:      "Number of sensor labels resolved to a joint of the loaded avatar",
			},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.BuildInfo,
		m.HealthStatus,
		m.AvatarJoints,
		m.NATSConnected,
		m.NATSReconnects,
	}
}

// RecordBuild marks the running version
func (m *Metrics) RecordBuild(version string) {
	m.BuildInfo.WithLabelValues(version).Set(1)
}

// RecordHealth sets the health gauge for component from its status string.
func (m *Metrics) RecordHealth(component, status string) {
	var v float64
	switch status {
	case "healthy":
		v = 2
	case "degraded":
		v = 1
	}
	m.HealthStatus.WithLabelValues(component).Set(v)
}

// RecordAvatarJoints sets the number of mapped sensor labels
func (m *Metrics) RecordAvatarJoints(n int) {
	m.AvatarJoints.Set(float64(n))
}

// RecordNATSStatus updates NATS connection status
func (m *Metrics) RecordNATSStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	m.NATSConnected.Set(value)
}

// RecordNATSReconnect increments reconnection counter
func (m *Metrics) RecordNATSReconnect() {
	m.NATSReconnects.Inc()
}
