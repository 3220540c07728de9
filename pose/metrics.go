package pose

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/posebridge/metric"
)

const metricsComponent = "pose"

// Metrics counts what happens to sensor payloads after they are read.
type Metrics struct {
	applied      *prometheus.CounterVec
	rejected     *prometheus.CounterVec
	unmapped     *prometheus.CounterVec
	frames       prometheus.Counter
	sinkErrors   *prometheus.CounterVec
	applyLatency *prometheus.HistogramVec
}

// NewMetrics creates and registers pose metrics. A nil registrar disables them.
func NewMetrics(registrar metric.MetricsRegistrar) (*Metrics, error) {
	if registrar == nil {
		return nil, nil
	}

	m := &Metrics{
		applied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "pose",
			Name:      "joint_updates_total",
			Help:      "Orientations applied to a joint, by message label",
		}, []string{"label"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "pose",
			Name:      "messages_rejected_total",
			Help:      "Payloads discarded before lookup, by reason",
		}, []string{"reason"}),
		unmapped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "pose",
			Name:      "unmapped_labels_total",
			Help:      "Valid messages whose label has no joint",
		}, []string{"label"}),
		frames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "pose",
			Name:      "frames_published_total",
			Help:      "Pose frames handed to sinks",
		}),
		sinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "pose",
			Name:      "sink_errors_total",
			Help:      "Frames a sink failed to deliver",
		}, []string{"sink"}),
		applyLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "pose",
			Name:      "apply_duration_seconds",
			Help:      "Time from payload receipt to joint update",
			Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
		}, []string{"link"}),
	}

	if err := registrar.RegisterCounterVec(metricsComponent, "joint_updates", m.applied); err != nil {
		return nil, err
	}
	if err := registrar.RegisterCounterVec(metricsComponent, "rejected", m.rejected); err != nil {
		return nil, err
	}
	if err := registrar.RegisterCounterVec(metricsComponent, "unmapped", m.unmapped); err != nil {
		return nil, err
	}
	if err := registrar.RegisterCounter(metricsComponent, "frames", m.frames); err != nil {
		return nil, err
	}
	if err := registrar.RegisterCounterVec(metricsComponent, "sink_errors", m.sinkErrors); err != nil {
		return nil, err
	}
	if err := registrar.RegisterHistogramVec(metricsComponent, "apply_duration", m.applyLatency); err != nil {
		return nil, err
	}
	return m, nil
}
