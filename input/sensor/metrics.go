package sensor

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/posebridge/metric"
)

const metricsComponent = "sensor"

// Metrics are shared by every link, labelled by link label.
type Metrics struct {
	connects    *prometheus.CounterVec
	disconnects *prometheus.CounterVec
	reconnects  *prometheus.CounterVec
	dialErrors  *prometheus.CounterVec
	received    *prometheus.CounterVec
	state       *prometheus.GaugeVec
}

func newCounter(name, help string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metric.Namespace,
		Subsystem: "sensor",
		Name:      name,
		Help:      help,
	}, []string{"link"})
}

// NewMetrics creates link metrics and registers them. A nil registrar yields nil,
// which links treat as metrics disabled.
func NewMetrics(registrar metric.MetricsRegistrar) (*Metrics, error) {
	if registrar == nil {
		return nil, nil
	}

	m := &Metrics{
		connects:    newCounter("connects_total", "Successful websocket handshakes with a sensor"),
		disconnects: newCounter("disconnects_total", "Sensor connections that ended after opening"),
		reconnects:  newCounter("reconnect_attempts_total", "Reconnect attempts after a close or failed dial"),
		dialErrors:  newCounter("dial_errors_total", "Failed dials"),
		received:    newCounter("messages_received_total", "Payloads read from sensors"),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "sensor",
			Name:      "link_state",
			Help:      "Link state (0=connecting, 1=open, 2=closed_pending_retry, 3=stopped)",
		}, []string{"link"}),
	}

	for name, c := range map[string]*prometheus.CounterVec{
		"connects":    m.connects,
		"disconnects": m.disconnects,
		"reconnects":  m.reconnects,
		"dial_errors": m.dialErrors,
		"received":    m.received,
	} {
		if err := registrar.RegisterCounterVec(metricsComponent, name, c); err != nil {
			return nil, err
		}
	}
	if err := registrar.RegisterGaugeVec(metricsComponent, "link_state", m.state); err != nil {
		return nil, err
	}
	return m, nil
}
