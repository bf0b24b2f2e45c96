package wallet

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the wallet's prometheus collectors.
type Metrics struct {
	Transitions *prometheus.CounterVec
	Failures    *prometheus.CounterVec
	Running     *prometheus.GaugeVec
	Messages    *prometheus.CounterVec
}

// NewMetrics creates the wallet collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nitrowallet",
			Name:      "protocol_transitions_total",
			Help:      "Protocol state transitions by protocol and target state.",
		}, []string{"protocol", "state"}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nitrowallet",
			Name:      "protocol_failures_total",
			Help:      "Protocol instances that ended in failure.",
		}, []string{"protocol"}),
		Running: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nitrowallet",
			Name:      "protocol_instances_running",
			Help:      "Protocol instances currently running.",
		}, []string{"protocol"}),
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nitrowallet",
			Name:      "messages_total",
			Help:      "Peer messages by direction.",
		}, []string{"direction"}),
	}
	reg.MustRegister(m.Transitions, m.Failures, m.Running, m.Messages)
	return m
}

func (m *Metrics) observeTransition(protocol, _, to string) {
	m.Transitions.WithLabelValues(protocol, to).Inc()
}
