// Package metrics exposes Prometheus collectors for a connection manager.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "btserial"

type Metrics struct {
	state       *prometheus.GaugeVec
	transitions *prometheus.CounterVec
	status      *prometheus.CounterVec
	bytesRead   prometheus.Counter
	bytesWrite  prometheus.Counter
}

// New creates the collectors and registers them on reg when reg is non-nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state",
			Help:      "1 for the current connection state, 0 otherwise.",
		}, []string{"state"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "State transitions by source and destination state.",
		}, []string{"from", "to"}),
		status: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_events_total",
			Help:      "Status notifications emitted, by message.",
		}, []string{"message"}),
		bytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_bytes_total",
			Help:      "Bytes read from the connected peer.",
		}),
		bytesWrite: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "written_bytes_total",
			Help:      "Bytes written to the connected peer.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.state, m.transitions, m.status, m.bytesRead, m.bytesWrite)
	}
	return m
}

// Transition records a move from one state to another. An empty from marks
// the initial state.
func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	if from != "" {
		m.state.WithLabelValues(from).Set(0)
		m.transitions.WithLabelValues(from, to).Inc()
	}
	m.state.WithLabelValues(to).Set(1)
}

func (m *Metrics) Status(message string) {
	if m == nil {
		return
	}
	m.status.WithLabelValues(message).Inc()
}

func (m *Metrics) Read(n int) {
	if m == nil {
		return
	}
	m.bytesRead.Add(float64(n))
}

func (m *Metrics) Written(n int) {
	if m == nil {
		return
	}
	m.bytesWrite.Add(float64(n))
}
