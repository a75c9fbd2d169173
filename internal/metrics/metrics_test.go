package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionsAndState(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Transition("", "idle")
	m.Transition("idle", "listening")
	m.Transition("listening", "idle")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.state.WithLabelValues("idle")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.state.WithLabelValues("listening")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("idle", "listening")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("listening", "idle")))

	n, err := testutil.GatherAndCount(reg, "btserial_state_transitions_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestBytesAndStatus(t *testing.T) {
	m := New(nil)
	m.Read(4)
	m.Read(6)
	m.Written(3)
	m.Status("Device connection was lost")

	assert.Equal(t, 10.0, testutil.ToFloat64(m.bytesRead))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.bytesWrite))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.status.WithLabelValues("Device connection was lost")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Transition("idle", "connected")
		m.Status("x")
		m.Read(1)
		m.Written(1)
	})
}
