package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordExecutionUpdatesCountersAndHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordExecution("echo", "completed", 0.25, 1)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.ExecutionsTotal.WithLabelValues("echo", "completed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ExecutionRetries.WithLabelValues("echo")))
}

func TestRecordCacheHitMiss(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordCache("l1", true)
	m.RecordCache("l1", false)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheHits.WithLabelValues("l1")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheMisses.WithLabelValues("l1")))
}

func TestSetCircuitStateMapsKnownStates(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SetCircuitState("cognigate-lock-store", "OPEN")
	assert.Equal(t, float64(2), testutil.ToFloat64(m.CircuitState.WithLabelValues("cognigate-lock-store")))
}

func TestReporterBuildHealthDegradesOnNonHealthyStatus(t *testing.T) {
	r := NewReporter("test")
	h := r.BuildHealth("DEGRADED", map[string]string{"x": "OPEN"}, 3)
	assert.Equal(t, HealthStatusDegraded, h.Status)
	assert.Equal(t, 3, h.ActiveCount)
}

func TestReporterBuildReadinessFailsOnAnyCheck(t *testing.T) {
	r := NewReporter("test")
	ready := r.BuildReadiness(
		Check("store", func() error { return nil }),
		Check("db", func() error { return errors.New("down") }),
	)
	require.False(t, ready.Ready)
	assert.Len(t, ready.Checks, 2)
}
