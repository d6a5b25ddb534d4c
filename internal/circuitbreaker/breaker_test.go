package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_TripsOnConsecutiveFailures(t *testing.T) {
	cfg := &Config{
		Name:        "test",
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     50 * time.Millisecond,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 3 },
	}
	cb := New(cfg)

	fail := func() (interface{}, error) { return nil, errors.New("boom") }

	for i := 0; i < 3; i++ {
		_, err := cb.Execute(fail)
		require.Error(t, err)
	}

	assert.Equal(t, StateOpen, cb.State())

	_, err := cb.Execute(func() (interface{}, error) { return "ok", nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreaker_HalfOpenRecovers(t *testing.T) {
	cfg := &Config{
		Name:        "test2",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     10 * time.Millisecond,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 1 },
	}
	cb := New(cfg)

	_, _ = cb.Execute(func() (interface{}, error) { return nil, errors.New("boom") })
	assert.Equal(t, StateOpen, cb.State())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	_, err := cb.Execute(func() (interface{}, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cfg := &Config{
		Name:        "test3",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     10 * time.Millisecond,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 1 },
	}
	cb := New(cfg)

	_, _ = cb.Execute(func() (interface{}, error) { return nil, errors.New("boom") })
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	_, err := cb.Execute(func() (interface{}, error) { return nil, errors.New("still broken") })
	require.Error(t, err)
	assert.Equal(t, StateOpen, cb.State())
}

func TestManager_GetCreatesAndReuses(t *testing.T) {
	m := NewManager(nil)
	cb1 := m.Get("a")
	cb2 := m.Get("a")
	assert.Same(t, cb1, cb2)
	assert.ElementsMatch(t, []string{"a"}, m.List())
}

func TestManager_HealthStatusReflectsOpenBreakers(t *testing.T) {
	m := NewManager(nil)
	cb := m.GetOrCreate("flaky", &Config{
		Name:        "flaky",
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 1 },
	})
	status, _ := m.HealthStatus()
	assert.Equal(t, "HEALTHY", status)

	_, _ = cb.Execute(func() (interface{}, error) { return nil, errors.New("x") })
	status, details := m.HealthStatus()
	assert.Equal(t, "DEGRADED", status)
	assert.Equal(t, "OPEN", details["flaky"])
}
