package handlerregistry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/cognigate/internal/types"
)

func noopHandler(ctx types.ExecutionContext, cancel <-chan struct{}) (map[string]interface{}, error) {
	return nil, nil
}

func def(name string, intentTypes ...string) types.HandlerDefinition {
	return types.HandlerDefinition{
		Name: name, Version: "1.0.0", IntentTypes: intentTypes, Handler: noopHandler,
	}
}

func TestRegisterAndResolve(t *testing.T) {
	r := New()
	_, err := r.Register(def("h1", "widget.create"))
	require.NoError(t, err)

	reg, err := r.Resolve("widget.create")
	require.NoError(t, err)
	assert.Equal(t, "h1", reg.Definition.Name)
}

func TestRegisterRejectsMissingVersion(t *testing.T) {
	r := New()
	_, err := r.Register(types.HandlerDefinition{
		Name: "h1", IntentTypes: []string{"x"}, Handler: noopHandler,
	})
	assert.Error(t, err)
}

func TestRegisterRejectsInvalidRetryPolicy(t *testing.T) {
	r := New()
	d := def("h1", "x")
	d.RetryPolicy = &types.RetryPolicy{MaxRetries: 3, BackoffMs: 100, BackoffMultiplier: 2, MaxBackoffMs: 50}
	_, err := r.Register(d)
	assert.Error(t, err)
}

func TestResolveFallsBackToDefault(t *testing.T) {
	r := New()
	_, err := r.Register(def("fallback", "*"))
	require.NoError(t, err)

	reg, err := r.Resolve("unregistered.type")
	require.NoError(t, err)
	assert.Equal(t, "fallback", reg.Definition.Name)
}

func TestResolveNoHandler(t *testing.T) {
	r := New()
	_, err := r.Resolve("nothing.registered")
	assert.Error(t, err)
}

func TestResolveTieBreaksByFailureRateThenName(t *testing.T) {
	r := New()
	_, _ = r.Register(def("b", "x"))
	_, _ = r.Register(def("a", "x"))

	r.RecordExecution("b", true, 10)
	r.RecordExecution("a", true, 10)

	reg, err := r.Resolve("x")
	require.NoError(t, err)
	assert.Equal(t, "a", reg.Definition.Name)
}

func TestResolvePrefersLowerAverageDuration(t *testing.T) {
	r := New()
	_, _ = r.Register(def("slow", "x"))
	_, _ = r.Register(def("fast", "x"))

	r.RecordExecution("slow", true, 500)
	r.RecordExecution("fast", true, 5)

	reg, err := r.Resolve("x")
	require.NoError(t, err)
	assert.Equal(t, "fast", reg.Definition.Name)
}

func TestResolveWithPriorityFiltersByTimeout(t *testing.T) {
	r := New()
	small := def("small", "x")
	small.DefaultLimits.TimeoutMs = 100
	big := def("big", "x")
	big.DefaultLimits.TimeoutMs = 10000
	_, _ = r.Register(small)
	_, _ = r.Register(big)

	reg, err := r.ResolveWithPriority("x", 5000)
	require.NoError(t, err)
	assert.Equal(t, "big", reg.Definition.Name)

	_, err = r.ResolveWithPriority("x", 50000)
	assert.Error(t, err)
}

func TestDrainStopsResolution(t *testing.T) {
	r := New()
	_, _ = r.Register(def("h", "x"))
	require.NoError(t, r.Drain("h"))

	_, err := r.Resolve("x")
	assert.Error(t, err)
}

func TestDrainAndWaitBlocksUntilInFlightZero(t *testing.T) {
	r := New()
	_, _ = r.Register(def("h", "x"))
	r.BeginInvocation("h")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(120 * time.Millisecond)
		r.EndInvocation("h")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.DrainAndWait(ctx, "h"))
	wg.Wait()

	reg, ok := r.GetByName("h")
	require.True(t, ok)
	assert.Equal(t, types.HandlerInactive, reg.State)
}

func TestDrainAndWaitTimesOut(t *testing.T) {
	r := New()
	_, _ = r.Register(def("h", "x"))
	r.BeginInvocation("h")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.Error(t, r.DrainAndWait(ctx, "h"))
}

func TestCheckHealthDemotesAfterThreeConsecutiveFailures(t *testing.T) {
	r := New()
	healthy := false
	d := def("h", "x")
	d.HealthCheck = func() bool { return healthy }
	_, _ = r.Register(d)

	for i := 0; i < 2; i++ {
		ok, err := r.CheckHealth("h")
		require.NoError(t, err)
		assert.False(t, ok)
		reg, _ := r.GetByName("h")
		assert.Equal(t, types.HandlerActive, reg.State, "still active after %d failures", i+1)
	}

	_, err := r.CheckHealth("h")
	require.NoError(t, err)
	reg, _ := r.GetByName("h")
	assert.Equal(t, types.HandlerDegraded, reg.State)

	healthy = true
	_, err = r.CheckHealth("h")
	require.NoError(t, err)
	reg, _ = r.GetByName("h")
	assert.Equal(t, types.HandlerActive, reg.State)
	assert.Equal(t, 0, reg.ConsecutiveHealth)
}

func TestCheckAllHealth(t *testing.T) {
	r := New()
	good := def("good", "x")
	good.HealthCheck = func() bool { return true }
	bad := def("bad", "y")
	bad.HealthCheck = func() bool { return false }
	_, _ = r.Register(good)
	_, _ = r.Register(bad)

	verdicts := r.CheckAllHealth()
	assert.True(t, verdicts["good"])
	assert.False(t, verdicts["bad"])
}

func TestUnregisterRemovesFromIndexes(t *testing.T) {
	r := New()
	_, _ = r.Register(def("h", "x"))
	require.NoError(t, r.Unregister("h"))

	_, ok := r.GetByName("h")
	assert.False(t, ok)
	_, err := r.Resolve("x")
	assert.Error(t, err)
}
