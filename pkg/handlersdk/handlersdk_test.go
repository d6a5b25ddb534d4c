package handlersdk

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/cognigate/internal/types"
)

type fakePauser struct{ paused bool }

func (f *fakePauser) IsPaused(executionID string) bool { return f.paused }

type fakeTracker struct {
	mu      sync.Mutex
	current int
	peak    int
}

func (f *fakeTracker) AdjustConcurrentOps(executionID string, delta int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current += delta
	if f.current > f.peak {
		f.peak = f.current
	}
	return f.current
}

func TestCheckPausedReflectsPauser(t *testing.T) {
	pauser := &fakePauser{paused: true}
	handler := Adapt(func(ctx *Context) (map[string]interface{}, error) {
		return map[string]interface{}{"paused": ctx.CheckPaused()}, nil
	}, pauser, nil, nil)

	out, err := handler(types.ExecutionContext{ExecutionID: "e1"}, make(chan struct{}))
	require.NoError(t, err)
	assert.Equal(t, true, out["paused"])
}

func TestCheckPausedDefaultsFalseWithoutPauser(t *testing.T) {
	handler := Adapt(func(ctx *Context) (map[string]interface{}, error) {
		return map[string]interface{}{"paused": ctx.CheckPaused()}, nil
	}, nil, nil, nil)

	out, err := handler(types.ExecutionContext{ExecutionID: "e1"}, make(chan struct{}))
	require.NoError(t, err)
	assert.Equal(t, false, out["paused"])
}

func TestCancelledReflectsClosedChannel(t *testing.T) {
	cancel := make(chan struct{})
	close(cancel)

	var sawCancelled bool
	handler := Adapt(func(ctx *Context) (map[string]interface{}, error) {
		sawCancelled = ctx.Cancelled()
		return nil, nil
	}, nil, nil, nil)

	_, err := handler(types.ExecutionContext{ExecutionID: "e1"}, cancel)
	require.NoError(t, err)
	assert.True(t, sawCancelled)
}

func TestGoTracksConcurrencyAroundCall(t *testing.T) {
	tracker := &fakeTracker{}
	handler := Adapt(func(ctx *Context) (map[string]interface{}, error) {
		err := ctx.Go(func() error { return nil })
		return nil, err
	}, nil, tracker, nil)

	_, err := handler(types.ExecutionContext{ExecutionID: "e1"}, make(chan struct{}))
	require.NoError(t, err)
	assert.Equal(t, 1, tracker.peak)
	assert.Equal(t, 0, tracker.current)
}

type fakeResourceRecorder struct {
	mu            sync.Mutex
	networkCalls  int
	bytesIn       int64
	bytesOut      int64
	reads, writes int
	memMB         int
}

func (f *fakeResourceRecorder) RecordNetwork(executionID string, bytesIn, bytesOut int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.networkCalls++
	f.bytesIn += bytesIn
	f.bytesOut += bytesOut
}

func (f *fakeResourceRecorder) RecordFilesystem(executionID string, read, write int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads += read
	f.writes += write
}

func (f *fakeResourceRecorder) RecordMemory(executionID string, mb int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.memMB = mb
}

func TestRecordMethodsDelegateToResourceRecorder(t *testing.T) {
	rec := &fakeResourceRecorder{}
	handler := Adapt(func(ctx *Context) (map[string]interface{}, error) {
		ctx.RecordNetwork(10, 20)
		ctx.RecordFilesystem(1, 2)
		ctx.RecordMemory(64)
		return nil, nil
	}, nil, nil, rec)

	_, err := handler(types.ExecutionContext{ExecutionID: "e1"}, make(chan struct{}))
	require.NoError(t, err)
	assert.Equal(t, 1, rec.networkCalls)
	assert.Equal(t, int64(10), rec.bytesIn)
	assert.Equal(t, int64(20), rec.bytesOut)
	assert.Equal(t, 1, rec.reads)
	assert.Equal(t, 2, rec.writes)
	assert.Equal(t, 64, rec.memMB)
}

func TestRecordMethodsNoopWithoutRecorder(t *testing.T) {
	handler := Adapt(func(ctx *Context) (map[string]interface{}, error) {
		ctx.RecordNetwork(10, 20)
		ctx.RecordFilesystem(1, 2)
		ctx.RecordMemory(64)
		return nil, nil
	}, nil, nil, nil)

	_, err := handler(types.ExecutionContext{ExecutionID: "e1"}, make(chan struct{}))
	require.NoError(t, err)
}

func TestGoPropagatesError(t *testing.T) {
	tracker := &fakeTracker{}
	boom := assert.AnError
	handler := Adapt(func(ctx *Context) (map[string]interface{}, error) {
		return nil, ctx.Go(func() error { return boom })
	}, nil, tracker, nil)

	_, err := handler(types.ExecutionContext{ExecutionID: "e1"}, make(chan struct{}))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, tracker.current)
}
