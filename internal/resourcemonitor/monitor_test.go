package resourcemonitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/cognigate/internal/types"
)

func TestCheckNoSignalsUnderLimits(t *testing.T) {
	m := New()
	now := time.Now()
	m.Track("exec-1", types.ResourceLimits{
		MaxMemoryMB: 512, MaxCPUPercent: 90, TimeoutMs: 10000,
		MaxNetworkRequests: 10, MaxFilesystemOps: 10, MaxConcurrentOps: 5, MaxPayloadBytes: 1 << 20,
	}, now.Add(10*time.Second))

	m.Sample("exec-1", types.ResourceUsage{PeakMemoryMB: 100, CPUMs: 500, WallMs: 1000})
	signals := m.Check("exec-1", now)
	assert.Empty(t, signals)
}

func TestCheckMemoryCriticalViolation(t *testing.T) {
	m := New()
	now := time.Now()
	m.Track("exec-2", types.ResourceLimits{MaxMemoryMB: 100, MaxCPUPercent: 100, TimeoutMs: 10000}, now.Add(10*time.Second))
	m.Sample("exec-2", types.ResourceUsage{PeakMemoryMB: 150})

	signals := m.Check("exec-2", now)
	require.NotEmpty(t, signals)
	assert.True(t, HasCritical(signals))
	assert.Equal(t, types.ViolationMemory, signals[0].Violation.Type)
}

func TestCheckDeadlineExceeded(t *testing.T) {
	m := New()
	now := time.Now()
	m.Track("exec-3", types.ResourceLimits{MaxMemoryMB: 100, MaxCPUPercent: 100, TimeoutMs: 1000}, now.Add(-time.Second))

	signals := m.Check("exec-3", now)
	require.NotEmpty(t, signals)
	assert.Equal(t, types.ViolationDeadline, signals[0].Violation.Type)
	assert.Equal(t, SignalCritical, signals[0].Level)
}

func TestRecordNetworkAccumulatesCountAndBytes(t *testing.T) {
	m := New()
	m.Track("exec-5", types.ResourceLimits{MaxNetworkRequests: 10, MaxPayloadBytes: 1 << 20}, time.Now().Add(time.Second))

	m.RecordNetwork("exec-5", 100, 200)
	m.RecordNetwork("exec-5", 50, 75)

	usage, ok := m.Usage("exec-5")
	require.True(t, ok)
	assert.Equal(t, 2, usage.NetworkCount)
	assert.Equal(t, int64(150), usage.NetworkBytesIn)
	assert.Equal(t, int64(275), usage.NetworkBytesOut)
}

func TestRecordFilesystemAccumulatesReadsAndWrites(t *testing.T) {
	m := New()
	m.Track("exec-6", types.ResourceLimits{MaxFilesystemOps: 10}, time.Now().Add(time.Second))

	m.RecordFilesystem("exec-6", 2, 1)
	m.RecordFilesystem("exec-6", 0, 3)

	usage, ok := m.Usage("exec-6")
	require.True(t, ok)
	assert.Equal(t, 2, usage.FilesystemReads)
	assert.Equal(t, 4, usage.FilesystemWrites)
}

func TestRecordMemoryTracksPeak(t *testing.T) {
	m := New()
	m.Track("exec-7", types.ResourceLimits{MaxMemoryMB: 512}, time.Now().Add(time.Second))

	m.RecordMemory("exec-7", 100)
	m.RecordMemory("exec-7", 50)
	m.RecordMemory("exec-7", 80)

	usage, ok := m.Usage("exec-7")
	require.True(t, ok)
	assert.Equal(t, 80, usage.CurrentMemoryMB)
	assert.Equal(t, 100, usage.PeakMemoryMB)
}

func TestUntrackRemovesLedger(t *testing.T) {
	m := New()
	m.Track("exec-4", types.ResourceLimits{MaxMemoryMB: 100, MaxCPUPercent: 100, TimeoutMs: 1000}, time.Now().Add(time.Second))
	m.Untrack("exec-4")
	_, ok := m.Usage("exec-4")
	assert.False(t, ok)
}
