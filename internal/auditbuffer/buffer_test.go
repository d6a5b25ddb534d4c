package auditbuffer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/cognigate/internal/types"
)

type fakeSink struct {
	mu       sync.Mutex
	received []types.AuditEntry
	fail     bool
}

func (f *fakeSink) Persist(ctx context.Context, entries []types.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("sink down")
	}
	f.received = append(f.received, entries...)
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

func TestRecordFlushesOnBatchSize(t *testing.T) {
	sink := &fakeSink{}
	buf := New(Config{Capacity: 100, BatchSize: 3, FlushInterval: time.Hour}, sink, nil)
	defer buf.Shutdown(context.Background())

	for i := 0; i < 3; i++ {
		buf.Record(types.AuditEntry{ID: "a"})
	}

	require.Eventually(t, func() bool { return sink.count() == 3 }, time.Second, 10*time.Millisecond)
}

func TestDropOldestAtCapacity(t *testing.T) {
	sink := &fakeSink{fail: true}
	buf := New(Config{Capacity: 2, BatchSize: 100, FlushInterval: time.Hour}, sink, nil)
	defer buf.Shutdown(context.Background())

	buf.Record(types.AuditEntry{ID: "1"})
	buf.Record(types.AuditEntry{ID: "2"})
	buf.Record(types.AuditEntry{ID: "3"})

	assert.Equal(t, 2, buf.Pending())
	assert.Equal(t, uint64(1), buf.Dropped())
}

func TestShutdownFlushesRemaining(t *testing.T) {
	sink := &fakeSink{}
	buf := New(Config{Capacity: 100, BatchSize: 100, FlushInterval: time.Hour}, sink, nil)
	buf.Record(types.AuditEntry{ID: "1"})
	buf.Record(types.AuditEntry{ID: "2"})

	require.NoError(t, buf.Shutdown(context.Background()))
	assert.Equal(t, 2, sink.count())
	assert.Equal(t, 0, buf.Pending())
}
