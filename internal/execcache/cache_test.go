package execcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/cognigate/internal/infra"
)

type sample struct {
	Value string `json:"value"`
}

func TestFingerprintStableForSameInput(t *testing.T) {
	ctx := map[string]interface{}{"a": 1, "b": "x"}
	f1, err := Fingerprint("t1", "widget.create", ctx)
	require.NoError(t, err)
	f2, err := Fingerprint("t1", "widget.create", ctx)
	require.NoError(t, err)
	assert.Equal(t, f1, f2)

	f3, _ := Fingerprint("t2", "widget.create", ctx)
	assert.NotEqual(t, f1, f3)
}

func TestSetGetRoundtripsThroughL1(t *testing.T) {
	c := New(10, nil, nil, time.Minute)
	fp, _ := Fingerprint("t1", "widget.create", nil)

	require.NoError(t, c.Set(context.Background(), fp, "t1", "widget.create", sample{Value: "hi"}, time.Minute))

	var out sample
	hit, err := c.Get(context.Background(), fp, &out)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "hi", out.Value)
}

func TestGetMissReturnsFalse(t *testing.T) {
	c := New(10, nil, nil, time.Minute)
	var out sample
	hit, err := c.Get(context.Background(), "unknown", &out)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestSetGetRoundtripsThroughL2(t *testing.T) {
	store := infra.NewMemStore()
	c := New(1, store, nil, time.Minute) // L1 capacity 1 forces an L2 round-trip after eviction
	fp1, _ := Fingerprint("t1", "a", nil)
	fp2, _ := Fingerprint("t1", "b", nil)

	require.NoError(t, c.Set(context.Background(), fp1, "t1", "a", sample{Value: "one"}, time.Minute))
	require.NoError(t, c.Set(context.Background(), fp2, "t1", "b", sample{Value: "two"}, time.Minute))

	var out sample
	hit, err := c.Get(context.Background(), fp1, &out) // evicted from L1, should come from L2
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "one", out.Value)
}

func TestExpiredEntryMisses(t *testing.T) {
	store := infra.NewMemStore()
	c := New(10, store, nil, time.Minute)
	fp, _ := Fingerprint("t1", "a", nil)

	require.NoError(t, c.Set(context.Background(), fp, "t1", "a", sample{Value: "soon-gone"}, 30*time.Millisecond))

	var out sample
	hit, err := c.Get(context.Background(), fp, &out)
	require.NoError(t, err)
	assert.True(t, hit)

	time.Sleep(60 * time.Millisecond)
	hit, err = c.Get(context.Background(), fp, &out)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestMalformedL2ValueIsDeletedAndMisses(t *testing.T) {
	store := infra.NewMemStore()
	c := New(1, store, nil, time.Minute)
	fp, _ := Fingerprint("t1", "a", nil)

	require.NoError(t, store.Set(context.Background(), cacheKey(fp), []byte("{not json"), time.Minute))

	var out sample
	hit, err := c.Get(context.Background(), fp, &out)
	require.NoError(t, err)
	assert.False(t, hit)

	_, err = store.Get(context.Background(), cacheKey(fp))
	assert.Equal(t, infra.ErrNotFound, err)
}

func TestSweepExpiredDropsOnlyStaleEntries(t *testing.T) {
	l := newLRU(10)
	now := time.Now()
	l.put(&entry{key: "stale", expires: now.Add(-time.Second)})
	l.put(&entry{key: "fresh", expires: now.Add(time.Minute)})
	l.put(&entry{key: "forever"})

	removed := l.sweepExpired(now)
	assert.Equal(t, 1, removed)
	_, ok := l.get("fresh", now)
	assert.True(t, ok)
	_, ok = l.get("forever", now)
	assert.True(t, ok)
	_, ok = l.get("stale", now)
	assert.False(t, ok)
}

func TestInvalidateTenantRemovesAllItsEntries(t *testing.T) {
	store := infra.NewMemStore()
	c := New(10, store, nil, time.Minute)
	fp1, _ := Fingerprint("t1", "a", nil)
	fp2, _ := Fingerprint("t1", "b", nil)

	require.NoError(t, c.Set(context.Background(), fp1, "t1", "a", sample{Value: "one"}, time.Minute))
	require.NoError(t, c.Set(context.Background(), fp2, "t1", "b", sample{Value: "two"}, time.Minute))

	require.NoError(t, c.InvalidateTenant(context.Background(), "t1"))

	var out sample
	hit, _ := c.Get(context.Background(), fp1, &out)
	assert.False(t, hit)
	hit, _ = c.Get(context.Background(), fp2, &out)
	assert.False(t, hit)
}
