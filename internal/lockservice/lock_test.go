package lockservice

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/cognigate/internal/infra"
)

func TestAcquireRelease(t *testing.T) {
	svc := New(infra.NewMemStore(), nil)

	lock, err := svc.Acquire(context.Background(), "res-1", AcquireOptions{TTL: time.Second})
	require.NoError(t, err)
	require.NotNil(t, lock)

	require.NoError(t, lock.Release(context.Background()))
	// double release is a no-op
	require.NoError(t, lock.Release(context.Background()))
}

func TestAcquireConflict(t *testing.T) {
	svc := New(infra.NewMemStore(), nil)

	lock, err := svc.Acquire(context.Background(), "res-2", AcquireOptions{TTL: time.Second})
	require.NoError(t, err)
	defer lock.Release(context.Background())

	_, err = svc.Acquire(context.Background(), "res-2", AcquireOptions{
		TTL:                50 * time.Millisecond,
		Retries:            1,
		RetryDelay:         10 * time.Millisecond,
		AcquisitionTimeout: 100 * time.Millisecond,
	})
	assert.Error(t, err)
}

func TestExtendRequiresOwnership(t *testing.T) {
	svc := New(infra.NewMemStore(), nil)

	lock, err := svc.Acquire(context.Background(), "res-3", AcquireOptions{TTL: time.Second})
	require.NoError(t, err)

	require.NoError(t, lock.Extend(context.Background(), 2*time.Second))
	require.NoError(t, lock.Release(context.Background()))

	err = lock.Extend(context.Background(), time.Second)
	assert.Error(t, err)
}

func TestIsValidReflectsDriftMarginAndExpiry(t *testing.T) {
	svc := New(infra.NewMemStore(), nil)

	lock, err := svc.Acquire(context.Background(), "res-valid", AcquireOptions{TTL: 100 * time.Millisecond})
	require.NoError(t, err)
	defer lock.Release(context.Background())

	assert.True(t, lock.IsValid())

	// past the TTL (and well past the 1%+2ms drift margin), the lease
	// reports invalid even though no Release has happened.
	time.Sleep(150 * time.Millisecond)
	assert.False(t, lock.IsValid())
}

func TestIsValidFalseAfterRelease(t *testing.T) {
	svc := New(infra.NewMemStore(), nil)

	lock, err := svc.Acquire(context.Background(), "res-valid-2", AcquireOptions{TTL: time.Second})
	require.NoError(t, err)

	require.NoError(t, lock.Release(context.Background()))
	assert.False(t, lock.IsValid())
}

func TestIsValidExtendsAfterExtend(t *testing.T) {
	svc := New(infra.NewMemStore(), nil)

	lock, err := svc.Acquire(context.Background(), "res-valid-3", AcquireOptions{TTL: 50 * time.Millisecond})
	require.NoError(t, err)
	defer lock.Release(context.Background())

	require.NoError(t, lock.Extend(context.Background(), time.Second))

	time.Sleep(80 * time.Millisecond)
	assert.True(t, lock.IsValid())
}

func TestWithLockReleasesOnPanic(t *testing.T) {
	svc := New(infra.NewMemStore(), nil)

	func() {
		defer func() { _ = recover() }()
		_ = svc.WithLock(context.Background(), "res-4", AcquireOptions{TTL: time.Second}, func(ctx context.Context) error {
			panic("boom")
		})
	}()

	lock, err := svc.Acquire(context.Background(), "res-4", AcquireOptions{TTL: time.Second})
	require.NoError(t, err)
	assert.NoError(t, lock.Release(context.Background()))
}
