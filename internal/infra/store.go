package infra

import (
	"context"
	"time"
)

// Store is the distributed-store boundary of spec.md §6: atomic
// set-if-absent-with-expiry, compare-and-delete, compare-and-set-expiry,
// set membership, bounded-cursor scan, and plain get/set with TTL. C1
// (lock service), C6 (L2 cache tier) and C9 (queue dedup set) are all
// built against this single interface so either GoRedisAdapter or
// MemStore can back them.
type Store interface {
	// SetNX sets key=value with ttl only if key is absent. Returns true if
	// the set happened.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// CompareAndDelete deletes key only if its current value equals expect.
	// Returns true if the delete happened.
	CompareAndDelete(ctx context.Context, key string, expect []byte) (bool, error)

	// CompareAndSetExpiry extends key's TTL only if its current value
	// equals expect. Returns true if the extension happened.
	CompareAndSetExpiry(ctx context.Context, key string, expect []byte, ttl time.Duration) (bool, error)

	// Set and Get are plain TTL-backed key/value operations.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, keys ...string) error

	// SAdd/SRem/SMembers back the cache's tenant/intent index sets.
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	// Scan performs a bounded-cursor scan over keys matching pattern,
	// returning the next cursor (0 when exhausted).
	Scan(ctx context.Context, cursor uint64, pattern string, count int64) (keys []string, nextCursor uint64, err error)
}

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "key not found" }
