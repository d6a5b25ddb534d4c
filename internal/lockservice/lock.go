// Package lockservice implements C1, the distributed lock used to
// serialize access to a named resource across engine instances. It binds
// to the Store boundary (Redis in production, an in-memory map for
// local/dev and tests) the way escrow.EscrowGate binds a mutex-guarded map
// to per-item release channels, generalized from a single in-process
// barrier to a cross-process compare-and-delete/compare-and-set-expiry
// protocol guarded by a circuit breaker.
package lockservice

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	rand2 "math/rand"
	"sync"
	"time"

	"github.com/ocx/cognigate/internal/cgerrors"
	"github.com/ocx/cognigate/internal/circuitbreaker"
	"github.com/ocx/cognigate/internal/infra"
)

const (
	// MinTTL and MaxTTL clamp every acquire/extend per spec.md §4.1.
	MinTTL = 100 * time.Millisecond
	MaxTTL = 300 * time.Second

	keyPrefix = "cognigate:lock:"
)

// AcquireOptions configures a single Acquire call.
type AcquireOptions struct {
	TTL                time.Duration
	Retries            int
	RetryDelay         time.Duration
	AcquisitionTimeout time.Duration
}

func (o AcquireOptions) withDefaults() AcquireOptions {
	out := o
	if out.TTL <= 0 {
		out.TTL = 10 * time.Second
	}
	if out.TTL < MinTTL {
		out.TTL = MinTTL
	}
	if out.TTL > MaxTTL {
		out.TTL = MaxTTL
	}
	if out.RetryDelay <= 0 {
		out.RetryDelay = 50 * time.Millisecond
	}
	if out.AcquisitionTimeout <= 0 {
		out.AcquisitionTimeout = 5 * time.Second
	}
	return out
}

// Service grants and releases distributed locks against a Store.
type Service struct {
	store   infra.Store
	breaker *circuitbreaker.CircuitBreaker
}

// New builds a Service backed by store, guarded by the named circuit
// breaker ("cognigate-lock-store" at the composition root).
func New(store infra.Store, breaker *circuitbreaker.CircuitBreaker) *Service {
	return &Service{store: store, breaker: breaker}
}

// Lock is a held lease on a resource. Every method is safe to call
// concurrently; Release is idempotent.
type Lock struct {
	svc       *Service
	resource  string
	token     []byte
	ttl       time.Duration
	expiresAt time.Time

	mu       sync.Mutex
	released bool
}

// driftFraction and clockSkewBudget are the margin IsValid subtracts from
// the lease's raw expiry per spec.md §4.1, so a caller treats the lease as
// expired slightly before the store actually evicts it.
const (
	driftFraction   = 0.01
	clockSkewBudget = 2 * time.Millisecond
)

// IsValid reports whether this lease is still advisory-valid: the local
// clock is before expiresAt minus a 1% drift margin and a 2ms clock-skew
// budget. This is advisory only — the store's TTL is the source of truth
// for whether another owner can acquire the resource; IsValid lets a
// caller holding a Lock decide whether to keep working without another
// round trip to the store.
func (l *Lock) IsValid() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return false
	}
	margin := time.Duration(float64(l.ttl)*driftFraction) + clockSkewBudget
	return time.Now().Before(l.expiresAt.Add(-margin))
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func lockKey(resource string) string {
	return keyPrefix + resource
}

// Acquire blocks (subject to opts.AcquisitionTimeout and ctx) until the
// resource's lock is obtained or the attempt budget is exhausted.
func (s *Service) Acquire(ctx context.Context, resource string, opts AcquireOptions) (*Lock, error) {
	opts = opts.withDefaults()

	acqCtx := ctx
	var cancel context.CancelFunc
	if opts.AcquisitionTimeout > 0 {
		acqCtx, cancel = context.WithTimeout(ctx, opts.AcquisitionTimeout)
		defer cancel()
	}

	token, err := newToken()
	if err != nil {
		return nil, cgerrors.New(cgerrors.KindResourceExhausted, "LOCK_TOKEN_FAILED", "failed to generate lock token").Wrap(err)
	}
	tokenBytes := []byte(token)
	key := lockKey(resource)

	attempts := opts.Retries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		acquired, err := s.setNX(acqCtx, key, tokenBytes, opts.TTL)
		if err == nil && acquired {
			return &Lock{svc: s, resource: resource, token: tokenBytes, ttl: opts.TTL, expiresAt: time.Now().Add(opts.TTL)}, nil
		}
		if err != nil && !isTransient(err) {
			return nil, cgerrors.New(cgerrors.KindDatabase, "LOCK_STORE_ERROR", "lock store operation failed").Wrap(err)
		}

		select {
		case <-acqCtx.Done():
			return nil, cgerrors.New(cgerrors.KindConflict, "LOCK_ACQUIRE_TIMEOUT", fmt.Sprintf("could not acquire lock on %q", resource)).Wrap(acqCtx.Err())
		case <-time.After(jitter(opts.RetryDelay)):
		}
	}

	return nil, cgerrors.New(cgerrors.KindConflict, "LOCK_HELD", fmt.Sprintf("lock on %q is held", resource))
}

func jitter(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	spread := base / 2
	return base - spread/2 + time.Duration(rand2.Int63n(int64(spread)+1))
}

func isTransient(err error) bool {
	return err != infra.ErrNotFound
}

func (s *Service) setNX(ctx context.Context, key string, token []byte, ttl time.Duration) (bool, error) {
	if s.breaker == nil {
		return s.store.SetNX(ctx, key, token, ttl)
	}
	res, err := s.breaker.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return s.store.SetNX(ctx, key, token, ttl)
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

// Release drops the lock if this Lock instance still holds it. Safe to
// call more than once and safe to call from a deferred recover() path.
func (l *Lock) Release(ctx context.Context) error {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return nil
	}
	l.released = true
	l.mu.Unlock()

	key := lockKey(l.resource)
	var ok bool
	var err error
	if l.svc.breaker != nil {
		var res interface{}
		res, err = l.svc.breaker.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
			return l.svc.store.CompareAndDelete(ctx, key, l.token)
		})
		if err == nil {
			ok = res.(bool)
		}
	} else {
		ok, err = l.svc.store.CompareAndDelete(ctx, key, l.token)
	}
	if err != nil {
		return cgerrors.New(cgerrors.KindDatabase, "LOCK_RELEASE_ERROR", "failed to release lock").Wrap(err)
	}
	if !ok {
		return cgerrors.New(cgerrors.KindConflict, "LOCK_NOT_HELD", fmt.Sprintf("lock on %q was not held by this owner at release time", l.resource))
	}
	return nil
}

// Extend pushes the lock's expiry out by ttl (clamped to [MinTTL, MaxTTL])
// provided this Lock instance still holds it.
func (l *Lock) Extend(ctx context.Context, ttl time.Duration) error {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return cgerrors.New(cgerrors.KindConflict, "LOCK_ALREADY_RELEASED", fmt.Sprintf("lock on %q already released", l.resource))
	}
	l.mu.Unlock()

	if ttl < MinTTL {
		ttl = MinTTL
	}
	if ttl > MaxTTL {
		ttl = MaxTTL
	}

	key := lockKey(l.resource)
	var ok bool
	var err error
	if l.svc.breaker != nil {
		var res interface{}
		res, err = l.svc.breaker.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
			return l.svc.store.CompareAndSetExpiry(ctx, key, l.token, ttl)
		})
		if err == nil {
			ok = res.(bool)
		}
	} else {
		ok, err = l.svc.store.CompareAndSetExpiry(ctx, key, l.token, ttl)
	}
	if err != nil {
		return cgerrors.New(cgerrors.KindDatabase, "LOCK_EXTEND_ERROR", "failed to extend lock").Wrap(err)
	}
	if !ok {
		return cgerrors.New(cgerrors.KindConflict, "LOCK_LOST", fmt.Sprintf("lock on %q was lost before extend", l.resource))
	}
	l.mu.Lock()
	l.ttl = ttl
	l.expiresAt = time.Now().Add(ttl)
	l.mu.Unlock()
	return nil
}

// Resource returns the resource name this lock guards.
func (l *Lock) Resource() string { return l.resource }

// WithLock acquires the lock, runs fn, and releases the lock on every exit
// path including a panic inside fn — the lock is never leaked.
func (s *Service) WithLock(ctx context.Context, resource string, opts AcquireOptions, fn func(ctx context.Context) error) error {
	lock, err := s.Acquire(ctx, resource, opts)
	if err != nil {
		return err
	}
	defer func() {
		relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = lock.Release(relCtx)
	}()

	return fn(ctx)
}
