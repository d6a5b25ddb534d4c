// Package execcache implements C6: the two-tier idempotence cache keyed
// by a context fingerprint. Grounded on governance.GovernanceCache's
// SHA-256 "identity+payload" fingerprinting (GenerateIntentFingerprint),
// generalized from a single in-process map to an L1 LRU (container/list
// + map, evicted on capacity the way ghostpool bounds its container
// pool) backed by an L2 distributed tier (internal/infra.Store) guarded
// by a circuit breaker, with tenant/intent secondary indexes for bulk
// invalidation.
package execcache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ocx/cognigate/internal/circuitbreaker"
	"github.com/ocx/cognigate/internal/infra"
)

const (
	keyPrefix    = "cognigate:cache:"
	tenantSetFmt = "cognigate:cache:idx:tenant:%s"
	intentSetFmt = "cognigate:cache:idx:intent:%s"
)

// Fingerprint computes the context fingerprint from spec.md §4.6: a
// SHA-256 hash over tenant, intent type and the intent's JSON-encoded
// context payload. encoding/json writes map keys in sorted order, so the
// hash does not depend on key order; every context field, including any
// timestamp or nonce, is part of the hash.
func Fingerprint(tenantID, intentType string, context map[string]interface{}) (string, error) {
	payload, err := json.Marshal(context)
	if err != nil {
		return "", fmt.Errorf("marshal cache context: %w", err)
	}
	data := fmt.Sprintf("%s:%s:%s", tenantID, intentType, payload)
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:]), nil
}

// entry is one cached result plus the bookkeeping needed to invalidate it.
type entry struct {
	key        string
	value      []byte
	tenantID   string
	intentType string
	expires    time.Time
}

// lru is a bounded, mutex-guarded least-recently-used cache.
type lru struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List // front = most recently used
}

func newLRU(capacity int) *lru {
	return &lru{capacity: capacity, items: make(map[string]*list.Element), order: list.New()}
}

func (l *lru) get(key string, now time.Time) (*entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	elem, ok := l.items[key]
	if !ok {
		return nil, false
	}
	e := elem.Value.(*entry)
	if !e.expires.IsZero() && e.expires.Before(now) {
		l.order.Remove(elem)
		delete(l.items, key)
		return nil, false
	}
	l.order.MoveToFront(elem)
	return e, true
}

func (l *lru) put(e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if elem, ok := l.items[e.key]; ok {
		l.order.Remove(elem)
	}
	l.items[e.key] = l.order.PushFront(e)
	for l.order.Len() > l.capacity {
		back := l.order.Back()
		if back == nil {
			break
		}
		l.order.Remove(back)
		delete(l.items, back.Value.(*entry).key)
	}
}

func (l *lru) remove(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if elem, ok := l.items[key]; ok {
		l.order.Remove(elem)
		delete(l.items, key)
	}
}

func (l *lru) clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = make(map[string]*list.Element)
	l.order = list.New()
}

// sweepExpired drops every L1 entry whose expiry has passed, returning
// how many were removed.
func (l *lru) sweepExpired(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for e := l.order.Front(); e != nil; {
		next := e.Next()
		item := e.Value.(*entry)
		if !item.expires.IsZero() && item.expires.Before(now) {
			l.order.Remove(e)
			delete(l.items, item.key)
			removed++
		}
		e = next
	}
	return removed
}

// sweep drops every L1 entry indexed under tenantID or intentType, used
// to keep L1 consistent when an L2-wide invalidation happens. Returns the
// removed keys so callers can also clean up L2.
func (l *lru) sweep(tenantID, intentType string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var removed []string
	for e := l.order.Front(); e != nil; {
		next := e.Next()
		item := e.Value.(*entry)
		if (tenantID != "" && item.tenantID == tenantID) || (intentType != "" && item.intentType == intentType) {
			removed = append(removed, item.key)
			l.order.Remove(e)
			delete(l.items, item.key)
		}
		e = next
	}
	return removed
}

// Cache is the two-tier idempotence cache.
type Cache struct {
	l1      *lru
	l2      infra.Store
	breaker *circuitbreaker.CircuitBreaker
	l2TTL   time.Duration
}

// New builds a Cache with the given L1 capacity, an optional L2 store
// (nil disables the distributed tier), an optional circuit breaker
// guarding L2 calls, and the TTL used for writes whose caller passes
// none and for L2 hits promoted into L1.
func New(l1Capacity int, l2 infra.Store, breaker *circuitbreaker.CircuitBreaker, l2TTL time.Duration) *Cache {
	return &Cache{l1: newLRU(l1Capacity), l2: l2, breaker: breaker, l2TTL: l2TTL}
}

func cacheKey(fingerprint string) string { return keyPrefix + fingerprint }

// Get checks L1 first, then L2 on an L1 miss, promoting an L2 hit back
// into L1. v must be a pointer; on a hit the cached JSON is unmarshalled
// into it.
func (c *Cache) Get(ctx context.Context, fingerprint string, v interface{}) (bool, error) {
	now := time.Now()
	if e, ok := c.l1.get(fingerprint, now); ok {
		return true, json.Unmarshal(e.value, v)
	}

	if c.l2 == nil {
		return false, nil
	}

	raw, err := c.l2Get(ctx, cacheKey(fingerprint))
	if err != nil {
		if err == infra.ErrNotFound {
			return false, nil
		}
		return false, nil // L2 unavailable: degrade to a cache miss, never fail the caller
	}

	if err := json.Unmarshal(raw, v); err != nil {
		// A malformed L2 value is deleted and counted as a miss rather
		// than surfaced; the execution path must not fail on cache state.
		_ = c.l2.Del(ctx, cacheKey(fingerprint))
		return false, nil
	}
	c.l1.put(&entry{key: fingerprint, value: raw, expires: now.Add(c.l2TTL)})
	return true, nil
}

func (c *Cache) l2Get(ctx context.Context, key string) ([]byte, error) {
	if c.breaker == nil {
		return c.l2.Get(ctx, key)
	}
	res, err := c.breaker.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return c.l2.Get(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return res.([]byte), nil
}

// Set writes v to L1 and (if present) L2, indexing the key under
// tenantID and intentType so InvalidateTenant/InvalidateByIntent can
// sweep it later.
func (c *Cache) Set(ctx context.Context, fingerprint, tenantID, intentType string, v interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal cache value: %w", err)
	}
	if ttl <= 0 {
		ttl = c.l2TTL
	}

	c.l1.put(&entry{key: fingerprint, value: raw, tenantID: tenantID, intentType: intentType, expires: time.Now().Add(ttl)})

	if c.l2 == nil {
		return nil
	}

	// Entries expire at the logical TTL; the index sets below carry no
	// expiry of their own, so they always outlive the entries they point
	// at and a bulk invalidation never misses a still-live key.
	key := cacheKey(fingerprint)
	setFn := func(ctx context.Context) (interface{}, error) {
		return nil, c.l2.Set(ctx, key, raw, ttl)
	}
	if c.breaker != nil {
		if _, err := c.breaker.ExecuteContext(ctx, setFn); err != nil {
			return nil // L2 write failure degrades silently; L1 still has it
		}
	} else if _, err := setFn(ctx); err != nil {
		return nil
	}

	if tenantID != "" {
		_ = c.l2.SAdd(ctx, fmt.Sprintf(tenantSetFmt, tenantID), key)
	}
	if intentType != "" {
		_ = c.l2.SAdd(ctx, fmt.Sprintf(intentSetFmt, intentType), key)
	}
	return nil
}

// Invalidate drops a single fingerprint from both tiers.
func (c *Cache) Invalidate(ctx context.Context, fingerprint string) error {
	c.l1.remove(fingerprint)
	if c.l2 == nil {
		return nil
	}
	return c.l2.Del(ctx, cacheKey(fingerprint))
}

// InvalidateTenant drops every cached entry belonging to tenantID.
func (c *Cache) InvalidateTenant(ctx context.Context, tenantID string) error {
	c.l1.sweep(tenantID, "")
	if c.l2 == nil {
		return nil
	}
	setKey := fmt.Sprintf(tenantSetFmt, tenantID)
	members, err := c.l2.SMembers(ctx, setKey)
	if err != nil {
		return err
	}
	// L2 hits promoted into L1 carry no tenant, so the sweep above misses them.
	for _, m := range members {
		c.l1.remove(strings.TrimPrefix(m, keyPrefix))
	}
	if len(members) > 0 {
		if err := c.l2.Del(ctx, members...); err != nil {
			return err
		}
	}
	return c.l2.Del(ctx, setKey)
}

// InvalidateByIntent drops every cached entry for intentType.
func (c *Cache) InvalidateByIntent(ctx context.Context, intentType string) error {
	c.l1.sweep("", intentType)
	if c.l2 == nil {
		return nil
	}
	setKey := fmt.Sprintf(intentSetFmt, intentType)
	members, err := c.l2.SMembers(ctx, setKey)
	if err != nil {
		return err
	}
	// L2 hits promoted into L1 carry no intent type, so the sweep above misses them.
	for _, m := range members {
		c.l1.remove(strings.TrimPrefix(m, keyPrefix))
	}
	if len(members) > 0 {
		if err := c.l2.Del(ctx, members...); err != nil {
			return err
		}
	}
	return c.l2.Del(ctx, setKey)
}

// Clear drops every L1 entry. L2 is left alone: it's shared across
// engine instances and a local process restart shouldn't blow it away.
func (c *Cache) Clear() {
	c.l1.clear()
}

// StartSweeper launches the periodic L1 expiry sweep and returns a stop
// function (idempotent). Expired entries are also dropped lazily on Get;
// the sweep bounds how long an untouched expired entry occupies a slot.
func (c *Cache) StartSweeper(interval time.Duration) func() {
	if interval <= 0 {
		interval = time.Minute
	}
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.l1.sweepExpired(time.Now())
			case <-stop:
				return
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }
}
