package infra

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemStore is a pure in-memory Store backing local/dev mode and tests,
// guarded by a single mutex the way economics.Wallet guards its ledger.
type MemStore struct {
	mu   sync.Mutex
	data map[string]memEntry
	sets map[string]map[string]struct{}
}

type memEntry struct {
	value   []byte
	expires time.Time // zero means no expiry
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		data: make(map[string]memEntry),
		sets: make(map[string]map[string]struct{}),
	}
}

func (m *MemStore) expired(e memEntry, now time.Time) bool {
	return !e.expires.IsZero() && e.expires.Before(now)
}

func (m *MemStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = m.entry(value, ttl)
	return nil
}

func (m *MemStore) entry(value []byte, ttl time.Duration) memEntry {
	e := memEntry{value: value}
	if ttl > 0 {
		e.expires = time.Now().Add(ttl)
	}
	return e
}

func (m *MemStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[key]
	if !ok || m.expired(e, time.Now()) {
		delete(m.data, key)
		return nil, ErrNotFound
	}
	return e.value, nil
}

func (m *MemStore) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

func (m *MemStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.data[key]; ok && !m.expired(e, time.Now()) {
		return false, nil
	}
	m.data[key] = m.entry(value, ttl)
	return true, nil
}

func (m *MemStore) CompareAndDelete(ctx context.Context, key string, expect []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[key]
	if !ok || m.expired(e, time.Now()) || string(e.value) != string(expect) {
		return false, nil
	}
	delete(m.data, key)
	return true, nil
}

func (m *MemStore) CompareAndSetExpiry(ctx context.Context, key string, expect []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[key]
	if !ok || m.expired(e, time.Now()) || string(e.value) != string(expect) {
		return false, nil
	}
	e.expires = time.Now().Add(ttl)
	m.data[key] = e
	return true, nil
}

func (m *MemStore) SAdd(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	for _, mem := range members {
		set[mem] = struct{}{}
	}
	return nil
}

func (m *MemStore) SRem(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok {
		return nil
	}
	for _, mem := range members {
		delete(set, mem)
	}
	if len(set) == 0 {
		delete(m.sets, key)
	}
	return nil
}

func (m *MemStore) SMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok {
		return nil, nil
	}
	out := make([]string, 0, len(set))
	for mem := range set {
		out = append(out, mem)
	}
	return out, nil
}

// Scan ignores the cursor protocol entirely and returns every matching key
// in one pass (next cursor always 0): adequate for the small local/dev and
// test datasets this store is meant for, not for production scale.
func (m *MemStore) Scan(ctx context.Context, cursor uint64, pattern string, count int64) ([]string, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := strings.TrimSuffix(pattern, "*")
	now := time.Now()
	var out []string
	for k, e := range m.data {
		if m.expired(e, now) {
			continue
		}
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, 0, nil
}

var _ Store = (*MemStore)(nil)
