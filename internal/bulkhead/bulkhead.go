// Package bulkhead implements C5: nested global/tenant/handler
// concurrency slot pools with a FIFO wait queue, per spec.md §4.5.
// Grounded on ghostpool.PoolManager's channel-as-slot-pool idiom,
// generalized from a single pool of container slots to three nested
// pools (global, then tenant, then handler) each with its own capacity,
// plus an explicit FIFO wait list (container/list, the way
// webhooks.Dispatcher queues retries) so callers can be released in
// submission order rather than relying on runtime channel-wait fairness
// alone.
package bulkhead

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ocx/cognigate/internal/cgerrors"
)

// semaphore is a counting semaphore with an explicit, depth-bounded FIFO
// wait queue.
type semaphore struct {
	mu        sync.Mutex
	capacity  int
	maxQueued int
	inUse     int
	waiters   *list.List // of chan struct{}
	rejected  uint64
}

func newSemaphore(capacity, maxQueued int) *semaphore {
	return &semaphore{capacity: capacity, maxQueued: maxQueued, waiters: list.New()}
}

// errQueueFull signals a synchronous rejection: the level's wait queue
// was already at maxQueued, so acquire never enqueued a waiter at all.
var errQueueFull = fmt.Errorf("bulkhead queue full")

// acquire blocks until a slot is free or ctx is done. Waiters are granted
// slots in FIFO submission order. If the queue is already at maxQueued
// when no slot is immediately free, acquire rejects synchronously instead
// of enqueuing — maxQueued=0 means a full level rejects immediately with
// no wait at all, per spec.md's bulkhead-rejected scenario.
func (s *semaphore) acquire(ctx context.Context) error {
	s.mu.Lock()
	if s.inUse < s.capacity && s.waiters.Len() == 0 {
		s.inUse++
		s.mu.Unlock()
		return nil
	}

	if s.waiters.Len() >= s.maxQueued {
		s.rejected++
		s.mu.Unlock()
		return errQueueFull
	}

	ch := make(chan struct{})
	elem := s.waiters.PushBack(ch)
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		// Remove our waiter entry if it's still queued; if it was already
		// popped (granted) concurrently with cancellation, honor the grant
		// by releasing the slot back immediately instead of leaking it.
		removed := removeWaiter(s.waiters, elem)
		s.mu.Unlock()
		if !removed {
			select {
			case <-ch:
				s.release()
			default:
			}
		}
		return ctx.Err()
	}
}

func removeWaiter(l *list.List, target *list.Element) bool {
	for e := l.Front(); e != nil; e = e.Next() {
		if e == target {
			l.Remove(e)
			return true
		}
	}
	return false
}

// release returns a slot to the pool, waking the oldest waiter if any.
func (s *semaphore) release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if front := s.waiters.Front(); front != nil {
		s.waiters.Remove(front)
		ch := front.Value.(chan struct{})
		close(ch)
		return // slot transfers directly to the woken waiter
	}
	if s.inUse > 0 {
		s.inUse--
	}
}

func (s *semaphore) stats() (inUse, capacity, queued int, rejected uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inUse, s.capacity, s.waiters.Len(), s.rejected
}

// Levels names the three nesting levels a Lease spans.
type Levels struct {
	TenantID    string
	HandlerName string
}

// Lease represents acquired global+tenant+handler slots. Release must be
// called exactly once per successful Acquire.
type Lease struct {
	bh     *Bulkhead
	levels Levels
}

// Bulkhead manages nested global/tenant/handler concurrency pools.
type Bulkhead struct {
	globalCap  int
	tenantCap  int
	handlerCap int
	maxQueued  int

	global *semaphore

	mu       sync.Mutex
	tenants  map[string]*semaphore
	handlers map[string]*semaphore
}

// New builds a Bulkhead with the given capacities at each nesting level
// and a FIFO wait queue at each level bounded to maxQueued entries.
// maxQueued=0 means no level ever waits: a submission that can't get an
// immediate slot is rejected synchronously.
func New(globalCap, tenantCap, handlerCap, maxQueued int) *Bulkhead {
	return &Bulkhead{
		globalCap:  globalCap,
		tenantCap:  tenantCap,
		handlerCap: handlerCap,
		maxQueued:  maxQueued,
		global:     newSemaphore(globalCap, maxQueued),
		tenants:    make(map[string]*semaphore),
		handlers:   make(map[string]*semaphore),
	}
}

func (b *Bulkhead) tenantSem(tenantID string) *semaphore {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.tenants[tenantID]
	if !ok {
		s = newSemaphore(b.tenantCap, b.maxQueued)
		b.tenants[tenantID] = s
	}
	return s
}

func (b *Bulkhead) handlerSem(handlerName string) *semaphore {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.handlers[handlerName]
	if !ok {
		s = newSemaphore(b.handlerCap, b.maxQueued)
		b.handlers[handlerName] = s
	}
	return s
}

// Acquire obtains global, then tenant, then handler slots in that order.
// If any inner acquisition fails or times out, every already-acquired
// outer slot is released before returning, LIFO (tenant slot released
// before global; the handler slot is the last acquired, so it is never
// held when a failure occurs) so no slot is ever leaked on a partial
// failure.
func (b *Bulkhead) Acquire(ctx context.Context, levels Levels, queueTimeout time.Duration) (*Lease, error) {
	acqCtx := ctx
	var cancel context.CancelFunc
	if queueTimeout > 0 {
		acqCtx, cancel = context.WithTimeout(ctx, queueTimeout)
		defer cancel()
	}

	if err := b.global.acquire(acqCtx); err != nil {
		return nil, rejectErr("global", err)
	}

	tenantSem := b.tenantSem(levels.TenantID)
	if err := tenantSem.acquire(acqCtx); err != nil {
		b.global.release()
		return nil, rejectErr(fmt.Sprintf("tenant %q", levels.TenantID), err)
	}

	handlerSem := b.handlerSem(levels.HandlerName)
	if err := handlerSem.acquire(acqCtx); err != nil {
		tenantSem.release()
		b.global.release()
		return nil, rejectErr(fmt.Sprintf("handler %q", levels.HandlerName), err)
	}

	return &Lease{bh: b, levels: levels}, nil
}

func rejectErr(scope string, cause error) error {
	msg := fmt.Sprintf("no slot available at %s", scope)
	if cause == errQueueFull {
		msg = fmt.Sprintf("queue full at %s, rejected immediately", scope)
	}
	return cgerrors.New(cgerrors.KindBulkheadRejected, "BULKHEAD_REJECTED", msg).Wrap(cause)
}

// Release returns all three slots held by the lease. Safe to call once;
// calling it more than once over-releases and is a caller bug, matching
// the teacher's Put/Get pairing discipline in ghostpool.
func (l *Lease) Release() {
	l.bh.handlerSem(l.levels.HandlerName).release()
	l.bh.tenantSem(l.levels.TenantID).release()
	l.bh.global.release()
}

// Stats reports slot usage at every level for observability.
type Stats struct {
	GlobalInUse, GlobalCapacity, GlobalQueued       int
	GlobalRejected                                  uint64
	TenantInUse, TenantCapacity, TenantQueued       int
	TenantRejected                                  uint64
	HandlerInUse, HandlerCapacity, HandlerQueued    int
	HandlerRejected                                 uint64
	// RejectedCount is the sum of rejections across all three levels for
	// this tenant/handler pair, matching spec.md's single rejectedCount
	// observable.
	RejectedCount uint64
}

// Stats returns a snapshot for the given tenant/handler pair (creating
// neither pool as a side effect would require exposing existence checks
// this package doesn't need elsewhere, so a Stats call may lazily create
// an empty pool entry — harmless, since an empty pool behaves exactly
// like one that was never queried).
func (b *Bulkhead) Stats(tenantID, handlerName string) Stats {
	gu, gc, gq, gr := b.global.stats()
	tu, tc, tq, tr := b.tenantSem(tenantID).stats()
	hu, hc, hq, hr := b.handlerSem(handlerName).stats()
	return Stats{
		GlobalInUse: gu, GlobalCapacity: gc, GlobalQueued: gq, GlobalRejected: gr,
		TenantInUse: tu, TenantCapacity: tc, TenantQueued: tq, TenantRejected: tr,
		HandlerInUse: hu, HandlerCapacity: hc, HandlerQueued: hq, HandlerRejected: hr,
		RejectedCount: gr + tr + hr,
	}
}
