// Package resourcemonitor implements C3: per-execution resource sampling
// and threshold checking. Grounded on economics.BillingEngine's
// mutex-guarded map of per-agent ledgers, generalized from a balance
// ledger to a usage ledger checked against spec.md §3's resource
// dimensions in the fixed order the spec names them.
package resourcemonitor

import (
	"sync"
	"time"

	"github.com/ocx/cognigate/internal/types"
)

// Signal is emitted by Check when a dimension crosses a threshold.
type Signal struct {
	Level     SignalLevel
	Violation types.Violation
}

// SignalLevel distinguishes a soft warning from a hard breach.
type SignalLevel string

const (
	SignalWarning  SignalLevel = "warning"
	SignalCritical SignalLevel = "critical"
)

// warningRatio is the fraction of a limit at which a warning fires,
// ahead of the critical breach at 1.0.
const warningRatio = 0.8

// ledger tracks one execution's usage and limits.
type ledger struct {
	executionID string
	limits      types.ResourceLimits
	deadline    time.Time
	startedAt   time.Time
	usage       types.ResourceUsage
	warned      map[types.ViolationType]bool
}

// currentUsage is the stored usage with WallMs raised to the actual
// elapsed wall time, so CPU% and deadline math stay honest even when a
// handler never reports a full snapshot itself.
func (l *ledger) currentUsage(now time.Time) types.ResourceUsage {
	u := l.usage
	if wall := now.Sub(l.startedAt).Milliseconds(); wall > u.WallMs {
		u.WallMs = wall
	}
	return u
}

// Monitor samples and checks resource usage for in-flight executions.
type Monitor struct {
	mu      sync.Mutex
	entries map[string]*ledger
}

// New returns an empty Monitor.
func New() *Monitor {
	return &Monitor{entries: make(map[string]*ledger)}
}

// Track registers a new execution to monitor.
func (m *Monitor) Track(executionID string, limits types.ResourceLimits, deadline time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[executionID] = &ledger{
		executionID: executionID,
		limits:      limits,
		deadline:    deadline,
		startedAt:   time.Now(),
		warned:      make(map[types.ViolationType]bool),
	}
}

// Untrack drops an execution's ledger once it reaches a terminal state.
func (m *Monitor) Untrack(executionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, executionID)
}

// Sample overwrites the current usage snapshot for executionID.
func (m *Monitor) Sample(executionID string, usage types.ResourceUsage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[executionID]; ok {
		e.usage = usage
	}
}

// AdjustConcurrentOps atomically adds delta to executionID's tracked
// ConcurrentSubOps count and returns the new value, for callers (the
// handler SDK's Context.Go) that increment on start and decrement on
// completion rather than replacing the whole usage snapshot.
func (m *Monitor) AdjustConcurrentOps(executionID string, delta int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[executionID]
	if !ok {
		return 0
	}
	e.usage.ConcurrentSubOps += delta
	if e.usage.ConcurrentSubOps < 0 {
		e.usage.ConcurrentSubOps = 0
	}
	return e.usage.ConcurrentSubOps
}

// RecordNetwork accounts for one network call: NetworkCount increments by
// one and bytesIn/bytesOut accumulate into the running totals, for
// handlers that report each outbound call via the SDK's
// Context.RecordNetwork rather than a single end-of-execution snapshot.
func (m *Monitor) RecordNetwork(executionID string, bytesIn, bytesOut int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[executionID]
	if !ok {
		return
	}
	e.usage.NetworkCount++
	e.usage.NetworkBytesIn += bytesIn
	e.usage.NetworkBytesOut += bytesOut
}

// RecordFilesystem accumulates read/write op counts, for handlers that
// report filesystem activity via Context.RecordFilesystem.
func (m *Monitor) RecordFilesystem(executionID string, read, write int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[executionID]
	if !ok {
		return
	}
	e.usage.FilesystemReads += read
	e.usage.FilesystemWrites += write
}

// RecordMemory sets the current memory reading and raises PeakMemoryMB
// if mb exceeds the prior peak, for handlers that self-report via
// Context.RecordMemory rather than an external sampler.
func (m *Monitor) RecordMemory(executionID string, mb int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[executionID]
	if !ok {
		return
	}
	e.usage.CurrentMemoryMB = mb
	if mb > e.usage.PeakMemoryMB {
		e.usage.PeakMemoryMB = mb
	}
}

// Usage returns the last sampled usage for executionID.
func (m *Monitor) Usage(executionID string) (types.ResourceUsage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[executionID]
	if !ok {
		return types.ResourceUsage{}, false
	}
	return e.currentUsage(time.Now()), true
}

// Check evaluates executionID's current usage against its limits in the
// fixed dimension order from spec.md §3: memory, CPU%, wall deadline,
// network count, filesystem ops, concurrent ops, network bytes. It
// returns every dimension currently at or past its warning/critical
// threshold, most severe violations still all reported (not short-
// circuited on the first hit) so the audit trail sees the full picture.
func (m *Monitor) Check(executionID string, now time.Time) []Signal {
	m.mu.Lock()
	e, ok := m.entries[executionID]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	var signals []Signal
	add := func(vt types.ViolationType, resource string, limit, actual float64) {
		if limit <= 0 {
			return
		}
		ratio := actual / limit
		switch {
		case ratio >= 1.0:
			signals = append(signals, Signal{Level: SignalCritical, Violation: types.Violation{
				Type: vt, Resource: resource, Limit: limit, Actual: actual,
				Timestamp: now, ExecutionID: executionID,
			}})
		case ratio >= warningRatio:
			signals = append(signals, Signal{Level: SignalWarning, Violation: types.Violation{
				Type: vt, Resource: resource, Limit: limit, Actual: actual,
				Timestamp: now, ExecutionID: executionID,
			}})
		}
	}

	usage := e.currentUsage(now)
	add(types.ViolationMemory, "memory_mb", float64(e.limits.MaxMemoryMB), float64(usage.PeakMemoryMB))
	add(types.ViolationCPU, "cpu_percent", float64(e.limits.MaxCPUPercent), usage.CPUPercent())

	if !e.deadline.IsZero() && !now.Before(e.deadline) {
		signals = append(signals, Signal{Level: SignalCritical, Violation: types.Violation{
			Type: types.ViolationDeadline, Resource: "wall_deadline",
			Limit: float64(e.deadline.UnixMilli()), Actual: float64(now.UnixMilli()),
			Timestamp: now, ExecutionID: executionID,
		}})
	} else if !e.deadline.IsZero() {
		remaining := e.deadline.Sub(now)
		total := time.Duration(e.limits.TimeoutMs) * time.Millisecond
		if total > 0 && remaining <= total/5 {
			signals = append(signals, Signal{Level: SignalWarning, Violation: types.Violation{
				Type: types.ViolationDeadline, Resource: "wall_deadline",
				Limit: float64(e.deadline.UnixMilli()), Actual: float64(now.UnixMilli()),
				Timestamp: now, ExecutionID: executionID,
			}})
		}
	}

	add(types.ViolationNetworkCount, "network_count", float64(e.limits.MaxNetworkRequests), float64(usage.NetworkCount))
	add(types.ViolationFilesystemOps, "filesystem_ops", float64(e.limits.MaxFilesystemOps),
		float64(usage.FilesystemReads+usage.FilesystemWrites))
	add(types.ViolationConcurrentOps, "concurrent_ops", float64(e.limits.MaxConcurrentOps), float64(usage.ConcurrentSubOps))
	add(types.ViolationNetworkBytes, "network_bytes", float64(e.limits.MaxPayloadBytes),
		float64(usage.NetworkBytesIn+usage.NetworkBytesOut))

	m.mu.Lock()
	for _, s := range signals {
		if s.Level == SignalWarning {
			e.warned[s.Violation.Type] = true
		}
	}
	m.mu.Unlock()

	return signals
}

// HasCritical reports whether any signal in the slice is critical.
func HasCritical(signals []Signal) bool {
	for _, s := range signals {
		if s.Level == SignalCritical {
			return true
		}
	}
	return false
}
