// Package handlersdk is the library handler authors use to write
// cognigate handlers. It wraps the raw types.HandlerFunc callable
// handlerregistry.Registry stores with a Context that answers the two
// questions spec.md §9 leaves to "your handler SDK": whether pause is a
// firm contract or advisory (advisory — handlers poll CheckPaused at
// their own safe points), and how concurrent sub-operations get tracked
// (Context.Go auto-tracks them, rather than trusting a handler-reported
// counter the core has no way to verify).
package handlersdk

import (
	"github.com/ocx/cognigate/internal/types"
)

// PauseChecker reports whether an execution currently carries the
// advisory pause flag. *engine.Engine satisfies this.
type PauseChecker interface {
	IsPaused(executionID string) bool
}

// ConcurrencyTracker adjusts an execution's tracked concurrent
// sub-operation count. *resourcemonitor.Monitor satisfies this.
type ConcurrencyTracker interface {
	AdjustConcurrentOps(executionID string, delta int) int
}

// ResourceRecorder accepts a handler's self-reported usage of the
// dimensions spec.md §4.3 enforces limits on but the core has no way to
// observe directly. *resourcemonitor.Monitor satisfies this.
type ResourceRecorder interface {
	RecordNetwork(executionID string, bytesIn, bytesOut int64)
	RecordFilesystem(executionID string, read, write int)
	RecordMemory(executionID string, mb int)
}

// Context is what a handler written against this SDK receives in place
// of the raw types.ExecutionContext.
type Context struct {
	types.ExecutionContext

	cancel    <-chan struct{}
	paused    PauseChecker
	tracker   ConcurrencyTracker
	resources ResourceRecorder
}

// CheckPaused reports the advisory pause flag set by a Pause call
// against this execution. The engine cannot forcibly suspend a running
// goroutine, so pause is cooperative: well-behaved handlers call this
// between units of work and idle (or checkpoint) while it's true.
func (c *Context) CheckPaused() bool {
	if c.paused == nil {
		return false
	}
	return c.paused.IsPaused(c.ExecutionID)
}

// Cancelled reports whether the execution's cancellation signal has
// already tripped (termination, deadline expiry, or external cancel).
func (c *Context) Cancelled() bool {
	select {
	case <-c.cancel:
		return true
	default:
		return false
	}
}

// Done returns the raw cancellation channel, for selecting alongside a
// handler's own I/O instead of polling Cancelled in a loop.
func (c *Context) Done() <-chan struct{} {
	return c.cancel
}

// Go runs fn as an auto-tracked concurrent sub-operation:
// ResourceUsage.ConcurrentSubOps increments for fn's duration and
// decrements on return regardless of outcome, so the resource monitor
// can enforce max_concurrent_ops without trusting the handler to
// self-report via a bare setter.
func (c *Context) Go(fn func() error) error {
	if c.tracker != nil {
		c.tracker.AdjustConcurrentOps(c.ExecutionID, 1)
		defer c.tracker.AdjustConcurrentOps(c.ExecutionID, -1)
	}
	return fn()
}

// RecordNetwork reports one completed network call so C3's resource
// monitor can enforce max_network_requests and the byte-budget
// dimension without instrumenting the handler's transport itself.
func (c *Context) RecordNetwork(bytesIn, bytesOut int64) {
	if c.resources != nil {
		c.resources.RecordNetwork(c.ExecutionID, bytesIn, bytesOut)
	}
}

// RecordFilesystem reports completed filesystem read/write operations so
// C3 can enforce max_filesystem_ops.
func (c *Context) RecordFilesystem(read, write int) {
	if c.resources != nil {
		c.resources.RecordFilesystem(c.ExecutionID, read, write)
	}
}

// RecordMemory reports the handler's current memory footprint in MB so
// C3 can enforce max_memory_mb and track the peak for the audit trail.
func (c *Context) RecordMemory(mb int) {
	if c.resources != nil {
		c.resources.RecordMemory(c.ExecutionID, mb)
	}
}

// HandlerFunc is the handler-SDK-facing callable.
type HandlerFunc func(ctx *Context) (map[string]interface{}, error)

// Adapt converts fn into the types.HandlerFunc shape
// handlerregistry.Registry actually stores, wiring pauser, tracker, and
// resources into every invocation's Context. Any may be nil — each
// accessor then degrades to a no-op/false, which is fine for handler
// unit tests that don't exercise those helpers.
func Adapt(fn HandlerFunc, pauser PauseChecker, tracker ConcurrencyTracker, resources ResourceRecorder) types.HandlerFunc {
	return func(execCtx types.ExecutionContext, cancel <-chan struct{}) (map[string]interface{}, error) {
		return fn(&Context{ExecutionContext: execCtx, cancel: cancel, paused: pauser, tracker: tracker, resources: resources})
	}
}
