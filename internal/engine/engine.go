// Package engine implements C8, the execution engine: the core that
// validates a Decision, resolves a handler, merges resource limits,
// enforces the bulkhead and idempotence cache, drives the retry loop,
// and tracks every in-flight execution. Grounded on
// escrow.EscrowGate's per-item mutex-guarded map of in-flight state
// (generalized from a tri-factor signal barrier to a full execution
// lifecycle) and webhooks.Dispatcher's exponential-backoff retry shape.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/cognigate/internal/auditbuffer"
	"github.com/ocx/cognigate/internal/bulkhead"
	"github.com/ocx/cognigate/internal/cgerrors"
	"github.com/ocx/cognigate/internal/circuitbreaker"
	"github.com/ocx/cognigate/internal/execcache"
	"github.com/ocx/cognigate/internal/handlerregistry"
	"github.com/ocx/cognigate/internal/lockservice"
	"github.com/ocx/cognigate/internal/resourcemonitor"
	"github.com/ocx/cognigate/internal/sandbox"
	"github.com/ocx/cognigate/internal/types"
)

// shutdownPollInterval is how often Shutdown re-checks the active set
// while draining.
const shutdownPollInterval = 100 * time.Millisecond

// Config holds the engine's tunable defaults, sourced from
// config.EngineConfig/config.ResourceConfig at the composition root.
type Config struct {
	DefaultLimits           types.ResourceLimits
	DefaultRetryPolicy      types.RetryPolicy
	QueueTimeout            time.Duration
	GracefulShutdownTimeout time.Duration
}

// Engine ties together the registry, bulkhead, cache, resource monitor
// and audit buffer into the single execution path spec.md §4.8 names.
type Engine struct {
	cfg Config

	registry *handlerregistry.Registry
	bulk     *bulkhead.Bulkhead
	cache    *execcache.Cache
	monitor  *resourcemonitor.Monitor
	audit    *auditbuffer.Buffer
	breakers *circuitbreaker.Manager
	sandbox  sandbox.Hook
	locks    *lockservice.Service

	shuttingDown atomic.Bool

	mu     sync.RWMutex
	active map[string]*types.ActiveExecution
}

// New builds an Engine from its collaborators. The sandbox hook defaults
// to sandbox.NoopHook{}; install a real one with SetSandboxHook.
func New(cfg Config, registry *handlerregistry.Registry, bulk *bulkhead.Bulkhead, cache *execcache.Cache, monitor *resourcemonitor.Monitor, audit *auditbuffer.Buffer, breakers *circuitbreaker.Manager) *Engine {
	return &Engine{
		cfg:      cfg,
		registry: registry,
		bulk:     bulk,
		cache:    cache,
		monitor:  monitor,
		audit:    audit,
		breakers: breakers,
		sandbox:  sandbox.NoopHook{},
		active:   make(map[string]*types.ActiveExecution),
	}
}

// SetSandboxHook installs the C15 enforcement hook invokeOnce calls
// around every handler invocation. Passing nil restores the no-op hook.
func (e *Engine) SetSandboxHook(hook sandbox.Hook) {
	if hook == nil {
		hook = sandbox.NoopHook{}
	}
	e.sandbox = hook
}

// SetLockService installs the C1 distributed lock ExecuteWithCache
// acquires around the idempotence cache's check-invoke-set sequence, so
// concurrent identical requests serialize onto a single observable
// handler invocation per spec.md §4.8's "at most one handler invocation
// observable (with the lock helper)" guarantee. Passing nil (the
// default) runs ExecuteWithCache without that guarantee — acquisition returning
// null is already a non-fatal, caller-decides outcome per spec.md §4.1,
// so a nil service degrades to "at least one observable" rather than
// failing executions.
func (e *Engine) SetLockService(locks *lockservice.Service) {
	e.locks = locks
}

// ExecuteWithCache consults the idempotence cache before executing and
// populates it with a completed result afterwards. When a lock service
// is installed, the check-invoke-set sequence is serialized under a
// fingerprint-keyed lock so concurrent identical requests collapse onto
// at most one observable handler invocation; without it the guarantee
// degrades to at least one.
func (e *Engine) ExecuteWithCache(ctx context.Context, execCtx types.ExecutionContext) (*types.Result, error) {
	if e.cache == nil {
		return e.Execute(ctx, execCtx)
	}
	fingerprint, err := execcache.Fingerprint(execCtx.TenantID, execCtx.Intent.IntentType, execCtx.Intent.Context)
	if err != nil {
		return e.Execute(ctx, execCtx)
	}

	if e.locks != nil {
		// Retrying until the default acquisition timeout keeps a concurrent
		// identical request waiting for the holder, so it then finds the
		// holder's cached result instead of invoking the handler again.
		if lock, lockErr := e.locks.Acquire(ctx, fingerprint, lockservice.AcquireOptions{Retries: 100}); lockErr == nil && lock != nil {
			defer lock.Release(ctx)
		}
		// Acquisition failure or a nil service is non-fatal per spec.md
		// §4.1 — execution proceeds unlocked, degrading the dedupe
		// guarantee from "at most one" to "at least one" observable.
	}

	var cached types.Result
	if hit, _ := e.cache.Get(ctx, fingerprint, &cached); hit {
		cached.CacheHit = true
		return &cached, nil
	}

	result, execErr := e.Execute(ctx, execCtx)
	if execErr == nil && result != nil && result.Status == types.StateCompleted {
		_ = e.cache.Set(ctx, fingerprint, execCtx.TenantID, execCtx.Intent.IntentType, result, 0)
	}
	return result, execErr
}

// Execute runs a single execution attempt end to end: validation,
// handler resolution, limit merging, bulkhead admission, the handler
// invocation retry loop, and audit recording. It never consults the
// idempotence cache; that's ExecuteWithCache.
func (e *Engine) Execute(ctx context.Context, execCtx types.ExecutionContext) (*types.Result, error) {
	if e.shuttingDown.Load() {
		return nil, cgerrors.New(cgerrors.KindConflict, "ENGINE_SHUTTING_DOWN", "engine is shutting down, not accepting new executions")
	}

	if err := e.validate(&execCtx); err != nil {
		return nil, err
	}

	reg, err := e.resolveHandler(&execCtx)
	if err != nil {
		e.recordAudit(execCtx, "execution_failed", types.SeverityError, types.OutcomeFailure, "resolve_handler", err.Error(), nil, nil)
		return nil, err
	}

	limits := types.MergeLimits(&e.cfg.DefaultLimits, &reg.Definition.DefaultLimits, execCtx.ResourceLimits)
	if err := limits.Validate(); err != nil {
		return nil, cgerrors.New(cgerrors.KindValidation, "INVALID_RESOURCE_LIMITS", err.Error()).Wrap(err)
	}

	deadline := e.computeDeadline(execCtx, limits)

	external := execCtx.Cancel
	cancelCh := make(chan struct{})
	active := &types.ActiveExecution{
		ExecutionID: execCtx.ExecutionID,
		TenantID:    execCtx.TenantID,
		IntentID:    execCtx.Intent.ID,
		HandlerName: reg.Definition.Name,
		State:       types.StateInitializing,
		StartedAt:   time.Now(),
		Deadline:    deadline,
		Cancel:      cancelCh,
	}
	e.track(active)
	defer e.untrack(execCtx.ExecutionID)

	// Deadline expiry, external cancellation, Terminate, and Shutdown all
	// trip the same per-execution handle, so a cooperative handler only
	// ever has one signal to watch. The exit-path trip releases the
	// forwarding goroutine below once the execution is done.
	timer := time.AfterFunc(time.Until(deadline), func() { e.trip(active) })
	defer timer.Stop()
	defer e.trip(active)
	if external != nil {
		go func() {
			select {
			case <-external:
				e.trip(active)
			case <-cancelCh:
			}
		}()
	}

	e.monitor.Track(execCtx.ExecutionID, limits, deadline)
	defer e.monitor.Untrack(execCtx.ExecutionID)

	lease, err := e.bulk.Acquire(ctx, bulkhead.Levels{TenantID: execCtx.TenantID, HandlerName: reg.Definition.Name}, e.cfg.QueueTimeout)
	if err != nil {
		e.setState(active, types.StateFailed)
		e.recordAudit(execCtx, "execution_failed", types.SeverityWarning, types.OutcomeFailure, "bulkhead_rejected", err.Error(), nil, nil)
		return nil, err
	}
	defer lease.Release()

	execCtx.Cancel = cancelCh
	execCtx.Deadline = &deadline

	e.recordAudit(execCtx, "execution_started", types.SeverityInfo, types.OutcomeSuccess, "execution_started", "", nil, nil)

	e.registry.BeginInvocation(reg.Definition.Name)
	result := e.runWithRetry(ctx, execCtx, active, reg, limits, deadline)
	e.registry.EndInvocation(reg.Definition.Name)

	e.registry.RecordExecution(reg.Definition.Name, result.Error == nil, float64(result.FinishedAt.Sub(result.StartedAt).Milliseconds()))

	outcome := types.OutcomeSuccess
	severity := types.SeverityInfo
	eventType := "execution_completed"
	if result.Error != nil {
		outcome = types.OutcomeFailure
		severity = types.SeverityError
		eventType = "execution_failed"
	}
	if result.Status == types.StateTerminated {
		outcome = types.OutcomeTerminated
		eventType = "execution_terminated"
	}
	usage := result.Usage
	e.recordAudit(execCtx, eventType, severity, outcome, "execute", "", &usage, nil)

	if result.Error != nil {
		kind := cgerrors.KindHandlerError
		switch result.Status {
		case types.StateTimedOut:
			kind = cgerrors.KindTimeout
		case types.StateTerminated:
			kind = cgerrors.KindTerminated
		case types.StateResourceExceeded:
			kind = cgerrors.KindResourceExhausted
		}
		return result, cgerrors.New(kind, result.Error.Code, result.Error.Message).WithContext(map[string]interface{}{"execution_id": execCtx.ExecutionID})
	}
	return result, nil
}

func (e *Engine) validate(execCtx *types.ExecutionContext) error {
	if execCtx.ExecutionID == "" {
		return cgerrors.New(cgerrors.KindValidation, "EXECUTION_ID_REQUIRED", "execution_id is required")
	}
	if execCtx.TenantID == "" {
		return cgerrors.New(cgerrors.KindValidation, "TENANT_ID_REQUIRED", "tenant_id is required")
	}
	if execCtx.Intent.ID == "" {
		return cgerrors.New(cgerrors.KindValidation, "INTENT_ID_REQUIRED", "intent.id is required")
	}
	if execCtx.Decision.Action != types.ActionAllow {
		return cgerrors.New(cgerrors.KindValidation, "EXECUTION_DENIED", fmt.Sprintf("decision action %q does not permit execution", execCtx.Decision.Action))
	}
	if execCtx.Metadata == nil {
		return cgerrors.New(cgerrors.KindValidation, "METADATA_REQUIRED", "metadata is required (pass an empty map when there is none)")
	}
	if execCtx.Deadline != nil && !execCtx.Deadline.After(time.Now()) {
		return cgerrors.New(cgerrors.KindValidation, "DEADLINE_IN_PAST", "deadline must be an absolute timestamp in the future")
	}
	return nil
}

func (e *Engine) resolveHandler(execCtx *types.ExecutionContext) (*types.HandlerRegistration, error) {
	if execCtx.HandlerName != "" {
		reg, ok := e.registry.GetByName(execCtx.HandlerName)
		if !ok {
			return nil, cgerrors.New(cgerrors.KindHandlerNotFound, "HANDLER_NOT_FOUND", fmt.Sprintf("handler %q not found", execCtx.HandlerName))
		}
		return reg, nil
	}
	return e.registry.ResolveWithPriority(execCtx.Intent.IntentType, execCtx.Priority)
}

// computeDeadline applies spec.md §4.8's rule: the earlier of
// now+timeoutMs and the caller-supplied absolute deadline.
func (e *Engine) computeDeadline(execCtx types.ExecutionContext, limits types.ResourceLimits) time.Time {
	deadline := time.Now().Add(time.Duration(limits.TimeoutMs) * time.Millisecond)
	if execCtx.Deadline != nil && execCtx.Deadline.Before(deadline) {
		deadline = *execCtx.Deadline
	}
	return deadline
}

// runWithRetry drives the handler invocation loop per spec.md §4.8:
// invoke with a per-attempt deadline, classify any error, retry with
// exponential backoff and jitter up to the retry policy's max, never
// retrying a never-retryable kind regardless of policy.
func (e *Engine) runWithRetry(ctx context.Context, execCtx types.ExecutionContext, active *types.ActiveExecution, reg *types.HandlerRegistration, limits types.ResourceLimits, deadline time.Time) *types.Result {
	policy := e.cfg.DefaultRetryPolicy
	if reg.Definition.RetryPolicy != nil {
		policy = *reg.Definition.RetryPolicy
	}
	// Attempt budget is min(policy.MaxRetries, merged limits.MaxRetries)+1
	// so a per-request ResourceLimits.MaxRetries can only tighten the
	// handler's own policy, never extend it.
	maxRetries := policy.MaxRetries
	if limits.MaxRetries > 0 && limits.MaxRetries < maxRetries {
		maxRetries = limits.MaxRetries
	}

	started := time.Now()
	breaker := e.breakers.Get(fmt.Sprintf("cognigate-handler-%s", reg.Definition.Name))

	var lastErr *types.ErrorInfo
	var outputs map[string]interface{}
	retryCount := 0

	for attempt := 0; ; attempt++ {
		select {
		case <-active.Cancel:
			e.setState(active, types.StateTerminated)
			lastErr = &types.ErrorInfo{Code: "TERMINATED", Message: "execution terminated before attempt", Retryable: false}
			return e.finishResult(execCtx, active, outputs, lastErr, started)
		default:
		}

		e.setState(active, types.StateRunning)

		attemptCtx, cancel := context.WithDeadline(ctx, deadline)
		outs, err := e.invokeOnce(attemptCtx, breaker, reg, execCtx, active.Cancel)
		cancel()

		// The wall-deadline dimension is excluded here: a timed-out attempt
		// returns at or after the deadline, so Check would always flag it and
		// mask the timed_out status classifyTerminalState owns.
		for _, s := range e.monitor.Check(execCtx.ExecutionID, time.Now()) {
			if s.Level != resourcemonitor.SignalCritical || s.Violation.Type == types.ViolationDeadline {
				continue
			}
			v := s.Violation
			e.setState(active, types.StateResourceExceeded)
			lastErr = &types.ErrorInfo{Code: "RESOURCE_EXCEEDED", Message: fmt.Sprintf("%s exceeded limit (%.0f/%.0f)", v.Resource, v.Actual, v.Limit), Retryable: false}
			e.recordAudit(execCtx, "execution_failed", types.SeverityCritical, types.OutcomeFailure, "resource_exceeded", lastErr.Message, nil, &v)
			return e.finishResult(execCtx, active, outputs, lastErr, started)
		}

		if err == nil {
			outputs = outs
			lastErr = nil
			e.setState(active, types.StateCompleted)
			break
		}

		cgErr, _ := cgerrors.AsError(err)
		if cgErr == nil {
			cgErr = cgerrors.New(cgerrors.KindHandlerError, "HANDLER_ERROR", err.Error()).Wrap(err)
		}
		lastErr = &types.ErrorInfo{Code: cgErr.Code, Message: cgErr.Message, Retryable: cgErr.Retryable}

		terminalState := e.classifyTerminalState(cgErr, attemptCtx)
		if terminalState != "" {
			e.setState(active, terminalState)
			break
		}

		if !retryable(policy, cgErr) || attempt >= maxRetries {
			e.setState(active, types.StateFailed)
			break
		}

		retryCount++
		e.mu.Lock()
		active.RetryCount = retryCount
		e.mu.Unlock()
		e.recordAudit(execCtx, "retry_attempted", types.SeverityWarning, types.OutcomeFailure, "retry_attempted", cgErr.Message, nil, nil)

		backoff := computeBackoff(policy, attempt)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			e.setState(active, types.StateTimedOut)
			lastErr = &types.ErrorInfo{Code: "CONTEXT_CANCELLED", Message: ctx.Err().Error(), Retryable: false}
			return e.finishResult(execCtx, active, outputs, lastErr, started)
		case <-active.Cancel:
			e.setState(active, types.StateTerminated)
			lastErr = &types.ErrorInfo{Code: "TERMINATED", Message: "execution terminated during backoff", Retryable: false}
			return e.finishResult(execCtx, active, outputs, lastErr, started)
		}
	}

	return e.finishResult(execCtx, active, outputs, lastErr, started)
}

// retryable decides whether a failed attempt may be retried. Kinds the
// taxonomy marks never-retryable always lose; beyond that, a non-empty
// RetryableErrors list narrows retries to errors whose code or message
// matches one of its entries, case-insensitively.
func retryable(policy types.RetryPolicy, err *cgerrors.Error) bool {
	if !err.Retryable {
		return false
	}
	if len(policy.RetryableErrors) == 0 {
		return true
	}
	code := strings.ToLower(err.Code)
	msg := strings.ToLower(err.Message)
	for _, pattern := range policy.RetryableErrors {
		p := strings.ToLower(pattern)
		if strings.Contains(code, p) || strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

func (e *Engine) classifyTerminalState(cgErr *cgerrors.Error, attemptCtx context.Context) types.ExecutionState {
	// Deadline expiry trips the shared cancel handle too, so a timed-out
	// attempt can surface as either kind; the deadline check wins so the
	// terminal status is deterministic.
	if attemptCtx.Err() == context.DeadlineExceeded {
		return types.StateTimedOut
	}
	switch cgErr.Kind {
	case cgerrors.KindTimeout:
		return types.StateTimedOut
	case cgerrors.KindTerminated:
		return types.StateTerminated
	case cgerrors.KindResourceExhausted:
		return types.StateResourceExceeded
	}
	return ""
}

func (e *Engine) invokeOnce(ctx context.Context, breaker *circuitbreaker.CircuitBreaker, reg *types.HandlerRegistration, execCtx types.ExecutionContext, cancel <-chan struct{}) (map[string]interface{}, error) {
	sandboxCtx, err := e.sandbox.BeforeExecute(ctx, execCtx, reg.Definition)
	if err != nil {
		return nil, cgerrors.New(cgerrors.KindSandboxViolation, "SANDBOX_SETUP_FAILED", "sandbox enforcement rejected this execution").Wrap(err)
	}
	ctx = sandboxCtx

	var outputs map[string]interface{}
	res, err := breaker.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		done := make(chan struct{})
		var outs map[string]interface{}
		var herr error
		go func() {
			defer close(done)
			outs, herr = reg.Definition.Handler(execCtx, cancel)
		}()
		select {
		case <-done:
			return outs, herr
		case <-ctx.Done():
			return nil, cgerrors.New(cgerrors.KindTimeout, "EXECUTION_TIMEOUT", "handler exceeded its deadline").Wrap(ctx.Err())
		case <-cancel:
			return nil, cgerrors.New(cgerrors.KindTerminated, "HANDLER_TERMINATED", "execution was terminated")
		}
	})

	var invokeErr error
	if err != nil {
		if err == circuitbreaker.ErrCircuitOpen || err == circuitbreaker.ErrTooManyRequests {
			invokeErr = cgerrors.New(cgerrors.KindCircuitOpen, "HANDLER_CIRCUIT_OPEN", fmt.Sprintf("handler %q circuit is open", reg.Definition.Name)).Wrap(err)
			_ = e.registry.SetStatus(reg.Definition.Name, types.HandlerDegraded)
		} else {
			invokeErr = err
		}
	} else if res != nil {
		outputs = res.(map[string]interface{})
	}

	e.sandbox.AfterExecute(ctx, execCtx, reg.Definition, outputs, invokeErr)
	return outputs, invokeErr
}

func computeBackoff(policy types.RetryPolicy, attempt int) time.Duration {
	base := float64(policy.BackoffMs)
	for i := 0; i < attempt; i++ {
		base *= policy.BackoffMultiplier
	}
	if max := float64(policy.MaxBackoffMs); max > 0 && base > max {
		base = max
	}
	jittered := base * (1 + rand.Float64()*0.25)
	return time.Duration(jittered) * time.Millisecond
}

func (e *Engine) finishResult(execCtx types.ExecutionContext, active *types.ActiveExecution, outputs map[string]interface{}, errInfo *types.ErrorInfo, started time.Time) *types.Result {
	usage, _ := e.monitor.Usage(execCtx.ExecutionID)
	return &types.Result{
		ExecutionID: execCtx.ExecutionID,
		Status:      active.State,
		Outputs:     outputs,
		Usage:       usage,
		RetryCount:  active.RetryCount,
		Error:       errInfo,
		StartedAt:   started,
		FinishedAt:  time.Now(),
	}
}

func (e *Engine) track(active *types.ActiveExecution) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active[active.ExecutionID] = active
}

func (e *Engine) untrack(executionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, executionID)
}

func (e *Engine) setState(active *types.ActiveExecution, state types.ExecutionState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	active.State = state
}

// trip closes an execution's cancellation handle exactly once.
func (e *Engine) trip(active *types.ActiveExecution) {
	e.mu.Lock()
	defer e.mu.Unlock()
	select {
	case <-active.Cancel:
	default:
		close(active.Cancel)
	}
}

// Terminate cancels an in-flight execution by tripping its cancel handle.
func (e *Engine) Terminate(executionID string) error {
	e.mu.Lock()
	active, ok := e.active[executionID]
	if !ok {
		e.mu.Unlock()
		return cgerrors.New(cgerrors.KindNotFound, "EXECUTION_NOT_FOUND", fmt.Sprintf("execution %q not found", executionID))
	}
	if active.State.IsTerminal() {
		e.mu.Unlock()
		return cgerrors.New(cgerrors.KindConflict, "EXECUTION_ALREADY_TERMINAL", fmt.Sprintf("execution %q is already %s", executionID, active.State))
	}
	e.mu.Unlock()
	e.trip(active)
	return nil
}

// Pause is advisory and only accepted while the execution is running: it
// flips ActiveExecution.Paused for handlers that cooperatively check it
// via the handler SDK. The engine cannot forcibly suspend a running
// goroutine.
func (e *Engine) Pause(executionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	active, ok := e.active[executionID]
	if !ok {
		return cgerrors.New(cgerrors.KindNotFound, "EXECUTION_NOT_FOUND", fmt.Sprintf("execution %q not found", executionID))
	}
	if active.State != types.StateRunning {
		return cgerrors.New(cgerrors.KindConflict, "EXECUTION_NOT_RUNNING", fmt.Sprintf("execution %q is %s, only running executions can pause", executionID, active.State))
	}
	active.Paused = true
	active.State = types.StatePaused
	return nil
}

// Resume clears the advisory pause flag; only accepted from paused.
func (e *Engine) Resume(executionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	active, ok := e.active[executionID]
	if !ok {
		return cgerrors.New(cgerrors.KindNotFound, "EXECUTION_NOT_FOUND", fmt.Sprintf("execution %q not found", executionID))
	}
	if active.State != types.StatePaused {
		return cgerrors.New(cgerrors.KindConflict, "EXECUTION_NOT_PAUSED", fmt.Sprintf("execution %q is %s, only paused executions can resume", executionID, active.State))
	}
	active.Paused = false
	active.State = types.StateRunning
	return nil
}

// GetActiveExecutions returns a snapshot of every in-flight execution.
func (e *Engine) GetActiveExecutions() []*types.ActiveExecution {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*types.ActiveExecution, 0, len(e.active))
	for _, a := range e.active {
		out = append(out, a)
	}
	return out
}

// GetStatus returns one execution's current bookkeeping record.
func (e *Engine) GetStatus(executionID string) (*types.ActiveExecution, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.active[executionID]
	return a, ok
}

// IsPaused reports whether executionID currently carries the advisory
// pause flag Pause/Resume toggle. Handlers poll this via the handler
// SDK's Context.CheckPaused at their own safe points; the engine itself
// cannot forcibly suspend a running goroutine.
func (e *Engine) IsPaused(executionID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.active[executionID]
	return ok && a.Paused
}

// Health is the engine's own roll-up for C11's /health surface.
type Health struct {
	Status          string            `json:"status"`
	Handlers        string            `json:"handlers"`
	ActiveCount     int               `json:"active_count"`
	CircuitBreakers map[string]string `json:"circuit_breakers"`
}

// GetHealth aggregates handler state, breaker state, and bulkhead
// saturation into a HEALTHY/DEGRADED/UNHEALTHY verdict: unhealthy when
// no handler is active at all, degraded when any handler or breaker is
// or when global bulkhead slots in use reach 90% of capacity, healthy
// otherwise.
func (e *Engine) GetHealth() Health {
	breakerStatus, breakers := e.breakers.HealthStatus()

	activeHandlers, degradedHandlers := 0, 0
	for _, reg := range e.registry.List() {
		switch reg.State {
		case types.HandlerActive:
			activeHandlers++
		case types.HandlerDegraded:
			degradedHandlers++
		}
	}
	handlers := "healthy"
	switch {
	case degradedHandlers > 0:
		handlers = "degraded"
	case activeHandlers == 0:
		handlers = "unhealthy"
	}

	bs := e.bulk.Stats("", "")
	bulkheadSaturated := bs.GlobalCapacity > 0 && bs.GlobalInUse*10 >= bs.GlobalCapacity*9

	status := "HEALTHY"
	switch {
	case handlers == "unhealthy":
		status = "UNHEALTHY"
	case handlers == "degraded" || breakerStatus != "HEALTHY" || bulkheadSaturated:
		status = "DEGRADED"
	}

	e.mu.RLock()
	count := len(e.active)
	e.mu.RUnlock()
	return Health{Status: status, Handlers: handlers, ActiveCount: count, CircuitBreakers: breakers}
}

// Readiness is the per-dependency breakdown behind /ready.
type Readiness struct {
	Ready  bool            `json:"ready"`
	Checks map[string]bool `json:"checks"`
}

// GetReadiness reports whether the engine should accept new work:
// not shutting down, and the cache and audit buffer constructed.
// Whether any handler is registered is reported as a check but is not
// gating — an empty registry is a valid cold-start state.
func (e *Engine) GetReadiness() Readiness {
	checks := map[string]bool{
		"accepting": !e.shuttingDown.Load(),
		"cache":     e.cache != nil,
		"audit":     e.audit != nil,
		"handlers":  len(e.registry.List()) > 0,
	}
	return Readiness{Ready: checks["accepting"] && checks["cache"] && checks["audit"], Checks: checks}
}

func (e *Engine) recordAudit(execCtx types.ExecutionContext, eventType string, severity types.Severity, outcome types.Outcome, action, reason string, usage *types.ResourceUsage, violation *types.Violation) {
	if e.audit == nil {
		return
	}
	e.audit.Record(types.AuditEntry{
		ID:          uuid.NewString(),
		TenantID:    execCtx.TenantID,
		ExecutionID: execCtx.ExecutionID,
		IntentID:    execCtx.Intent.ID,
		EventType:   eventType,
		Severity:    severity,
		Outcome:     outcome,
		Action:      action,
		Reason:      reason,
		HandlerName: execCtx.HandlerName,
		Usage:       usage,
		Violation:   violation,
		TraceID:     execCtx.TraceID,
		SpanID:      execCtx.SpanID,
		EventTime:   time.Now(),
		RecordedAt:  time.Now(),
	})
}

// Shutdown stops admissions, waits for the active set to drain up to the
// configured graceful timeout (polling, since executions unwind through
// their own defers), trips whatever remains with reason "service
// shutdown", flushes the audit buffer, and clears the local cache tier.
// Safe to call more than once; only the first call does the work.
func (e *Engine) Shutdown(ctx context.Context) error {
	if !e.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}

	timeout := e.cfg.GracefulShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	slog.Info("engine shutting down, draining active executions")

	drainDeadline := time.Now().Add(timeout)
drain:
	for time.Now().Before(drainDeadline) {
		e.mu.RLock()
		remaining := len(e.active)
		e.mu.RUnlock()
		if remaining == 0 {
			break
		}
		select {
		case <-ctx.Done():
			break drain
		case <-time.After(shutdownPollInterval):
		}
	}

	for _, active := range e.GetActiveExecutions() {
		slog.Warn("terminating execution on shutdown", "execution_id", active.ExecutionID, "reason", "service shutdown")
		e.trip(active)
	}

	if e.cache != nil {
		e.cache.Clear()
	}
	if e.audit == nil {
		return nil
	}
	return e.audit.Shutdown(ctx)
}
