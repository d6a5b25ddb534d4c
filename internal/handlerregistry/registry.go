// Package handlerregistry implements C4: registration, resolution and
// health tracking for handlers the engine can invoke. Grounded on
// webhooks.Registry's id-map + secondary by-event index, generalized
// from webhook subscriptions indexed by event type to handlers indexed
// by intent type, with the health/drain bookkeeping
// multitenancy.TenantManager applies to tenant records applied here to
// HandlerRegistration instead.
package handlerregistry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ocx/cognigate/internal/cgerrors"
	"github.com/ocx/cognigate/internal/types"
)

// degradeAfterConsecutiveFailures is how many health checks must fail in a
// row before an active handler is demoted to degraded.
const degradeAfterConsecutiveFailures = 3

// drainPollInterval is how often DrainAndWait re-checks the in-flight count.
const drainPollInterval = 50 * time.Millisecond

// Registry stores and resolves handler registrations.
type Registry struct {
	mu         sync.RWMutex
	byName     map[string]*types.HandlerRegistration
	byIntent   map[string][]*types.HandlerRegistration
	defaultHdl []*types.HandlerRegistration // handlers registered for "*"/"default"
	inFlight   map[string]int
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		byName:   make(map[string]*types.HandlerRegistration),
		byIntent: make(map[string][]*types.HandlerRegistration),
		inFlight: make(map[string]int),
	}
}

// Register adds a handler definition to the registry.
func (r *Registry) Register(def types.HandlerDefinition) (*types.HandlerRegistration, error) {
	if def.Name == "" {
		return nil, cgerrors.New(cgerrors.KindValidation, "HANDLER_NAME_REQUIRED", "handler name is required")
	}
	if def.Version == "" {
		return nil, cgerrors.New(cgerrors.KindValidation, "HANDLER_VERSION_REQUIRED", "handler version is required")
	}
	if def.Handler == nil {
		return nil, cgerrors.New(cgerrors.KindValidation, "HANDLER_FUNC_REQUIRED", "handler function is required")
	}
	if len(def.IntentTypes) == 0 {
		return nil, cgerrors.New(cgerrors.KindValidation, "HANDLER_INTENT_TYPES_REQUIRED", "at least one intent type is required")
	}
	if def.RetryPolicy != nil {
		if err := def.RetryPolicy.Validate(); err != nil {
			return nil, cgerrors.New(cgerrors.KindValidation, "HANDLER_RETRY_POLICY_INVALID", err.Error()).Wrap(err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[def.Name]; exists {
		return nil, cgerrors.New(cgerrors.KindConflict, "HANDLER_ALREADY_REGISTERED", fmt.Sprintf("handler %q already registered", def.Name))
	}

	reg := &types.HandlerRegistration{
		Definition:   def,
		RegisteredAt: time.Now(),
		State:        types.HandlerActive,
	}
	r.byName[def.Name] = reg

	for _, it := range def.IntentTypes {
		if it == "*" || it == "default" {
			r.defaultHdl = append(r.defaultHdl, reg)
			continue
		}
		r.byIntent[it] = append(r.byIntent[it], reg)
	}

	return reg, nil
}

// Unregister removes a handler by name.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.byName[name]
	if !ok {
		return cgerrors.New(cgerrors.KindNotFound, "HANDLER_NOT_FOUND", fmt.Sprintf("handler %q not found", name))
	}
	delete(r.byName, name)
	delete(r.inFlight, name)

	for it, list := range r.byIntent {
		r.byIntent[it] = removeReg(list, reg)
	}
	r.defaultHdl = removeReg(r.defaultHdl, reg)
	return nil
}

func removeReg(list []*types.HandlerRegistration, target *types.HandlerRegistration) []*types.HandlerRegistration {
	out := make([]*types.HandlerRegistration, 0, len(list))
	for _, r := range list {
		if r != target {
			out = append(out, r)
		}
	}
	return out
}

// GetByName returns the registration for name.
func (r *Registry) GetByName(name string) (*types.HandlerRegistration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byName[name]
	return reg, ok
}

// GetByIntentType returns the active, non-draining candidates for an
// intent type, falling back to wildcard/default handlers if none are
// registered for the specific type.
func (r *Registry) GetByIntentType(intentType string) []*types.HandlerRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	candidates := r.byIntent[intentType]
	if len(candidates) == 0 {
		candidates = r.defaultHdl
	}

	out := make([]*types.HandlerRegistration, 0, len(candidates))
	for _, c := range candidates {
		if c.State == types.HandlerActive || c.State == types.HandlerDegraded {
			out = append(out, c)
		}
	}
	return out
}

// Resolve picks one handler for an intent type. Among candidates it sorts
// by lowest failure rate, then lowest average duration, then
// lexicographically smallest name, so concurrent callers with an
// identical view always agree.
func (r *Registry) Resolve(intentType string) (*types.HandlerRegistration, error) {
	return r.ResolveWithPriority(intentType, 0)
}

// ResolveWithPriority is Resolve with the optional priority filter from
// spec's resolution policy: when priority > 0, only handlers whose
// default timeout is at least priority are considered, so high-priority
// work never lands on a handler with too small a time budget.
func (r *Registry) ResolveWithPriority(intentType string, priority int) (*types.HandlerRegistration, error) {
	candidates := r.GetByIntentType(intentType)
	if priority > 0 {
		filtered := make([]*types.HandlerRegistration, 0, len(candidates))
		for _, c := range candidates {
			if c.Definition.DefaultLimits.TimeoutMs >= priority {
				filtered = append(filtered, c)
			}
		}
		candidates = filtered
	}
	if len(candidates) == 0 {
		return nil, cgerrors.New(cgerrors.KindHandlerNotFound, "NO_HANDLER_FOR_INTENT", fmt.Sprintf("no handler registered for intent type %q", intentType))
	}

	r.mu.RLock()
	sort.SliceStable(candidates, func(i, j int) bool {
		fi, fj := candidates[i].FailureRate(), candidates[j].FailureRate()
		if fi != fj {
			return fi < fj
		}
		if candidates[i].AvgDurationMs != candidates[j].AvgDurationMs {
			return candidates[i].AvgDurationMs < candidates[j].AvgDurationMs
		}
		return candidates[i].Definition.Name < candidates[j].Definition.Name
	})
	r.mu.RUnlock()
	return candidates[0], nil
}

// SetStatus transitions a handler's lifecycle state.
func (r *Registry) SetStatus(name string, state types.HandlerState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.byName[name]
	if !ok {
		return cgerrors.New(cgerrors.KindNotFound, "HANDLER_NOT_FOUND", fmt.Sprintf("handler %q not found", name))
	}
	reg.State = state
	return nil
}

// BeginInvocation bumps a handler's in-flight count. The engine calls it
// right before a handler invocation; DrainAndWait watches the count.
func (r *Registry) BeginInvocation(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inFlight[name]++
}

// EndInvocation decrements a handler's in-flight count.
func (r *Registry) EndInvocation(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inFlight[name] > 0 {
		r.inFlight[name]--
	}
}

// InFlight returns a handler's current in-flight invocation count.
func (r *Registry) InFlight(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.inFlight[name]
}

// Drain marks a handler draining: it stops being resolved for new work
// but stays registered so in-flight executions can finish.
func (r *Registry) Drain(name string) error {
	return r.SetStatus(name, types.HandlerDraining)
}

// DrainAndWait marks a handler draining, blocks until its in-flight
// count reaches zero (or ctx is done), then transitions it to inactive.
func (r *Registry) DrainAndWait(ctx context.Context, name string) error {
	if err := r.Drain(name); err != nil {
		return err
	}
	for {
		if r.InFlight(name) == 0 {
			return r.SetStatus(name, types.HandlerInactive)
		}
		select {
		case <-ctx.Done():
			return cgerrors.New(cgerrors.KindTimeout, "DRAIN_TIMEOUT", fmt.Sprintf("handler %q still has in-flight executions", name)).Wrap(ctx.Err())
		case <-time.After(drainPollInterval):
		}
	}
}

// CheckHealth runs a handler's HealthCheck. A passing check resets the
// consecutive-failure count and restores an active state; a failing one
// increments it, demoting the handler to degraded only after
// degradeAfterConsecutiveFailures failures in a row. A draining or
// inactive handler is left alone — health doesn't override an explicit
// lifecycle transition.
func (r *Registry) CheckHealth(name string) (bool, error) {
	r.mu.Lock()
	reg, ok := r.byName[name]
	r.mu.Unlock()
	if !ok {
		return false, cgerrors.New(cgerrors.KindNotFound, "HANDLER_NOT_FOUND", fmt.Sprintf("handler %q not found", name))
	}
	if reg.Definition.HealthCheck == nil {
		return true, nil
	}

	healthy := reg.Definition.HealthCheck()

	r.mu.Lock()
	defer r.mu.Unlock()
	switch reg.State {
	case types.HandlerActive, types.HandlerDegraded:
		if healthy {
			reg.State = types.HandlerActive
			reg.ConsecutiveHealth = 0
		} else {
			reg.ConsecutiveHealth++
			if reg.ConsecutiveHealth >= degradeAfterConsecutiveFailures {
				reg.State = types.HandlerDegraded
			}
		}
	}
	return healthy, nil
}

// CheckAllHealth runs CheckHealth for every registered handler and
// returns each handler's verdict by name.
func (r *Registry) CheckAllHealth() map[string]bool {
	r.mu.RLock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	r.mu.RUnlock()

	out := make(map[string]bool, len(names))
	for _, name := range names {
		healthy, err := r.CheckHealth(name)
		out[name] = healthy && err == nil
	}
	return out
}

// RecordExecution updates a handler's execution bookkeeping after an
// attempt completes: count, failure count and a running average
// duration (exponential smoothing, alpha=0.2, avoiding an unbounded
// history buffer).
func (r *Registry) RecordExecution(name string, success bool, durationMs float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.byName[name]
	if !ok {
		return
	}
	reg.ExecCount++
	if !success {
		reg.FailureCount++
	}
	reg.LastExecAt = time.Now()
	const alpha = 0.2
	if reg.ExecCount == 1 {
		reg.AvgDurationMs = durationMs
	} else {
		reg.AvgDurationMs = alpha*durationMs + (1-alpha)*reg.AvgDurationMs
	}
}

// List returns every registered handler, snapshot order unspecified.
func (r *Registry) List() []*types.HandlerRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.HandlerRegistration, 0, len(r.byName))
	for _, reg := range r.byName {
		out = append(out, reg)
	}
	return out
}
