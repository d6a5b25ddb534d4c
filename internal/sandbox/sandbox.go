// Package sandbox implements C15: the sandbox enforcement hook the engine
// calls immediately before and after a handler invocation. Grounded on
// gvisor.SandboxExecutor's availability-probing / demo-mode-fallback
// pattern, generalized from a single hard-coded runsc probe to a
// pluggable ghostpool.PoolBackend so the same hook isolates handlers via
// Docker (or, per ghostpool's own KubernetesBackend, a remote cluster)
// instead of one gVisor runtime. Policy content — what a sandboxed
// handler may or may not do once inside the container — stays external;
// this package only owns the provision/teardown lifecycle around a call.
package sandbox

import (
	"context"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/ocx/cognigate/internal/ghostpool"
	"github.com/ocx/cognigate/internal/types"
)

// Hook is the enforcement point engine.invokeOnce calls around every
// handler invocation. BeforeExecute may return a derived context (e.g.
// one carrying a provisioned container handle); AfterExecute always
// receives that same context back so it can tear down what it started.
type Hook interface {
	BeforeExecute(ctx context.Context, execCtx types.ExecutionContext, def types.HandlerDefinition) (context.Context, error)
	AfterExecute(ctx context.Context, execCtx types.ExecutionContext, def types.HandlerDefinition, outputs map[string]interface{}, execErr error)
}

// NoopHook runs every handler unsandboxed. It is the engine's default
// when no isolation backend is configured.
type NoopHook struct{}

func (NoopHook) BeforeExecute(ctx context.Context, _ types.ExecutionContext, _ types.HandlerDefinition) (context.Context, error) {
	return ctx, nil
}

func (NoopHook) AfterExecute(context.Context, types.ExecutionContext, types.HandlerDefinition, map[string]interface{}, error) {
}

type contextKey string

const containerIDKey contextKey = "sandbox_container_id"

// Config sizes the process-isolation hook.
type Config struct {
	// RuntimeBinary is probed with exec.LookPath once at construction,
	// mirroring gvisor.NewSandboxExecutor's runsc probe. Empty skips the
	// probe and assumes the backend is reachable.
	RuntimeBinary string
	// Image is the container image started for a sandboxed handler.
	Image string
	// Teardown bounds how long container stop/remove may take; it always
	// runs on a background context since the request that triggered it
	// may already have been cancelled.
	Teardown time.Duration
}

func (c Config) withDefaults() Config {
	if c.Teardown <= 0 {
		c.Teardown = 10 * time.Second
	}
	return c
}

// ProcessIsolationHook sandboxes handlers whose types.HandlerDefinition
// sets Sandboxed, provisioning one ghost container per invocation via a
// ghostpool.PoolBackend. If the configured runtime binary isn't present,
// or the backend fails to provision a container, it logs once and runs
// the handler unsandboxed rather than failing the execution outright —
// the same demo-mode fallback gvisor.SandboxExecutor uses for runsc.
type ProcessIsolationHook struct {
	backend   ghostpool.PoolBackend
	cfg       Config
	available bool

	warnOnce sync.Once
}

// NewProcessIsolationHook probes the runtime and wires backend as the
// container provisioner for sandboxed handlers.
func NewProcessIsolationHook(cfg Config, backend ghostpool.PoolBackend) *ProcessIsolationHook {
	cfg = cfg.withDefaults()
	available := true
	if cfg.RuntimeBinary != "" {
		if _, err := exec.LookPath(cfg.RuntimeBinary); err != nil {
			slog.Warn("sandbox runtime not found, sandboxed handlers will run in demo mode", "runtime", cfg.RuntimeBinary, "error", err)
			available = false
		}
	}
	return &ProcessIsolationHook{backend: backend, cfg: cfg, available: available}
}

// IsAvailable reports whether the configured runtime was found at
// construction time.
func (h *ProcessIsolationHook) IsAvailable() bool {
	return h.available
}

// BeforeExecute provisions a ghost container for a sandboxed handler.
// Non-sandboxed handlers, or handlers running while the backend is
// unavailable, pass through unmodified.
func (h *ProcessIsolationHook) BeforeExecute(ctx context.Context, execCtx types.ExecutionContext, def types.HandlerDefinition) (context.Context, error) {
	if !def.Sandboxed {
		return ctx, nil
	}
	if !h.available || h.backend == nil {
		h.warnOnce.Do(func() {
			slog.Warn("sandbox backend unavailable, sandboxed handlers run in demo mode", "backend", h.backendName())
		})
		return ctx, nil
	}

	containerID, err := h.backend.CreateContainer(ctx, h.cfg.Image)
	if err != nil {
		slog.Warn("sandbox container create failed, running handler unsandboxed", "handler", def.Name, "execution_id", execCtx.ExecutionID, "error", err)
		return ctx, nil
	}
	if err := h.backend.StartContainer(ctx, containerID); err != nil {
		slog.Warn("sandbox container start failed, running handler unsandboxed", "handler", def.Name, "execution_id", execCtx.ExecutionID, "error", err)
		h.teardown(containerID)
		return ctx, nil
	}

	slog.Info("sandbox container ready", "handler", def.Name, "execution_id", execCtx.ExecutionID, "container_id", containerID, "backend", h.backendName())
	return context.WithValue(ctx, containerIDKey, containerID), nil
}

// AfterExecute tears down any container BeforeExecute provisioned for
// this invocation.
func (h *ProcessIsolationHook) AfterExecute(ctx context.Context, execCtx types.ExecutionContext, def types.HandlerDefinition, outputs map[string]interface{}, execErr error) {
	containerID, ok := ctx.Value(containerIDKey).(string)
	if !ok || containerID == "" {
		return
	}
	h.teardown(containerID)
}

func (h *ProcessIsolationHook) teardown(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.Teardown)
	defer cancel()
	if err := h.backend.StopContainer(ctx, containerID); err != nil {
		slog.Warn("sandbox container stop failed", "container_id", containerID, "error", err)
	}
	if err := h.backend.RemoveContainer(ctx, containerID); err != nil {
		slog.Warn("sandbox container remove failed", "container_id", containerID, "error", err)
	}
}

func (h *ProcessIsolationHook) backendName() string {
	if h.backend == nil {
		return "none"
	}
	return h.backend.Name()
}
