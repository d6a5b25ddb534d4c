// Package main wires the full Cognigate runtime together and serves it
// over HTTP. Construction order mirrors internal/api/server_test.go's
// testServer helper, the one place every collaborator's wiring was
// already proven correct, extended with the durable Postgres repository,
// Redis-backed store, sandbox enforcement hook, and graceful shutdown a
// real deployment needs beyond what a unit test fixture does.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ocx/cognigate/internal/api"
	"github.com/ocx/cognigate/internal/auditbuffer"
	"github.com/ocx/cognigate/internal/bulkhead"
	"github.com/ocx/cognigate/internal/circuitbreaker"
	"github.com/ocx/cognigate/internal/config"
	"github.com/ocx/cognigate/internal/database"
	"github.com/ocx/cognigate/internal/engine"
	"github.com/ocx/cognigate/internal/execcache"
	"github.com/ocx/cognigate/internal/ghostpool"
	"github.com/ocx/cognigate/internal/handlerregistry"
	"github.com/ocx/cognigate/internal/infra"
	"github.com/ocx/cognigate/internal/lockservice"
	"github.com/ocx/cognigate/internal/metrics"
	"github.com/ocx/cognigate/internal/queue"
	"github.com/ocx/cognigate/internal/resourcemonitor"
	"github.com/ocx/cognigate/internal/sandbox"
	"github.com/ocx/cognigate/internal/types"
	"github.com/ocx/cognigate/internal/webhooks"
)

const buildVersion = "0.1.0"

func main() {
	cfg := config.Get()

	reg := handlerregistry.New()
	bh := bulkhead.New(cfg.Bulkhead.GlobalCapacity, cfg.Bulkhead.TenantCapacity, cfg.Bulkhead.HandlerCapacity, cfg.Bulkhead.MaxQueued)

	store, closeStore := openStore(cfg)
	defer closeStore()

	repo, err := database.Open(cfg.Database)
	if err != nil {
		slog.Error("database: failed to open, audit entries will be dropped on persist", "error", err)
		repo = nil
	} else {
		defer repo.Close()
	}

	breakers := circuitbreaker.NewManager(nil)
	cacheBreaker := circuitbreaker.New(circuitbreaker.DefaultConfig("cognigate-cache-l2"))
	auditBreaker := circuitbreaker.New(circuitbreaker.DefaultConfig("cognigate-audit-sink"))

	cache := execcache.New(cfg.Cache.L1Capacity, store, cacheBreaker, time.Duration(cfg.Cache.L2TTLSec)*time.Second)
	stopSweeper := cache.StartSweeper(time.Duration(cfg.Cache.SweepIntervalSec) * time.Second)
	defer stopSweeper()
	mon := resourcemonitor.New()

	var sink auditbuffer.Sink = noopSink{}
	if repo != nil {
		sink = repo
	}
	audit := auditbuffer.New(auditbuffer.Config{
		Capacity:      cfg.Audit.Capacity,
		BatchSize:     cfg.Audit.BatchSize,
		FlushInterval: time.Duration(cfg.Audit.FlushIntervalMs) * time.Millisecond,
	}, sink, auditBreaker)
	defer func() {
		shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shCancel()
		_ = audit.Shutdown(shCtx)
	}()

	eng := engine.New(engine.Config{
		DefaultLimits: types.ResourceLimits{
			MaxMemoryMB:        cfg.Resources.MaxMemoryMB,
			MaxCPUPercent:      cfg.Resources.MaxCPUPercent,
			TimeoutMs:          cfg.Resources.TimeoutMs,
			MaxNetworkRequests: cfg.Resources.MaxNetworkRequests,
			MaxFilesystemOps:   cfg.Resources.MaxFilesystemOps,
			MaxConcurrentOps:   cfg.Resources.MaxConcurrentOps,
			MaxPayloadBytes:    cfg.Resources.MaxPayloadBytes,
			MaxRetries:         cfg.Resources.MaxRetries,
			NetworkCallTimeout: cfg.Resources.NetworkCallTimeout,
		},
		DefaultRetryPolicy: types.RetryPolicy{
			MaxRetries:        cfg.Resources.MaxRetries,
			BackoffMs:         cfg.Engine.DefaultBackoffMs,
			BackoffMultiplier: cfg.Engine.DefaultBackoffMultiplier,
			MaxBackoffMs:      cfg.Engine.DefaultMaxBackoffMs,
		},
		QueueTimeout:            time.Duration(cfg.Bulkhead.QueueTimeoutMs) * time.Millisecond,
		GracefulShutdownTimeout: time.Duration(cfg.Engine.GracefulShutdownMs) * time.Millisecond,
	}, reg, bh, cache, mon, audit, breakers)
	defer func() {
		shCtx, shCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shCancel()
		if err := eng.Shutdown(shCtx); err != nil {
			slog.Error("engine: shutdown error", "error", err)
		}
	}()

	eng.SetSandboxHook(buildSandboxHook(cfg))
	eng.SetLockService(lockservice.New(store, circuitbreaker.New(circuitbreaker.DefaultConfig("cognigate-lock-store"))))

	hooksRegistry := webhooks.NewRegistry()
	dispatcher := webhooks.NewDispatcher(hooksRegistry, cfg.Webhook.WorkerCount)
	defer dispatcher.Shutdown()

	q := queue.New(queue.Config{
		WorkerCount: cfg.Engine.WorkerCount,
	}, store)
	q.Start(context.Background(), processorWithWebhooks(eng, dispatcher))
	defer q.Stop()

	m := metrics.New(prometheus.NewRegistry())
	reporter := metrics.NewReporter(buildVersion)

	readinessChecks := []func() metrics.ReadinessCheck{
		func() metrics.ReadinessCheck {
			return metrics.Check("store", func() error {
				return store.Set(context.Background(), "cognigate:readiness:probe", []byte("1"), time.Second)
			})
		},
	}
	if repo != nil {
		readinessChecks = append(readinessChecks, func() metrics.ReadinessCheck {
			return metrics.Check("database", func() error { return repo.Ping(context.Background()) })
		})
	}

	apiCfg := api.Config{
		Engine:          eng,
		Queue:           q,
		Registry:        reg,
		Webhooks:        hooksRegistry,
		Metrics:         m,
		Reporter:        reporter,
		CORSOrigins:     cfg.Server.CORSAllowOrigins,
		RateLimit:       cfg.RateLimit,
		APIKeys:         buildAPIKeyValidator(cfg),
		ReadinessChecks: readinessChecks,
	}
	if repo != nil {
		apiCfg.Audit = repo
	}
	server := api.New(apiCfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := cfg.Server.Interface + ":" + cfg.GetPort()
	slog.Info("cognigate: starting", "addr", addr, "env", cfg.Server.Env)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(ctx, addr) }()

	select {
	case <-ctx.Done():
		slog.Info("cognigate: shutdown signal received")
	case err := <-errCh:
		if err != nil {
			slog.Error("cognigate: server exited", "error", err)
		}
	}
}

// openStore builds the distributed store (C14) backing the queue dedup
// set, the L2 cache tier, and readiness probing. It degrades to an
// in-memory store on a Redis connection failure the way cmd/api/main.go
// degrades its Hub store and event bus, rather than refusing to start.
func openStore(cfg *config.Config) (infra.Store, func()) {
	adapter, err := infra.NewGoRedisAdapter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		slog.Warn("redis: connection failed, falling back to in-memory store", "addr", cfg.Redis.Addr, "error", err)
		return infra.NewMemStore(), func() {}
	}
	return adapter, func() { adapter.Close() }
}

// buildSandboxHook assembles the C15 enforcement chain from cfg.Sandbox:
// a no-op when sandboxing is disabled, otherwise process isolation via
// ghostpool's Docker backend, optionally wrapped with SPIFFE identity
// verification when a SPIRE socket is configured.
func buildSandboxHook(cfg *config.Config) sandbox.Hook {
	if !cfg.Sandbox.Enabled {
		return sandbox.NoopHook{}
	}

	backend := ghostpool.NewDockerBackend(cfg.Sandbox.RuntimeBinary)
	var hook sandbox.Hook = sandbox.NewProcessIsolationHook(sandbox.Config{
		RuntimeBinary: cfg.Sandbox.RuntimeBinary,
		Image:         cfg.Sandbox.Image,
		Teardown:      time.Duration(cfg.Sandbox.TeardownTimeoutSec) * time.Second,
	}, backend)

	if cfg.Sandbox.SpiffeSocketPath != "" {
		hook = sandbox.NewIdentityVerifyingHook(hook, cfg.Sandbox.SpiffeSocketPath, cfg.Sandbox.SpiffeTrustDomain)
	}
	return hook
}

// buildAPIKeyValidator wires the C12 bearer-token boundary from
// cfg.Security.TenantAPIKeyHashes. An empty map (the default, nothing
// configured) returns nil rather than an empty store, which leaves the
// boundary open for deployments that haven't provisioned tenant keys yet
// instead of locking every tenant out.
func buildAPIKeyValidator(cfg *config.Config) api.APIKeyValidator {
	if len(cfg.Security.TenantAPIKeyHashes) == 0 {
		return nil
	}
	return api.NewBcryptAPIKeyStore(cfg.Security.TenantAPIKeyHashes)
}

// processorWithWebhooks adapts engine.Execute into a queue.Processor that
// additionally emits the execution's terminal lifecycle event, the one
// notification point neither the engine nor the synchronous HTTP path
// (which calls eng.ExecuteWithCache and is observed by its own response
// body) provide on their own.
func processorWithWebhooks(eng *engine.Engine, dispatcher *webhooks.Dispatcher) queue.Processor {
	return func(ctx context.Context, execCtx types.ExecutionContext) (*types.Result, error) {
		result, err := eng.Execute(ctx, execCtx)
		if result == nil {
			return result, err
		}

		event := webhooks.EventExecutionCompleted
		switch result.Status {
		case types.StateFailed, types.StateTimedOut, types.StateResourceExceeded:
			event = webhooks.EventExecutionFailed
		case types.StateTerminated:
			event = webhooks.EventExecutionTerminated
		}
		dispatcher.Emit(event, execCtx.TenantID, map[string]interface{}{
			"execution_id": result.ExecutionID,
			"status":       result.Status,
		})
		return result, err
	}
}

type noopSink struct{}

func (noopSink) Persist(ctx context.Context, entries []types.AuditEntry) error { return nil }
