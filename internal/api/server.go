// Package api implements C12: the HTTP surface for submitting and
// managing executions, registering webhooks, and the health/readiness/
// metrics endpoints. Adapted from the teacher's gorilla/mux Server,
// retargeted from the AOCS ghost-pool/escrow/reputation endpoints to
// the Cognigate execution lifecycle, with tenant-isolation and
// token-bucket rate-limit middleware added per spec.md §6.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocx/cognigate/internal/database"
	"github.com/ocx/cognigate/internal/engine"
	"github.com/ocx/cognigate/internal/handlerregistry"
	"github.com/ocx/cognigate/internal/metrics"
	"github.com/ocx/cognigate/internal/queue"
	"github.com/ocx/cognigate/internal/types"
	"github.com/ocx/cognigate/internal/webhooks"
)

// Server exposes the execution engine over REST/JSON.
type Server struct {
	engine   *engine.Engine
	queue    *queue.Queue
	registry *handlerregistry.Registry
	webhooks *webhooks.Registry
	metrics  *metrics.Metrics
	reporter *metrics.Reporter
	breakers healthSource
	audit    AuditSource

	corsOrigins []string
	rateLimit   RateLimitConfig
	limiter     *tenantLimiter
	limiterOnce sync.Once
	apiKeys     APIKeyValidator

	readinessChecks []func() metrics.ReadinessCheck
}

// healthSource is satisfied by engine.Engine; narrowed so tests can fake it.
type healthSource interface {
	GetHealth() engine.Health
}

// AuditSource is the durable audit query boundary, satisfied by
// *database.Repository. The in-memory audit buffer is strictly
// write-through and never read from here; a nil source means audit
// queries are unavailable, not that they fall back to the buffer.
type AuditSource interface {
	QueryAudit(ctx context.Context, tenantID string, q database.AuditQuery) ([]types.AuditEntry, error)
}

// Config wires a Server to its collaborators and tunables.
type Config struct {
	Engine          *engine.Engine
	Queue           *queue.Queue
	Registry        *handlerregistry.Registry
	Webhooks        *webhooks.Registry
	Metrics         *metrics.Metrics
	Reporter        *metrics.Reporter
	Audit           AuditSource
	CORSOrigins     []string
	RateLimit       RateLimitConfig
	APIKeys         APIKeyValidator
	ReadinessChecks []func() metrics.ReadinessCheck
}

// New builds a Server from its collaborators.
func New(cfg Config) *Server {
	return &Server{
		engine:          cfg.Engine,
		queue:           cfg.Queue,
		registry:        cfg.Registry,
		webhooks:        cfg.Webhooks,
		metrics:         cfg.Metrics,
		reporter:        cfg.Reporter,
		breakers:        cfg.Engine,
		audit:           cfg.Audit,
		corsOrigins:     cfg.CORSOrigins,
		rateLimit:       cfg.RateLimit,
		apiKeys:         cfg.APIKeys,
		readinessChecks: cfg.ReadinessChecks,
	}
}

// Router builds the full mux.Router with middleware and routes wired,
// separated from Start so tests can exercise it with httptest.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.Use(s.corsMiddleware)
	r.Use(s.tenantMiddleware)
	r.Use(s.apiKeyMiddleware)
	r.Use(s.rateLimitMiddleware())
	r.Use(loggingMiddleware)

	r.HandleFunc("/api/v1/executions", s.handleSubmitExecution).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/executions", s.handleListExecutions).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/executions/{id}", s.handleGetExecution).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/executions/{id}/terminate", s.handleTerminate).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/executions/{id}/pause", s.handlePause).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/executions/{id}/resume", s.handleResume).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/executions/{id}/stream", s.handleExecutionStream).Methods(http.MethodGet)

	r.HandleFunc("/api/v1/handlers", s.handleListHandlers).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/handlers/{name}", s.handleGetHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/handlers/{name}/drain", s.handleDrainHandler).Methods(http.MethodPost)

	r.HandleFunc("/api/v1/audit", s.handleQueryAudit).Methods(http.MethodGet)

	r.HandleFunc("/api/v1/webhooks", s.handleRegisterWebhook).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/webhooks", s.handleListWebhooks).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/webhooks/{id}", s.handleUnregisterWebhook).Methods(http.MethodDelete)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return r
}

// Start runs the HTTP server on addr, respecting ctx for graceful shutdown.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("api server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func tenantIDFromRequest(r *http.Request) string {
	return r.Header.Get("X-Tenant-ID")
}
