package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/cognigate/internal/auditbuffer"
	"github.com/ocx/cognigate/internal/bulkhead"
	"github.com/ocx/cognigate/internal/circuitbreaker"
	"github.com/ocx/cognigate/internal/engine"
	"github.com/ocx/cognigate/internal/execcache"
	"github.com/ocx/cognigate/internal/handlerregistry"
	"github.com/ocx/cognigate/internal/infra"
	"github.com/ocx/cognigate/internal/metrics"
	"github.com/ocx/cognigate/internal/queue"
	"github.com/ocx/cognigate/internal/resourcemonitor"
	"github.com/ocx/cognigate/internal/types"
	"github.com/ocx/cognigate/internal/webhooks"
)

type fakeSink struct{}

func (fakeSink) Persist(ctx context.Context, entries []types.AuditEntry) error { return nil }

func testServer(t *testing.T) (*Server, *handlerregistry.Registry) {
	t.Helper()
	reg := handlerregistry.New()
	bh := bulkhead.New(10, 5, 2, 5)
	store := infra.NewMemStore()
	cache := execcache.New(100, store, nil, time.Minute)
	mon := resourcemonitor.New()
	audit := auditbuffer.New(auditbuffer.Config{Capacity: 100, BatchSize: 50, FlushInterval: time.Hour}, fakeSink{}, nil)
	breakers := circuitbreaker.NewManager(nil)

	eng := engine.New(engine.Config{
		DefaultLimits: types.ResourceLimits{
			MaxMemoryMB: 256, MaxCPUPercent: 100, TimeoutMs: 5000,
			MaxNetworkRequests: 10, MaxFilesystemOps: 10, MaxConcurrentOps: 5,
			MaxPayloadBytes: 1 << 20, MaxRetries: 2, NetworkCallTimeout: 1000,
		},
		DefaultRetryPolicy: types.RetryPolicy{MaxRetries: 2, BackoffMs: 5, BackoffMultiplier: 2, MaxBackoffMs: 50},
		QueueTimeout:       time.Second,
	}, reg, bh, cache, mon, audit, breakers)
	t.Cleanup(func() { _ = eng.Shutdown(context.Background()) })

	q := queue.New(queue.Config{}, store)
	hooks := webhooks.NewRegistry()
	m := metrics.New(prometheus.NewRegistry())
	reporter := metrics.NewReporter("test")

	s := New(Config{
		Engine:      eng,
		Queue:       q,
		Registry:    reg,
		Webhooks:    hooks,
		Metrics:     m,
		Reporter:    reporter,
		CORSOrigins: nil,
		RateLimit:   RateLimitConfig{RequestsPerSecond: 1000, Burst: 1000},
	})
	return s, reg
}

func TestSubmitExecutionSynchronous(t *testing.T) {
	s, reg := testServer(t)
	_, err := reg.Register(types.HandlerDefinition{
		Name:        "echo",
		Version:     "1.0.0",
		IntentTypes: []string{"echo"},
		Handler: func(ctx types.ExecutionContext, cancel <-chan struct{}) (map[string]interface{}, error) {
			return map[string]interface{}{"ok": true}, nil
		},
	})
	require.NoError(t, err)

	body, _ := json.Marshal(submitExecutionRequest{
		Intent:   types.Intent{ID: "intent-1", IntentType: "echo"},
		Decision: types.Decision{Action: types.ActionAllow},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/executions", bytes.NewReader(body))
	req.Header.Set("X-Tenant-ID", "tenant-a")
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var result types.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, types.StateCompleted, result.Status)
}

func TestSubmitExecutionRejectsMissingTenant(t *testing.T) {
	s, _ := testServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/executions", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRegisterAndListWebhooks(t *testing.T) {
	s, _ := testServer(t)

	body, _ := json.Marshal(registerWebhookRequest{
		URL:    "https://example.com/hook",
		Events: []webhooks.EventType{webhooks.EventExecutionCompleted},
		Secret: "shh",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks", bytes.NewReader(body))
	req.Header.Set("X-Tenant-ID", "tenant-a")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	listReq := httptest.NewRequest(http.MethodGet, "/api/v1/webhooks", nil)
	listReq.Header.Set("X-Tenant-ID", "tenant-a")
	listRec := httptest.NewRecorder()
	s.Router().ServeHTTP(listRec, listReq)
	require.Equal(t, http.StatusOK, listRec.Code)

	var subs []*webhooks.Subscription
	require.NoError(t, json.Unmarshal(listRec.Body.Bytes(), &subs))
	require.Len(t, subs, 1)
	assert.Equal(t, "https://example.com/hook", subs[0].URL)
}

func TestHealthEndpointBypassesTenantMiddleware(t *testing.T) {
	s, reg := testServer(t)
	_, err := reg.Register(types.HandlerDefinition{
		Name:        "probe",
		Version:     "1.0.0",
		IntentTypes: []string{"probe"},
		Handler: func(ctx types.ExecutionContext, cancel <-chan struct{}) (map[string]interface{}, error) {
			return nil, nil
		},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyEndpointReflectsFailingCheck(t *testing.T) {
	s, _ := testServer(t)
	s.readinessChecks = []func() metrics.ReadinessCheck{
		func() metrics.ReadinessCheck { return metrics.ReadinessCheck{Name: "store", Ready: true} },
		func() metrics.ReadinessCheck { return metrics.ReadinessCheck{Name: "db", Ready: false, Error: "down"} },
	}

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRateLimitMiddlewareRejectsOverBurst(t *testing.T) {
	s, _ := testServer(t)
	s.rateLimit = RateLimitConfig{RequestsPerSecond: 0.001, Burst: 1}

	req := func() *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/handlers", nil)
		r.Header.Set("X-Tenant-ID", "tenant-a")
		return r
	}

	first := httptest.NewRecorder()
	s.Router().ServeHTTP(first, req())
	assert.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	s.Router().ServeHTTP(second, req())
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}
