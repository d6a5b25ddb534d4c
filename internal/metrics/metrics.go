// Package metrics implements C11: Prometheus instrumentation for every
// component plus a health/readiness roll-up for the HTTP API surface.
// Grounded on internal/escrow/metrics.go's promauto-constructed
// CounterVec/GaugeVec/HistogramVec fields with Record*/Update* helper
// methods, retargeted from Economic Barrier (entropy/tax/trust) metrics
// to execution-engine metrics (executions, retries, cache, bulkhead,
// queue, handler health, circuit breakers).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the engine and its
// collaborators report through.
type Metrics struct {
	ExecutionsTotal    *prometheus.CounterVec
	ExecutionDuration  *prometheus.HistogramVec
	ExecutionRetries   *prometheus.CounterVec
	ActiveExecutions   prometheus.Gauge

	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	BulkheadRejections *prometheus.CounterVec
	BulkheadInUse      *prometheus.GaugeVec
	BulkheadQueued     *prometheus.GaugeVec

	QueuePending  prometheus.Gauge
	QueueInFlight prometheus.Gauge
	DeadLetters   *prometheus.CounterVec

	HandlerFailures *prometheus.CounterVec
	HandlerState    *prometheus.GaugeVec

	CircuitState *prometheus.GaugeVec

	ResourceViolations *prometheus.CounterVec

	WebhookDeliveries *prometheus.CounterVec
}

// New constructs and registers every collector against reg. Each
// composition root (and each test) should pass its own
// prometheus.NewRegistry() rather than relying on the global default
// registerer, so repeated construction within one process never panics
// on a duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ExecutionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cognigate_executions_total",
				Help: "Total number of executions by handler and terminal status",
			},
			[]string{"handler", "status"},
		),
		ExecutionDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cognigate_execution_duration_seconds",
				Help:    "Duration of a full execution attempt including retries",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"handler"},
		),
		ExecutionRetries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cognigate_execution_retries_total",
				Help: "Total number of retry attempts across all executions",
			},
			[]string{"handler"},
		),
		ActiveExecutions: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "cognigate_active_executions",
				Help: "Number of executions currently in flight",
			},
		),
		CacheHits: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cognigate_cache_hits_total",
				Help: "Idempotence cache hits by tier",
			},
			[]string{"tier"},
		),
		CacheMisses: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cognigate_cache_misses_total",
				Help: "Idempotence cache misses",
			},
			[]string{"tier"},
		),
		BulkheadRejections: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cognigate_bulkhead_rejections_total",
				Help: "Executions rejected by the bulkhead, by level",
			},
			[]string{"level"},
		),
		BulkheadInUse: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cognigate_bulkhead_in_use",
				Help: "Slots currently held, by level",
			},
			[]string{"level"},
		),
		BulkheadQueued: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cognigate_bulkhead_queued",
				Help: "Waiters currently queued, by level",
			},
			[]string{"level"},
		),
		QueuePending: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "cognigate_queue_pending",
				Help: "Jobs buffered and not yet picked up by a worker",
			},
		),
		QueueInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "cognigate_queue_in_flight",
				Help: "Jobs currently being processed",
			},
		),
		DeadLetters: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cognigate_dead_letters_total",
				Help: "Jobs moved to the dead-letter lane",
			},
			[]string{"handler"},
		),
		HandlerFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cognigate_handler_failures_total",
				Help: "Handler execution failures",
			},
			[]string{"handler"},
		),
		HandlerState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cognigate_handler_state",
				Help: "Handler state as a numeric code (0=active,1=degraded,2=draining,3=inactive)",
			},
			[]string{"handler"},
		),
		CircuitState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cognigate_circuit_state",
				Help: "Circuit breaker state as a numeric code (0=closed,1=half_open,2=open)",
			},
			[]string{"breaker"},
		),
		ResourceViolations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cognigate_resource_violations_total",
				Help: "Resource limit violations by dimension and severity",
			},
			[]string{"dimension", "severity"},
		),
		WebhookDeliveries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cognigate_webhook_deliveries_total",
				Help: "Webhook delivery attempts by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// RecordExecution records one terminal execution outcome.
func (m *Metrics) RecordExecution(handler, status string, durationSeconds float64, retries int) {
	m.ExecutionsTotal.WithLabelValues(handler, status).Inc()
	m.ExecutionDuration.WithLabelValues(handler).Observe(durationSeconds)
	if retries > 0 {
		m.ExecutionRetries.WithLabelValues(handler).Add(float64(retries))
	}
}

// RecordCache records a cache lookup outcome for a tier ("l1" or "l2").
func (m *Metrics) RecordCache(tier string, hit bool) {
	if hit {
		m.CacheHits.WithLabelValues(tier).Inc()
	} else {
		m.CacheMisses.WithLabelValues(tier).Inc()
	}
}

// RecordBulkheadRejection increments the rejection counter for a level
// ("global", "tenant", or "handler").
func (m *Metrics) RecordBulkheadRejection(level string) {
	m.BulkheadRejections.WithLabelValues(level).Inc()
}

// SetBulkheadStats publishes the current in-use/queued gauges for a level.
func (m *Metrics) SetBulkheadStats(level string, inUse, queued int) {
	m.BulkheadInUse.WithLabelValues(level).Set(float64(inUse))
	m.BulkheadQueued.WithLabelValues(level).Set(float64(queued))
}

// RecordDeadLetter increments the dead-letter counter for a handler.
func (m *Metrics) RecordDeadLetter(handler string) {
	m.DeadLetters.WithLabelValues(handler).Inc()
}

// RecordHandlerFailure increments a handler's failure counter.
func (m *Metrics) RecordHandlerFailure(handler string) {
	m.HandlerFailures.WithLabelValues(handler).Inc()
}

// handlerStateCode maps a handler state string to the numeric code the
// HandlerState gauge publishes.
func handlerStateCode(state string) float64 {
	switch state {
	case "active":
		return 0
	case "degraded":
		return 1
	case "draining":
		return 2
	case "inactive":
		return 3
	default:
		return -1
	}
}

// SetHandlerState publishes a handler's current lifecycle state.
func (m *Metrics) SetHandlerState(handler, state string) {
	m.HandlerState.WithLabelValues(handler).Set(handlerStateCode(state))
}

func circuitStateCode(state string) float64 {
	switch state {
	case "CLOSED":
		return 0
	case "HALF_OPEN":
		return 1
	case "OPEN":
		return 2
	default:
		return -1
	}
}

// SetCircuitState publishes a named breaker's current state.
func (m *Metrics) SetCircuitState(breaker, state string) {
	m.CircuitState.WithLabelValues(breaker).Set(circuitStateCode(state))
}

// RecordViolation increments the resource violation counter.
func (m *Metrics) RecordViolation(dimension, severity string) {
	m.ResourceViolations.WithLabelValues(dimension, severity).Inc()
}

// RecordWebhookDelivery increments the delivery counter by outcome
// ("delivered", "failed", "dropped").
func (m *Metrics) RecordWebhookDelivery(outcome string) {
	m.WebhookDeliveries.WithLabelValues(outcome).Inc()
}
