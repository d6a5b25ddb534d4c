package metrics

import "time"

// HealthStatus is the engine's overall liveness verdict.
type HealthStatus string

const (
	HealthStatusHealthy  HealthStatus = "healthy"
	HealthStatusDegraded HealthStatus = "degraded"
)

// Health is the /health response body: liveness plus a breakdown of
// what's degraded, if anything.
type Health struct {
	Status          HealthStatus      `json:"status"`
	Version         string            `json:"version"`
	UptimeSeconds   float64           `json:"uptime_seconds"`
	ActiveCount     int               `json:"active_executions"`
	CircuitBreakers map[string]string `json:"circuit_breakers,omitempty"`
}

// ReadinessCheck is one dependency probed for /ready.
type ReadinessCheck struct {
	Name  string `json:"name"`
	Ready bool   `json:"ready"`
	Error string `json:"error,omitempty"`
}

// Readiness is the /ready response body: whether the instance should
// receive new traffic.
type Readiness struct {
	Ready  bool             `json:"ready"`
	Checks []ReadinessCheck `json:"checks"`
}

// Reporter assembles Health/Readiness snapshots for the HTTP API surface.
type Reporter struct {
	version   string
	startedAt time.Time
}

// NewReporter builds a Reporter that measures uptime from construction time.
func NewReporter(version string) *Reporter {
	return &Reporter{version: version, startedAt: time.Now()}
}

// BuildHealth assembles a Health snapshot from the engine's own roll-up
// (status string + per-breaker state map) and active execution count.
func (r *Reporter) BuildHealth(status string, breakers map[string]string, activeCount int) Health {
	s := HealthStatusHealthy
	if status != "HEALTHY" && status != "healthy" {
		s = HealthStatusDegraded
	}
	return Health{
		Status:          s,
		Version:         r.version,
		UptimeSeconds:   time.Since(r.startedAt).Seconds(),
		ActiveCount:     activeCount,
		CircuitBreakers: breakers,
	}
}

// BuildReadiness runs each check and reports whether all passed.
func (r *Reporter) BuildReadiness(checks ...ReadinessCheck) Readiness {
	ready := true
	for _, c := range checks {
		if !c.Ready {
			ready = false
			break
		}
	}
	return Readiness{Ready: ready, Checks: checks}
}

// Check runs fn and turns its error (if any) into a ReadinessCheck.
func Check(name string, fn func() error) ReadinessCheck {
	if err := fn(); err != nil {
		return ReadinessCheck{Name: name, Ready: false, Error: err.Error()}
	}
	return ReadinessCheck{Name: name, Ready: true}
}
