package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/google/uuid"

	"github.com/ocx/cognigate/internal/cgerrors"
	"github.com/ocx/cognigate/internal/database"
	"github.com/ocx/cognigate/internal/metrics"
	"github.com/ocx/cognigate/internal/types"
	"github.com/ocx/cognigate/internal/webhooks"
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Code: code, Message: message})
}

// writeCgErr maps a cgerrors.Error onto its spec.md §7 HTTP status.
func writeCgErr(w http.ResponseWriter, err error) {
	cgErr, ok := cgerrors.AsError(err)
	if !ok {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeError(w, cgerrors.HTTPStatus(cgErr.Kind), string(cgErr.Kind), cgErr.Error())
}

type submitExecutionRequest struct {
	Intent         types.Intent           `json:"intent"`
	Decision       types.Decision         `json:"decision"`
	HandlerName    string                 `json:"handler_name,omitempty"`
	ResourceLimits *types.ResourceLimits  `json:"resource_limits,omitempty"`
	Deadline       *time.Time             `json:"deadline,omitempty"`
	Priority       int                    `json:"priority,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	Async          bool                   `json:"async,omitempty"`
}

// handleSubmitExecution runs an execution synchronously via the engine, or
// enqueues it for the worker pool when async=true.
func (s *Server) handleSubmitExecution(w http.ResponseWriter, r *http.Request) {
	var req submitExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "could not decode request body")
		return
	}

	tenantID := tenantFromContext(r.Context())
	req.Intent.TenantID = tenantID

	if req.Metadata == nil {
		req.Metadata = map[string]interface{}{}
	}
	execCtx := types.ExecutionContext{
		ExecutionID:    uuid.NewString(),
		TenantID:       tenantID,
		Intent:         req.Intent,
		Decision:       req.Decision,
		HandlerName:    req.HandlerName,
		ResourceLimits: req.ResourceLimits,
		Deadline:       req.Deadline,
		Priority:       req.Priority,
		Metadata:       req.Metadata,
	}

	if req.Async {
		if err := s.queue.Enqueue(r.Context(), execCtx); err != nil {
			writeCgErr(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"execution_id": execCtx.ExecutionID, "status": "queued"})
		return
	}

	result, err := s.engine.ExecuteWithCache(r.Context(), execCtx)
	if err != nil {
		writeCgErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.GetActiveExecutions())
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	active, ok := s.engine.GetStatus(id)
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such execution")
		return
	}
	writeJSON(w, http.StatusOK, active)
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.engine.Terminate(id); err != nil {
		writeCgErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"execution_id": id, "status": "terminated"})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.engine.Pause(id); err != nil {
		writeCgErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"execution_id": id, "status": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.engine.Resume(id); err != nil {
		writeCgErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"execution_id": id, "status": "running"})
}

func (s *Server) handleListHandlers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) handleGetHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	reg, ok := s.registry.GetByName(name)
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such handler")
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

// handleDrainHandler blocks until the handler's in-flight executions
// finish (bounded by the request context), then reports it inactive.
func (s *Server) handleDrainHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.registry.DrainAndWait(r.Context(), name); err != nil {
		writeCgErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"handler": name, "status": string(types.HandlerInactive)})
}

// handleQueryAudit serves the durable audit trail with filters. Without
// a repository wired the endpoint reports unavailable — the in-memory
// buffer is write-through only, never a read source.
func (s *Server) handleQueryAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusServiceUnavailable, "AUDIT_UNAVAILABLE", "no durable audit store is configured")
		return
	}

	q := database.AuditQuery{
		ExecutionID: r.URL.Query().Get("execution_id"),
		EventType:   r.URL.Query().Get("event_type"),
		Severity:    r.URL.Query().Get("severity"),
	}
	if v := r.URL.Query().Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_SINCE", "since must be RFC3339")
			return
		}
		q.Since = ts
	}
	if v := r.URL.Query().Get("until"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_UNTIL", "until must be RFC3339")
			return
		}
		q.Until = ts
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			writeError(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be an integer in [1,100]")
			return
		}
		q.Limit = n
	}

	entries, err := s.audit.QueryAudit(r.Context(), tenantFromContext(r.Context()), q)
	if err != nil {
		writeCgErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

type registerWebhookRequest struct {
	URL    string                `json:"url"`
	Events []webhooks.EventType  `json:"events"`
	Secret string                `json:"secret,omitempty"`
}

func (s *Server) handleRegisterWebhook(w http.ResponseWriter, r *http.Request) {
	var req registerWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "could not decode request body")
		return
	}
	sub := &webhooks.Subscription{
		ID:       uuid.NewString(),
		URL:      req.URL,
		Events:   req.Events,
		Secret:   req.Secret,
		Active:   true,
		TenantID: tenantFromContext(r.Context()),
	}
	if err := s.webhooks.Register(sub); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_WEBHOOK", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFromContext(r.Context())
	all := s.webhooks.ListAll()
	out := make([]*webhooks.Subscription, 0, len(all))
	for _, sub := range all {
		if sub.TenantID == tenantID {
			out = append(out, sub)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleUnregisterWebhook(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.webhooks.Unregister(id); err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	eh := s.breakers.GetHealth()
	h := s.reporter.BuildHealth(eh.Status, eh.CircuitBreakers, eh.ActiveCount)
	status := http.StatusOK
	if h.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := make([]metrics.ReadinessCheck, 0, len(s.readinessChecks)+1)
	engineReady := s.engine.GetReadiness()
	checks = append(checks, metrics.ReadinessCheck{Name: "engine", Ready: engineReady.Ready})
	for _, fn := range s.readinessChecks {
		checks = append(checks, fn())
	}
	ready := s.reporter.BuildReadiness(checks...)
	status := http.StatusOK
	if !ready.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, ready)
}
