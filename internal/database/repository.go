// Package database implements C13: the durable repository backing the
// audit trail and execution history that auditbuffer.Buffer (C7) flushes
// into. Adapted from the teacher's Supabase client — same table-per-
// entity CRUD shape (Get/List/Insert/Upsert per table) — but against
// plain Postgres via database/sql and lib/pq instead of Supabase's REST
// wrapper, since SPEC_FULL.md names no Supabase-specific feature (auto
// REST, Realtime) that any component needs once the repository contract
// is satisfied by direct SQL.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ocx/cognigate/internal/cgerrors"
	"github.com/ocx/cognigate/internal/config"
	"github.com/ocx/cognigate/internal/types"
)

// Repository is the Postgres-backed persistence boundary: execution
// history and the durable audit trail. It implements auditbuffer.Sink.
type Repository struct {
	db *sql.DB
}

// Open connects to Postgres per cfg and configures the pool the way the
// teacher's other database integrations size theirs.
func Open(cfg config.DatabaseConfig) (*Repository, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("database: open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifeSec) * time.Second)
	return &Repository{db: db}, nil
}

// Close releases the connection pool.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Ping backs the /ready readiness check for the database dependency.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Persist implements auditbuffer.Sink: it batch-inserts audit entries
// into execution_audit_log inside a single transaction, mirroring the
// teacher's InsertAuditLog/InsertGovernanceAuditLog shape but against a
// real SQL table instead of a REST insert call.
func (r *Repository) Persist(ctx context.Context, entries []types.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return cgerrors.New(cgerrors.KindDatabase, "AUDIT_PERSIST_BEGIN_FAILED", "could not open transaction").Wrap(err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO execution_audit_log
			(id, tenant_id, execution_id, intent_id, event_type, severity,
			 outcome, action, reason, handler_name, usage, violation,
			 trace_id, span_id, event_time, recorded_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (id) DO NOTHING`)
	if err != nil {
		return cgerrors.New(cgerrors.KindDatabase, "AUDIT_PERSIST_PREPARE_FAILED", "could not prepare insert").Wrap(err)
	}
	defer stmt.Close()

	for _, e := range entries {
		var usage, violation []byte
		if e.Usage != nil {
			if usage, err = json.Marshal(e.Usage); err != nil {
				return cgerrors.New(cgerrors.KindDatabase, "AUDIT_PERSIST_ENCODE_FAILED", "could not encode usage").Wrap(err)
			}
		}
		if e.Violation != nil {
			if violation, err = json.Marshal(e.Violation); err != nil {
				return cgerrors.New(cgerrors.KindDatabase, "AUDIT_PERSIST_ENCODE_FAILED", "could not encode violation").Wrap(err)
			}
		}

		if _, err := stmt.ExecContext(ctx,
			e.ID, e.TenantID, e.ExecutionID, e.IntentID, e.EventType, e.Severity,
			e.Outcome, e.Action, e.Reason, e.HandlerName, usage, violation,
			e.TraceID, e.SpanID, e.EventTime, e.RecordedAt,
		); err != nil {
			return cgerrors.New(cgerrors.KindDatabase, "AUDIT_PERSIST_INSERT_FAILED", "could not insert audit entry").Wrap(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return cgerrors.New(cgerrors.KindDatabase, "AUDIT_PERSIST_COMMIT_FAILED", "could not commit transaction").Wrap(err)
	}
	return nil
}

// SaveExecutionResult upserts an execution's terminal record, giving the
// API surface (C12) a queryable history beyond what the in-memory engine
// keeps for in-flight executions.
func (r *Repository) SaveExecutionResult(ctx context.Context, tenantID string, result *types.Result) error {
	outputs, err := marshalNullable(result.Outputs)
	if err != nil {
		return cgerrors.New(cgerrors.KindDatabase, "EXECUTION_SAVE_ENCODE_FAILED", "could not encode outputs").Wrap(err)
	}
	var errCode, errMessage sql.NullString
	var retryable sql.NullBool
	if result.Error != nil {
		errCode = sql.NullString{String: result.Error.Code, Valid: true}
		errMessage = sql.NullString{String: result.Error.Message, Valid: true}
		retryable = sql.NullBool{Bool: result.Error.Retryable, Valid: true}
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO executions
			(execution_id, tenant_id, status, outputs, retry_count,
			 error_code, error_message, error_retryable, started_at, finished_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (execution_id) DO UPDATE SET
			status = EXCLUDED.status,
			outputs = EXCLUDED.outputs,
			retry_count = EXCLUDED.retry_count,
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			error_retryable = EXCLUDED.error_retryable,
			finished_at = EXCLUDED.finished_at`,
		result.ExecutionID, tenantID, result.Status, outputs, result.RetryCount,
		errCode, errMessage, retryable, result.StartedAt, result.FinishedAt,
	)
	if err != nil {
		return cgerrors.New(cgerrors.KindDatabase, "EXECUTION_SAVE_FAILED", "could not save execution result").Wrap(err)
	}
	return nil
}

// GetExecution retrieves a previously-persisted execution's terminal
// record, for lookups the in-memory engine no longer tracks.
func (r *Repository) GetExecution(ctx context.Context, tenantID, executionID string) (*types.Result, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT execution_id, status, outputs, retry_count,
		       error_code, error_message, error_retryable, started_at, finished_at
		FROM executions
		WHERE tenant_id = $1 AND execution_id = $2 AND deleted_at IS NULL`, tenantID, executionID)

	var result types.Result
	var outputs []byte
	var errCode, errMessage sql.NullString
	var retryable sql.NullBool

	err := row.Scan(&result.ExecutionID, &result.Status, &outputs, &result.RetryCount,
		&errCode, &errMessage, &retryable, &result.StartedAt, &result.FinishedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, cgerrors.New(cgerrors.KindDatabase, "EXECUTION_GET_FAILED", "could not load execution").Wrap(err)
	}
	if len(outputs) > 0 {
		if err := json.Unmarshal(outputs, &result.Outputs); err != nil {
			return nil, cgerrors.New(cgerrors.KindDatabase, "EXECUTION_GET_DECODE_FAILED", "could not decode outputs").Wrap(err)
		}
	}
	if errCode.Valid {
		result.Error = &types.ErrorInfo{Code: errCode.String, Message: errMessage.String, Retryable: retryable.Bool}
	}
	return &result, nil
}

// ListExecutions lists a tenant's most recent persisted executions.
func (r *Repository) ListExecutions(ctx context.Context, tenantID string, limit int) ([]types.Result, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT execution_id, status, outputs, retry_count,
		       error_code, error_message, error_retryable, started_at, finished_at
		FROM executions
		WHERE tenant_id = $1 AND deleted_at IS NULL
		ORDER BY finished_at DESC
		LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, cgerrors.New(cgerrors.KindDatabase, "EXECUTION_LIST_FAILED", "could not list executions").Wrap(err)
	}
	defer rows.Close()

	var results []types.Result
	for rows.Next() {
		var result types.Result
		var outputs []byte
		var errCode, errMessage sql.NullString
		var retryable sql.NullBool

		if err := rows.Scan(&result.ExecutionID, &result.Status, &outputs, &result.RetryCount,
			&errCode, &errMessage, &retryable, &result.StartedAt, &result.FinishedAt); err != nil {
			return nil, cgerrors.New(cgerrors.KindDatabase, "EXECUTION_LIST_SCAN_FAILED", "could not scan execution row").Wrap(err)
		}
		if len(outputs) > 0 {
			_ = json.Unmarshal(outputs, &result.Outputs)
		}
		if errCode.Valid {
			result.Error = &types.ErrorInfo{Code: errCode.String, Message: errMessage.String, Retryable: retryable.Bool}
		}
		results = append(results, result)
	}
	return results, rows.Err()
}

// AuditQuery filters QueryAudit. Zero values mean "don't filter".
type AuditQuery struct {
	ExecutionID string
	EventType   string
	Severity    string
	Since       time.Time
	Until       time.Time
	Limit       int
}

// QueryAudit reads the durable audit trail for one tenant. The in-memory
// buffer is strictly write-through and never a read source; this is the
// only query path.
func (r *Repository) QueryAudit(ctx context.Context, tenantID string, q AuditQuery) ([]types.AuditEntry, error) {
	if q.Limit <= 0 || q.Limit > 100 {
		q.Limit = 100
	}

	where := "tenant_id = $1"
	args := []interface{}{tenantID}
	next := 2
	addFilter := func(clause string, value interface{}) {
		where += fmt.Sprintf(" AND %s $%d", clause, next)
		args = append(args, value)
		next++
	}
	if q.ExecutionID != "" {
		addFilter("execution_id =", q.ExecutionID)
	}
	if q.EventType != "" {
		addFilter("event_type =", q.EventType)
	}
	if q.Severity != "" {
		addFilter("severity =", q.Severity)
	}
	if !q.Since.IsZero() {
		addFilter("event_time >=", q.Since)
	}
	if !q.Until.IsZero() {
		addFilter("event_time <=", q.Until)
	}
	args = append(args, q.Limit)

	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, tenant_id, execution_id, intent_id, event_type, severity,
		       outcome, action, reason, handler_name, usage, violation,
		       trace_id, span_id, event_time, recorded_at
		FROM execution_audit_log
		WHERE %s
		ORDER BY event_time DESC
		LIMIT $%d`, where, next), args...)
	if err != nil {
		return nil, cgerrors.New(cgerrors.KindDatabase, "AUDIT_QUERY_FAILED", "could not query audit trail").Wrap(err)
	}
	defer rows.Close()

	return scanAuditRows(rows)
}

// GDPRAuditTrail returns every audit entry recorded for a tenant, the
// unbounded export the data-subject-access flow needs (QueryAudit caps
// page size; this runs one unpaginated query ordered by recorded_at).
func (r *Repository) GDPRAuditTrail(ctx context.Context, tenantID string) ([]types.AuditEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tenant_id, execution_id, intent_id, event_type, severity,
		       outcome, action, reason, handler_name, usage, violation,
		       trace_id, span_id, event_time, recorded_at
		FROM execution_audit_log
		WHERE tenant_id = $1
		ORDER BY recorded_at ASC`, tenantID)
	if err != nil {
		return nil, cgerrors.New(cgerrors.KindDatabase, "AUDIT_GDPR_QUERY_FAILED", "could not export audit trail").Wrap(err)
	}
	defer rows.Close()

	return scanAuditRows(rows)
}

func scanAuditRows(rows *sql.Rows) ([]types.AuditEntry, error) {
	var entries []types.AuditEntry
	for rows.Next() {
		var e types.AuditEntry
		var reason, handlerName, traceID, spanID, intentID sql.NullString
		var usage, violation []byte

		if err := rows.Scan(&e.ID, &e.TenantID, &e.ExecutionID, &intentID, &e.EventType, &e.Severity,
			&e.Outcome, &e.Action, &reason, &handlerName, &usage, &violation,
			&traceID, &spanID, &e.EventTime, &e.RecordedAt); err != nil {
			return nil, cgerrors.New(cgerrors.KindDatabase, "AUDIT_QUERY_SCAN_FAILED", "could not scan audit row").Wrap(err)
		}
		e.IntentID = intentID.String
		e.Reason = reason.String
		e.HandlerName = handlerName.String
		e.TraceID = traceID.String
		e.SpanID = spanID.String
		if len(usage) > 0 {
			_ = json.Unmarshal(usage, &e.Usage)
		}
		if len(violation) > 0 {
			_ = json.Unmarshal(violation, &e.Violation)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SoftDeleteExecutions stamps deleted_at on a tenant's execution records
// (all of them, or one when executionID is non-empty) and returns how
// many rows were marked. Idempotent: already-deleted rows are skipped.
func (r *Repository) SoftDeleteExecutions(ctx context.Context, tenantID, executionID string) (int64, error) {
	query := `UPDATE executions SET deleted_at = NOW() WHERE tenant_id = $1 AND deleted_at IS NULL`
	args := []interface{}{tenantID}
	if executionID != "" {
		query += " AND execution_id = $2"
		args = append(args, executionID)
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, cgerrors.New(cgerrors.KindDatabase, "EXECUTION_SOFT_DELETE_FAILED", "could not soft-delete executions").Wrap(err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// HardDeleteExecutions removes execution rows outright by id, returning
// the count removed. Used by the retention sweep after the soft-delete
// grace period; idempotent on retry of the same id list.
func (r *Repository) HardDeleteExecutions(ctx context.Context, executionIDs []string) (int64, error) {
	if len(executionIDs) == 0 {
		return 0, nil
	}
	res, err := r.db.ExecContext(ctx, `DELETE FROM executions WHERE execution_id = ANY($1)`, pq.Array(executionIDs))
	if err != nil {
		return 0, cgerrors.New(cgerrors.KindDatabase, "EXECUTION_HARD_DELETE_FAILED", "could not hard-delete executions").Wrap(err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// QueryExpiredSoftDeleted returns the ids of executions whose soft-delete
// stamp is older than olderThanDays, the candidates for the next
// HardDeleteExecutions sweep.
func (r *Repository) QueryExpiredSoftDeleted(ctx context.Context, olderThanDays int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT execution_id FROM executions
		WHERE deleted_at IS NOT NULL AND deleted_at < NOW() - ($1 * INTERVAL '1 day')`, olderThanDays)
	if err != nil {
		return nil, cgerrors.New(cgerrors.KindDatabase, "EXECUTION_EXPIRED_QUERY_FAILED", "could not query expired executions").Wrap(err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, cgerrors.New(cgerrors.KindDatabase, "EXECUTION_EXPIRED_SCAN_FAILED", "could not scan expired row").Wrap(err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func marshalNullable(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
