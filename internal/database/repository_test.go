package database

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/cognigate/internal/types"
)

func newMockRepo(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &Repository{db: db}, mock
}

func TestPersistInsertsEachEntryInOneTransaction(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO execution_audit_log")
	mock.ExpectExec("INSERT INTO execution_audit_log").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO execution_audit_log").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	now := time.Now()
	err := repo.Persist(context.Background(), []types.AuditEntry{
		{ID: "a1", TenantID: "t1", ExecutionID: "e1", EventType: "execution.completed", Severity: types.SeverityInfo, Outcome: types.OutcomeSuccess, Action: "execute", EventTime: now, RecordedAt: now},
		{ID: "a2", TenantID: "t1", ExecutionID: "e2", EventType: "execution.failed", Severity: types.SeverityError, Outcome: types.OutcomeFailure, Action: "execute", EventTime: now, RecordedAt: now},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistNoopsOnEmptyBatch(t *testing.T) {
	repo, mock := newMockRepo(t)
	require.NoError(t, repo.Persist(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveExecutionResultUpserts(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec("INSERT INTO executions").WillReturnResult(sqlmock.NewResult(1, 1))

	now := time.Now()
	err := repo.SaveExecutionResult(context.Background(), "tenant-a", &types.Result{
		ExecutionID: "exec-1",
		Status:      types.StateCompleted,
		Outputs:     map[string]interface{}{"ok": true},
		StartedAt:   now,
		FinishedAt:  now,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryAuditAppliesFilters(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now()
	mock.ExpectQuery("SELECT id, tenant_id, execution_id").
		WithArgs("tenant-a", "exec-1", 100).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "tenant_id", "execution_id", "intent_id", "event_type", "severity",
			"outcome", "action", "reason", "handler_name", "usage", "violation",
			"trace_id", "span_id", "event_time", "recorded_at",
		}).AddRow("a1", "tenant-a", "exec-1", "i1", "execution_started", "info",
			"success", "execute", nil, "echo", nil, nil, nil, nil, now, now))

	entries, err := repo.QueryAudit(context.Background(), "tenant-a", AuditQuery{ExecutionID: "exec-1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "execution_started", entries[0].EventType)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSoftDeleteStampsRows(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec("UPDATE executions SET deleted_at").
		WithArgs("tenant-a").
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repo.SoftDeleteExecutions(context.Background(), "tenant-a", "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHardDeleteNoopsOnEmptyList(t *testing.T) {
	repo, mock := newMockRepo(t)
	n, err := repo.HardDeleteExecutions(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryExpiredSoftDeletedReturnsIDs(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery("SELECT execution_id FROM executions").
		WithArgs(30).
		WillReturnRows(sqlmock.NewRows([]string{"execution_id"}).AddRow("e1").AddRow("e2"))

	ids, err := repo.QueryExpiredSoftDeleted(context.Background(), 30)
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetExecutionReturnsNilWhenMissing(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery("SELECT execution_id, status, outputs").WillReturnRows(
		sqlmock.NewRows([]string{"execution_id", "status", "outputs", "retry_count", "error_code", "error_message", "error_retryable", "started_at", "finished_at"}))

	result, err := repo.GetExecution(context.Background(), "tenant-a", "missing")
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.NoError(t, mock.ExpectationsWereMet())
}
