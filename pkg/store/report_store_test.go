package store_test

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/Mindburn-Labs/escrow/pkg/escrow"
	"github.com/Mindburn-Labs/escrow/pkg/finance"
	"github.com/Mindburn-Labs/escrow/pkg/payment"
	"github.com/Mindburn-Labs/escrow/pkg/report"
	"github.com/Mindburn-Labs/escrow/pkg/store"
	"github.com/Mindburn-Labs/escrow/pkg/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

var finished = time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC)

func usd(s string) finance.Money { return finance.MustParseMoney(s, "USD") }

func sampleReport(t *testing.T, runID string, at time.Time) *report.Report {
	t.Helper()
	specs := []task.Spec{
		{ID: "research", Price: usd("0.50"), Recipient: "agent-research"},
		{ID: "analysis", Price: usd("2.00"), Recipient: "agent-analysis"},
	}
	lock := &payment.Lock{LockID: "lock-" + runID, Amount: usd("2.50")}
	ledger, err := escrow.Open(lock.LockID, lock.Amount)
	require.NoError(t, err)
	ledger.WithClock(func() time.Time { return at })
	_, err = ledger.Settle("research", usd("0.50"), "agent-research", "rel-1")
	require.NoError(t, err)

	results := []report.TaskResult{
		report.Succeeded("research", &task.Output{Content: "notes"}),
		report.Failed("analysis", "task analysis failed: timeout"),
	}
	rep, err := report.Aggregate(specs, results, ledger.Receipts(), lock, report.Reconciliation{
		Refunded:        usd("2.00"),
		RefundReference: "ref-1",
	})
	require.NoError(t, err)
	rep.Abort(report.AbortTaskFailed)
	rep.RunID = runID
	rep.StartedAt = at.Add(-5 * time.Second)
	rep.FinishedAt = at
	return rep
}

func openSQLite(t *testing.T) *store.SQLiteReportStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	s, err := store.NewSQLiteReportStore(db)
	require.NoError(t, err)
	return s
}

func TestSQLiteReportStore_SaveGet(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()
	rep := sampleReport(t, "run-1", finished)

	require.NoError(t, s.Save(ctx, rep))
	got, err := s.Get(ctx, "run-1")
	require.NoError(t, err)

	assert.Equal(t, rep.RunID, got.RunID)
	assert.Equal(t, report.StatusAborted, got.Status)
	assert.Equal(t, report.AbortTaskFailed, got.AbortReason)
	assert.Equal(t, usd("0.50"), got.TotalSettled)
	assert.Equal(t, usd("2.00"), got.Refunded)
	require.Len(t, got.Settlements, 1)
	assert.Equal(t, rep.Settlements[0].ContentHash, got.Settlements[0].ContentHash)
	assert.NoError(t, got.Verify(), "stored receipts still verify")
}

func TestSQLiteReportStore_SaveReplaces(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()
	rep := sampleReport(t, "run-1", finished)
	require.NoError(t, s.Save(ctx, rep))

	rep.Warnings = []report.Warning{{Code: "note", Message: "re-saved"}}
	require.NoError(t, s.Save(ctx, rep))

	got, err := s.Get(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, got.Warnings, 1)

	list, err := s.List(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSQLiteReportStore_ListNewestFirst(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()
	for i, id := range []string{"run-a", "run-b", "run-c"} {
		require.NoError(t, s.Save(ctx, sampleReport(t, id, finished.Add(time.Duration(i)*time.Minute))))
	}

	list, err := s.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "run-c", list[0].RunID)
	assert.Equal(t, "run-b", list[1].RunID)
	assert.Equal(t, usd("2.50"), list[0].TotalAuthorized)
	assert.Equal(t, finished.Add(2*time.Minute), list[0].FinishedAt)
}

func TestSQLiteReportStore_NotFound(t *testing.T) {
	s := openSQLite(t)
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSaveRejectsReportWithoutRunID(t *testing.T) {
	s := openSQLite(t)
	rep := sampleReport(t, "run-1", finished)
	rep.RunID = ""
	assert.Error(t, s.Save(context.Background(), rep))
}

func TestPostgresReportStore_Save(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	rep := sampleReport(t, "run-1", finished)
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO run_reports`)).
		WithArgs("run-1", "lock-run-1", "aborted", "task_failed", "USD",
			int64(250), int64(50), int64(200), int64(0), finished, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	s := store.NewPostgresReportStore(db)
	require.NoError(t, s.Save(context.Background(), rep))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReportStore_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	rep := sampleReport(t, "run-1", finished)
	body, err := rep.Canonical()
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT report_json FROM run_reports WHERE run_id = $1`)).
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{"report_json"}).AddRow(body))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT report_json FROM run_reports WHERE run_id = $1`)).
		WithArgs("nope").
		WillReturnError(sql.ErrNoRows)

	s := store.NewPostgresReportStore(db)
	got, err := s.Get(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, "lock-run-1", got.LockID)

	_, err = s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReportStore_List(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	cols := []string{"run_id", "lock_id", "status", "abort_reason", "currency",
		"total_authorized", "total_settled", "refunded", "refund_pending", "finished_at"}
	mock.ExpectQuery(`SELECT run_id, lock_id, status`).
		WithArgs(5).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("run-2", "lock-2", "completed", "", "USD", int64(280), int64(280), int64(0), int64(0), finished))

	s := store.NewPostgresReportStore(db)
	list, err := s.List(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, report.StatusCompleted, list[0].Status)
	assert.Equal(t, usd("2.80"), list[0].TotalSettled)
	assert.True(t, list[0].Refunded.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}
