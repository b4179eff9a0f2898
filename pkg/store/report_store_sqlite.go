package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/escrow/pkg/report"

	_ "modernc.org/sqlite"
)

// sqliteTime sorts lexically in time order.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

// SQLiteReportStore is the lite-mode ReportStore.
type SQLiteReportStore struct {
	db *sql.DB
}

func NewSQLiteReportStore(db *sql.DB) (*SQLiteReportStore, error) {
	s := &SQLiteReportStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteReportStore) migrate() error {
	_, err := s.db.ExecContext(context.Background(), `
	CREATE TABLE IF NOT EXISTS run_reports (
		run_id TEXT PRIMARY KEY,
		lock_id TEXT NOT NULL,
		status TEXT NOT NULL,
		abort_reason TEXT NOT NULL DEFAULT '',
		currency TEXT NOT NULL,
		total_authorized INTEGER NOT NULL,
		total_settled INTEGER NOT NULL,
		refunded INTEGER NOT NULL,
		refund_pending INTEGER NOT NULL,
		finished_at TEXT NOT NULL,
		report_json TEXT NOT NULL
	);`)
	return err
}

func (s *SQLiteReportStore) Save(ctx context.Context, rep *report.Report) error {
	body, err := encode(rep)
	if err != nil {
		return err
	}
	sum := summarize(rep)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO run_reports (run_id, lock_id, status, abort_reason, currency,
			total_authorized, total_settled, refunded, refund_pending, finished_at, report_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET
			lock_id = excluded.lock_id,
			status = excluded.status,
			abort_reason = excluded.abort_reason,
			currency = excluded.currency,
			total_authorized = excluded.total_authorized,
			total_settled = excluded.total_settled,
			refunded = excluded.refunded,
			refund_pending = excluded.refund_pending,
			finished_at = excluded.finished_at,
			report_json = excluded.report_json
	`, sum.RunID, sum.LockID, string(sum.Status), string(sum.AbortReason), sum.TotalAuthorized.Currency,
		sum.TotalAuthorized.AmountMinor, sum.TotalSettled.AmountMinor, sum.Refunded.AmountMinor,
		sum.RefundPending.AmountMinor, sum.FinishedAt.Format(sqliteTime), string(body))
	if err != nil {
		return fmt.Errorf("store: save report %s: %w", rep.RunID, err)
	}
	return nil
}

func (s *SQLiteReportStore) Get(ctx context.Context, runID string) (*report.Report, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT report_json FROM run_reports WHERE run_id = ?`, runID).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		return nil, fmt.Errorf("store: get report %s: %w", runID, err)
	}
	return decode(runID, []byte(body))
}

func (s *SQLiteReportStore) List(ctx context.Context, limit int) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, lock_id, status, abort_reason, currency,
			total_authorized, total_settled, refunded, refund_pending, finished_at
		FROM run_reports
		ORDER BY finished_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list reports: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Summary
	for rows.Next() {
		var finished string
		sum, err := scanSummary(rows, &finished)
		if err != nil {
			return nil, err
		}
		if sum.FinishedAt, err = time.Parse(sqliteTime, finished); err != nil {
			return nil, fmt.Errorf("store: run %s finished_at: %w", sum.RunID, err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}
