// Package store persists run reports so they can be listed and re-verified later.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/escrow/pkg/finance"
	"github.com/Mindburn-Labs/escrow/pkg/report"
)

// ErrNotFound is returned by Get for an unknown run ID.
var ErrNotFound = errors.New("store: report not found")

// ReportStore persists final run reports keyed by run ID.
type ReportStore interface {
	// Save stores rep, replacing an earlier report for the same run.
	Save(ctx context.Context, rep *report.Report) error
	Get(ctx context.Context, runID string) (*report.Report, error)
	// List returns summaries of the most recently finished runs first.
	List(ctx context.Context, limit int) ([]Summary, error)
}

// Summary is the indexed part of a stored report.
type Summary struct {
	RunID           string             `json:"run_id"`
	LockID          string             `json:"lock_id"`
	Status          report.Status      `json:"status"`
	AbortReason     report.AbortReason `json:"abort_reason,omitempty"`
	TotalAuthorized finance.Money      `json:"total_authorized"`
	TotalSettled    finance.Money      `json:"total_settled"`
	Refunded        finance.Money      `json:"refunded"`
	RefundPending   finance.Money      `json:"refund_pending"`
	FinishedAt      time.Time          `json:"finished_at"`
}

func summarize(rep *report.Report) Summary {
	return Summary{
		RunID:           rep.RunID,
		LockID:          rep.LockID,
		Status:          rep.Status,
		AbortReason:     rep.AbortReason,
		TotalAuthorized: rep.TotalAuthorized,
		TotalSettled:    rep.TotalSettled,
		Refunded:        rep.Refunded,
		RefundPending:   rep.RefundPending,
		FinishedAt:      rep.FinishedAt.UTC(),
	}
}

func encode(rep *report.Report) ([]byte, error) {
	if rep == nil || rep.RunID == "" {
		return nil, errors.New("store: report has no run id")
	}
	body, err := rep.Canonical()
	if err != nil {
		return nil, fmt.Errorf("store: encode report %s: %w", rep.RunID, err)
	}
	return body, nil
}

func decode(runID string, body []byte) (*report.Report, error) {
	var rep report.Report
	if err := json.Unmarshal(body, &rep); err != nil {
		return nil, fmt.Errorf("store: decode report %s: %w", runID, err)
	}
	return &rep, nil
}

// PostgresReportStore is the durable ReportStore.
type PostgresReportStore struct {
	db *sql.DB
}

func NewPostgresReportStore(db *sql.DB) *PostgresReportStore {
	return &PostgresReportStore{db: db}
}

const postgresReportSchema = `
CREATE TABLE IF NOT EXISTS run_reports (
	run_id TEXT PRIMARY KEY,
	lock_id TEXT NOT NULL,
	status TEXT NOT NULL,
	abort_reason TEXT NOT NULL DEFAULT '',
	currency TEXT NOT NULL,
	total_authorized BIGINT NOT NULL,
	total_settled BIGINT NOT NULL,
	refunded BIGINT NOT NULL,
	refund_pending BIGINT NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL,
	report_json JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_run_reports_finished ON run_reports(finished_at DESC);
`

// Init creates the report table.
func (s *PostgresReportStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, postgresReportSchema)
	return err
}

func (s *PostgresReportStore) Save(ctx context.Context, rep *report.Report) error {
	body, err := encode(rep)
	if err != nil {
		return err
	}
	sum := summarize(rep)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO run_reports (run_id, lock_id, status, abort_reason, currency,
			total_authorized, total_settled, refunded, refund_pending, finished_at, report_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (run_id) DO UPDATE SET
			lock_id = EXCLUDED.lock_id,
			status = EXCLUDED.status,
			abort_reason = EXCLUDED.abort_reason,
			currency = EXCLUDED.currency,
			total_authorized = EXCLUDED.total_authorized,
			total_settled = EXCLUDED.total_settled,
			refunded = EXCLUDED.refunded,
			refund_pending = EXCLUDED.refund_pending,
			finished_at = EXCLUDED.finished_at,
			report_json = EXCLUDED.report_json
	`, sum.RunID, sum.LockID, string(sum.Status), string(sum.AbortReason), sum.TotalAuthorized.Currency,
		sum.TotalAuthorized.AmountMinor, sum.TotalSettled.AmountMinor, sum.Refunded.AmountMinor,
		sum.RefundPending.AmountMinor, sum.FinishedAt, string(body))
	if err != nil {
		return fmt.Errorf("store: save report %s: %w", rep.RunID, err)
	}
	return nil
}

func (s *PostgresReportStore) Get(ctx context.Context, runID string) (*report.Report, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT report_json FROM run_reports WHERE run_id = $1`, runID).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		return nil, fmt.Errorf("store: get report %s: %w", runID, err)
	}
	return decode(runID, body)
}

func (s *PostgresReportStore) List(ctx context.Context, limit int) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, lock_id, status, abort_reason, currency,
			total_authorized, total_settled, refunded, refund_pending, finished_at
		FROM run_reports
		ORDER BY finished_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list reports: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Summary
	for rows.Next() {
		var finished time.Time
		sum, err := scanSummary(rows, &finished)
		if err != nil {
			return nil, err
		}
		sum.FinishedAt = finished.UTC()
		out = append(out, sum)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

// scanSummary reads the shared summary columns; finished receives the last column.
func scanSummary(row scanner, finished any) (Summary, error) {
	var sum Summary
	var status, reason, currency string
	var authorized, settled, refunded, pending int64
	if err := row.Scan(&sum.RunID, &sum.LockID, &status, &reason, &currency,
		&authorized, &settled, &refunded, &pending, finished); err != nil {
		return Summary{}, fmt.Errorf("store: scan summary: %w", err)
	}
	sum.Status = report.Status(status)
	sum.AbortReason = report.AbortReason(reason)
	sum.TotalAuthorized = finance.NewMoney(authorized, currency)
	sum.TotalSettled = finance.NewMoney(settled, currency)
	sum.Refunded = finance.NewMoney(refunded, currency)
	sum.RefundPending = finance.NewMoney(pending, currency)
	return sum, nil
}
