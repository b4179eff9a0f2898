package finance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresTracker implements finance.Tracker backed by PostgreSQL.
// Uses SELECT FOR UPDATE to provide row-level locking for atomic budget checks.
type PostgresTracker struct {
	db *sql.DB
}

// NewPostgresTracker creates a new PostgreSQL-backed budget tracker.
func NewPostgresTracker(db *sql.DB) *PostgresTracker {
	return &PostgresTracker{db: db}
}

const trackerSchema = `
CREATE TABLE IF NOT EXISTS finance_budgets (
	id TEXT PRIMARY KEY,
	currency TEXT NOT NULL,
	budget_limit BIGINT NOT NULL,
	consumed BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMP NOT NULL DEFAULT NOW()
);
`

// Init creates the budget table.
func (t *PostgresTracker) Init(ctx context.Context) error {
	_, err := t.db.ExecContext(ctx, trackerSchema)
	return err
}

// SetBudget upserts a spend cap without touching consumption.
func (t *PostgresTracker) SetBudget(ctx context.Context, budgetID string, limit Money) error {
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO finance_budgets (id, currency, budget_limit, consumed, updated_at)
		VALUES ($1, $2, $3, 0, NOW())
		ON CONFLICT (id) DO UPDATE SET
			currency = EXCLUDED.currency,
			budget_limit = EXCLUDED.budget_limit
	`, budgetID, limit.Currency, limit.AmountMinor)
	if err != nil {
		return fmt.Errorf("budget upsert failed: %w", err)
	}
	return nil
}

// Check verifies that the given amount fits within the budget.
func (t *PostgresTracker) Check(ctx context.Context, budgetID string, amount Money) (bool, error) {
	var currency string
	var limit, consumed int64

	err := t.db.QueryRowContext(ctx,
		`SELECT currency, budget_limit, consumed FROM finance_budgets WHERE id = $1`,
		budgetID,
	).Scan(&currency, &limit, &consumed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrBudgetNotFound
		}
		return false, fmt.Errorf("budget check failed: %w", err)
	}

	if currency != amount.Currency {
		return false, fmt.Errorf("%w: budget %s, amount %s", ErrCurrencyMismatch, currency, amount.Currency)
	}
	return fits(NewMoney(limit, currency), NewMoney(consumed, currency), amount)
}

// Consume atomically deducts the amount from the budget using SELECT FOR UPDATE.
// The row lock prevents two concurrent runs from double-spending one cap.
func (t *PostgresTracker) Consume(ctx context.Context, budgetID string, amount Money) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var currency string
	var limit, consumed int64
	err = tx.QueryRowContext(ctx,
		`SELECT currency, budget_limit, consumed FROM finance_budgets WHERE id = $1 FOR UPDATE`,
		budgetID,
	).Scan(&currency, &limit, &consumed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrBudgetNotFound
		}
		return fmt.Errorf("budget lock failed: %w", err)
	}

	if currency != amount.Currency {
		return fmt.Errorf("%w: budget %s, amount %s", ErrCurrencyMismatch, currency, amount.Currency)
	}
	ok, err := fits(NewMoney(limit, currency), NewMoney(consumed, currency), amount)
	if err != nil {
		return err
	}
	if !ok {
		return ErrBudgetExceeded
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE finance_budgets SET consumed = consumed + $1, updated_at = NOW() WHERE id = $2`,
		amount.AmountMinor, budgetID,
	)
	if err != nil {
		return fmt.Errorf("budget update failed: %w", err)
	}

	return tx.Commit()
}
