package metering

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Dialect selects placeholder style and DDL.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// SQLMeter implements Meter over database/sql. Timestamps are stored as UTC
// unix nanoseconds so both dialects compare them the same way.
type SQLMeter struct {
	db      *sql.DB
	dialect Dialect
	clock   func() time.Time
}

// NewSQLMeter creates a SQL-backed meter.
func NewSQLMeter(db *sql.DB, dialect Dialect) *SQLMeter {
	return &SQLMeter{db: db, dialect: dialect, clock: time.Now}
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS usage_events (
	id BIGSERIAL PRIMARY KEY,
	account TEXT NOT NULL,
	event_type TEXT NOT NULL,
	quantity BIGINT NOT NULL,
	currency TEXT NOT NULL DEFAULT '',
	run_id TEXT NOT NULL DEFAULT '',
	occurred_at BIGINT NOT NULL,
	metadata JSONB
);
CREATE INDEX IF NOT EXISTS idx_usage_events_account_time ON usage_events(account, occurred_at);
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS usage_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	account TEXT NOT NULL,
	event_type TEXT NOT NULL,
	quantity INTEGER NOT NULL,
	currency TEXT NOT NULL DEFAULT '',
	run_id TEXT NOT NULL DEFAULT '',
	occurred_at INTEGER NOT NULL,
	metadata TEXT
);
CREATE INDEX IF NOT EXISTS idx_usage_events_account_time ON usage_events(account, occurred_at);
`

// Init creates the necessary database tables.
func (m *SQLMeter) Init(ctx context.Context) error {
	ddl := postgresSchema
	if m.dialect == DialectSQLite {
		ddl = sqliteSchema
	}
	_, err := m.db.ExecContext(ctx, ddl)
	return err
}

// rebind turns ? placeholders into $n for Postgres.
func (m *SQLMeter) rebind(q string) string {
	if m.dialect != DialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const insertEvent = `INSERT INTO usage_events (account, event_type, quantity, currency, run_id, occurred_at, metadata) VALUES (?, ?, ?, ?, ?, ?, ?)`

func (m *SQLMeter) args(event Event, now time.Time) ([]any, error) {
	if event.Timestamp.IsZero() {
		event.Timestamp = now
	}
	var metadata any
	if event.Metadata != nil {
		raw, err := json.Marshal(event.Metadata)
		if err != nil {
			return nil, fmt.Errorf("metering: failed to marshal metadata: %w", err)
		}
		metadata = string(raw)
	}
	return []any{event.Account, string(event.EventType), event.Quantity, event.Currency, event.RunID,
		event.Timestamp.UTC().UnixNano(), metadata}, nil
}

// Record stores a single usage event.
func (m *SQLMeter) Record(ctx context.Context, event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	args, err := m.args(event, m.clock().UTC())
	if err != nil {
		return err
	}
	if _, err := m.db.ExecContext(ctx, m.rebind(insertEvent), args...); err != nil {
		return fmt.Errorf("metering: failed to record event: %w", err)
	}
	return nil
}

// RecordBatch stores multiple events in a single transaction.
func (m *SQLMeter) RecordBatch(ctx context.Context, events []Event) error {
	for _, e := range events {
		if err := e.Validate(); err != nil {
			return err
		}
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("metering: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, m.rebind(insertEvent))
	if err != nil {
		return fmt.Errorf("metering: failed to prepare statement: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	now := m.clock().UTC()
	for _, event := range events {
		args, err := m.args(event, now)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("metering: failed to insert event: %w", err)
		}
	}
	return tx.Commit()
}

// GetUsage retrieves aggregated usage for all event types.
func (m *SQLMeter) GetUsage(ctx context.Context, account string, period Period) (*Usage, error) {
	rows, err := m.db.QueryContext(ctx, m.rebind(`
		SELECT event_type, SUM(quantity) AS total
		FROM usage_events
		WHERE account = ? AND occurred_at >= ? AND occurred_at < ?
		GROUP BY event_type
	`), account, period.Start.UTC().UnixNano(), period.End.UTC().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("metering: failed to query usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	usage := &Usage{
		Account:    account,
		Period:     period,
		Totals:     make(map[EventType]int64),
		LastUpdate: m.clock().UTC(),
	}
	for rows.Next() {
		var eventType string
		var total int64
		if err := rows.Scan(&eventType, &total); err != nil {
			return nil, fmt.Errorf("metering: failed to scan row: %w", err)
		}
		usage.Totals[EventType(eventType)] = total
	}
	return usage, rows.Err()
}

// GetUsageByType retrieves usage for a specific event type.
func (m *SQLMeter) GetUsageByType(ctx context.Context, account string, eventType EventType, period Period) (int64, error) {
	var total sql.NullInt64
	err := m.db.QueryRowContext(ctx, m.rebind(`
		SELECT SUM(quantity)
		FROM usage_events
		WHERE account = ? AND event_type = ? AND occurred_at >= ? AND occurred_at < ?
	`), account, string(eventType), period.Start.UTC().UnixNano(), period.End.UTC().UnixNano()).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("metering: failed to query usage by type: %w", err)
	}
	return total.Int64, nil
}
