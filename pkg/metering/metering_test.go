package metering_test

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/Mindburn-Labs/escrow/pkg/metering"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

var day = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func TestEventValidate(t *testing.T) {
	assert.ErrorIs(t, metering.Event{EventType: metering.EventLock}.Validate(), metering.ErrEmptyAccount)
	assert.ErrorIs(t, metering.Event{Account: "a", EventType: metering.EventLock, Quantity: -1}.Validate(), metering.ErrNegativeQuantity)
	assert.ErrorIs(t, metering.Event{Account: "a"}.Validate(), metering.ErrInvalidEventType)
	assert.NoError(t, metering.Event{Account: "a", EventType: metering.EventRefund}.Validate())
}

func TestPeriods(t *testing.T) {
	d := metering.DailyPeriod(day)
	assert.Equal(t, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), d.Start)
	assert.Equal(t, 24*time.Hour, d.End.Sub(d.Start))

	m := metering.MonthlyPeriod(day)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), m.Start)
	assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), m.End)
}

func exerciseMeter(t *testing.T, m metering.Meter) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, m.Record(ctx, metering.Event{Account: "acct", EventType: metering.EventLock, Quantity: 280, Currency: "USD", Timestamp: day}))
	require.NoError(t, m.RecordBatch(ctx, []metering.Event{
		{Account: "acct", EventType: metering.EventSettlement, Quantity: 50, Currency: "USD", Timestamp: day},
		{Account: "acct", EventType: metering.EventSettlement, Quantity: 200, Currency: "USD", Timestamp: day},
		{Account: "acct", EventType: metering.EventRefund, Quantity: 30, Currency: "USD", Timestamp: day, Metadata: map[string]string{"run_id": "r1"}},
		{Account: "other", EventType: metering.EventSettlement, Quantity: 999, Currency: "USD", Timestamp: day},
		{Account: "acct", EventType: metering.EventSettlement, Quantity: 7, Currency: "USD", Timestamp: day.AddDate(0, 0, -2)},
	}))

	usage, err := m.GetUsage(ctx, "acct", metering.DailyPeriod(day))
	require.NoError(t, err)
	assert.Equal(t, int64(280), usage.Totals[metering.EventLock])
	assert.Equal(t, int64(250), usage.Totals[metering.EventSettlement])
	assert.Equal(t, int64(30), usage.Totals[metering.EventRefund])

	settled, err := m.GetUsageByType(ctx, "acct", metering.EventSettlement, metering.MonthlyPeriod(day))
	require.NoError(t, err)
	assert.Equal(t, int64(257), settled)

	none, err := m.GetUsageByType(ctx, "nobody", metering.EventSettlement, metering.MonthlyPeriod(day))
	require.NoError(t, err)
	assert.Zero(t, none)

	assert.ErrorIs(t, m.RecordBatch(ctx, []metering.Event{{EventType: metering.EventLock}}), metering.ErrEmptyAccount)
}

func TestMemoryMeter(t *testing.T) {
	m := metering.NewMemoryMeter()
	exerciseMeter(t, m)
	assert.Len(t, m.Events(), 6)
}

func TestSQLMeter_SQLite(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	defer func() { _ = db.Close() }()

	m := metering.NewSQLMeter(db, metering.DialectSQLite)
	require.NoError(t, m.Init(context.Background()))
	exerciseMeter(t, m)
}

func TestSQLMeter_PostgresRecord(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec(regexp.QuoteMeta(
		`INSERT INTO usage_events (account, event_type, quantity, currency, run_id, occurred_at, metadata) VALUES ($1, $2, $3, $4, $5, $6, $7)`)).
		WithArgs("acct", "settlement", int64(50), "USD", "run-1", day.UnixNano(), nil).
		WillReturnResult(sqlmock.NewResult(1, 1))

	m := metering.NewSQLMeter(db, metering.DialectPostgres)
	err = m.Record(context.Background(), metering.Event{
		Account: "acct", EventType: metering.EventSettlement, Quantity: 50, Currency: "USD", RunID: "run-1", Timestamp: day,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLMeter_PostgresUsageByType(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	p := metering.DailyPeriod(day)
	mock.ExpectQuery(`SELECT SUM\(quantity\)`).
		WithArgs("acct", "refund", p.Start.UnixNano(), p.End.UnixNano()).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(int64(230)))

	m := metering.NewSQLMeter(db, metering.DialectPostgres)
	total, err := m.GetUsageByType(context.Background(), "acct", metering.EventRefund, p)
	require.NoError(t, err)
	assert.Equal(t, int64(230), total)
	assert.NoError(t, mock.ExpectationsWereMet())
}
