package finance

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresTracker_Consume(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	tracker := NewPostgresTracker(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT currency, budget_limit, consumed FROM finance_budgets WHERE id = $1 FOR UPDATE`)).
		WithArgs("team-daily").
		WillReturnRows(sqlmock.NewRows([]string{"currency", "budget_limit", "consumed"}).AddRow("USD", 1000, 200))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE finance_budgets SET consumed = consumed + $1`)).
		WithArgs(int64(280), "team-daily").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = tracker.Consume(context.Background(), "team-daily", NewMoney(280, "USD"))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTracker_ConsumeExceeded(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	tracker := NewPostgresTracker(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM finance_budgets WHERE id = $1 FOR UPDATE`)).
		WithArgs("team-daily").
		WillReturnRows(sqlmock.NewRows([]string{"currency", "budget_limit", "consumed"}).AddRow("USD", 1000, 900))
	mock.ExpectRollback()

	err = tracker.Consume(context.Background(), "team-daily", NewMoney(280, "USD"))
	assert.ErrorIs(t, err, ErrBudgetExceeded)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTracker_CheckNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT currency, budget_limit, consumed FROM finance_budgets WHERE id = $1`)).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"currency", "budget_limit", "consumed"}))

	_, err = NewPostgresTracker(db).Check(context.Background(), "nope", NewMoney(1, "USD"))
	assert.ErrorIs(t, err, ErrBudgetNotFound)
}
