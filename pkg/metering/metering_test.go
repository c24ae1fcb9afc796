package metering

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterlabs/arbiter/pkg/store"
)

func mockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLStore(&store.DB{DB: db, Driver: "postgres"}), mock
}

func TestRecordValidate(t *testing.T) {
	assert.ErrorIs(t, Record{}.Validate(), ErrEmptyAppID)
	assert.ErrorIs(t, Record{AppID: "a", InputTokens: -1}.Validate(), ErrNegativeTokens)
	assert.NoError(t, Record{AppID: "a", Model: "gpt-4o"}.Validate())
}

func TestMeterStampsRecord(t *testing.T) {
	s, mock := mockStore(t)
	m := NewMeter(s)

	mock.ExpectExec(`INSERT INTO usage_records`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	rec := &Record{
		RequestID: "req-1", AppID: "app-1", Model: "gpt-4o", Provider: "openai",
		InputTokens: 100, OutputTokens: 20, CostUSD: 0.003, Outcome: "allowed",
	}
	require.NoError(t, m.Record(context.Background(), rec))
	assert.NotEmpty(t, rec.ID)
	assert.False(t, rec.Timestamp.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMeterRejectsInvalid(t *testing.T) {
	s, _ := mockStore(t)
	m := NewMeter(s)
	err := m.Record(context.Background(), &Record{Model: "gpt-4o"})
	assert.ErrorIs(t, err, ErrEmptyAppID)
}

func TestSumCostsUSD(t *testing.T) {
	s, mock := mockStore(t)
	since := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT COALESCE\(SUM\(cost_usd\), 0\) FROM usage_records`).
		WithArgs("app-1", since).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(1.25))

	total, err := s.SumCostsUSD(context.Background(), "app", "app-1", since)
	require.NoError(t, err)
	assert.InDelta(t, 1.25, total, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSumCostsUnknownScope(t *testing.T) {
	s, _ := mockStore(t)
	_, err := s.SumCostsUSD(context.Background(), "galaxy", "x", time.Now())
	assert.Error(t, err)
}

func TestSummarize(t *testing.T) {
	s, mock := mockStore(t)
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	mock.ExpectQuery(`SELECT COUNT\(\*\)`).
		WithArgs("app-1", start, end).
		WillReturnRows(sqlmock.NewRows([]string{"c", "in", "out", "cost"}).
			AddRow(42, 12000, 3000, 0.87))

	sum, err := s.Summarize(context.Background(), "app-1", start, end)
	require.NoError(t, err)
	assert.Equal(t, int64(42), sum.Requests)
	assert.InDelta(t, 0.87, sum.CostUSD, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}
