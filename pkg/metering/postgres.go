package metering

import (
	"context"
	"fmt"
	"time"

	"github.com/arbiterlabs/arbiter/pkg/store"
)

// SQLStore persists usage records to the record store.
type SQLStore struct {
	db *store.DB
}

// NewSQLStore creates a usage store over the record store.
func NewSQLStore(db *store.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Init creates the usage tables.
func (s *SQLStore) Init(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS usage_records (
	id TEXT PRIMARY KEY,
	request_id TEXT NOT NULL,
	trace_id TEXT NOT NULL DEFAULT '',
	app_id TEXT NOT NULL,
	org_id TEXT NOT NULL DEFAULT '',
	feature TEXT NOT NULL DEFAULT '',
	user_id TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL,
	provider TEXT NOT NULL DEFAULT '',
	environment TEXT NOT NULL DEFAULT '',
	input_tokens BIGINT NOT NULL DEFAULT 0,
	output_tokens BIGINT NOT NULL DEFAULT 0,
	cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
	outcome TEXT NOT NULL DEFAULT '',
	ts TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_records_app ON usage_records(app_id, ts);
CREATE INDEX IF NOT EXISTS idx_usage_records_org ON usage_records(org_id, ts);`
	if _, err := s.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("metering: init: %w", err)
	}
	return nil
}

// RecordUsage appends one record.
func (s *SQLStore) RecordUsage(ctx context.Context, r *Record) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO usage_records (id, request_id, trace_id, app_id, org_id, feature, user_id,
			model, provider, environment, input_tokens, output_tokens, cost_usd, outcome, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		r.ID, r.RequestID, r.TraceID, r.AppID, r.OrgID, r.Feature, r.UserID,
		r.Model, r.Provider, r.Environment, r.InputTokens, r.OutputTokens,
		r.CostUSD, r.Outcome, r.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("metering: record usage: %w", err)
	}
	return nil
}

// scopeColumn maps a budget scope to the matching ledger column.
func scopeColumn(scopeType string) (string, error) {
	switch scopeType {
	case "org":
		return "org_id", nil
	case "app":
		return "app_id", nil
	case "feature":
		return "feature", nil
	case "user":
		return "user_id", nil
	default:
		return "", fmt.Errorf("metering: unknown scope type %q", scopeType)
	}
}

// SumCostsUSD totals metered spend for a scope since a point in time.
// Implements the budget reconciler's cost summer.
func (s *SQLStore) SumCostsUSD(ctx context.Context, scopeType, scopeID string, since time.Time) (float64, error) {
	column, err := scopeColumn(scopeType)
	if err != nil {
		return 0, err
	}
	var total float64
	err = s.db.QueryRow(ctx, fmt.Sprintf(`
		SELECT COALESCE(SUM(cost_usd), 0) FROM usage_records
		WHERE %s = $1 AND ts >= $2`, column), scopeID, since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("metering: sum costs: %w", err)
	}
	return total, nil
}

// Summarize aggregates an app's usage over a window.
func (s *SQLStore) Summarize(ctx context.Context, appID string, start, end time.Time) (*Summary, error) {
	var sum Summary
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		FROM usage_records WHERE app_id = $1 AND ts >= $2 AND ts < $3`,
		appID, start, end).Scan(&sum.Requests, &sum.InputTokens, &sum.OutputTokens, &sum.CostUSD)
	if err != nil {
		return nil, fmt.Errorf("metering: summarize: %w", err)
	}
	return &sum, nil
}
