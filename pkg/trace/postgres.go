package trace

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/arbiterlabs/arbiter/pkg/store"
)

// SQLStore persists traces to the record store.
type SQLStore struct {
	db *store.DB
}

// NewSQLStore creates a trace store over the record store.
func NewSQLStore(db *store.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Init creates the trace tables.
func (s *SQLStore) Init(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS request_traces (
	id TEXT PRIMARY KEY,
	request_id TEXT NOT NULL,
	app_id TEXT NOT NULL,
	org_id TEXT NOT NULL DEFAULT '',
	feature TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	provider TEXT NOT NULL DEFAULT '',
	environment TEXT NOT NULL DEFAULT '',
	started_at TIMESTAMP NOT NULL,
	ended_at TIMESTAMP NOT NULL,
	outcome TEXT NOT NULL,
	decision TEXT NOT NULL,
	status TEXT NOT NULL,
	estimated_tokens BIGINT NOT NULL DEFAULT 0,
	input_tokens BIGINT NOT NULL DEFAULT 0,
	output_tokens BIGINT NOT NULL DEFAULT 0,
	estimated_cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
	actual_cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
	cost_avoided_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
	dry_run BOOLEAN NOT NULL DEFAULT FALSE,
	reasons TEXT,
	warnings TEXT,
	spans TEXT
);
CREATE INDEX IF NOT EXISTS idx_request_traces_app ON request_traces(app_id, started_at);
CREATE INDEX IF NOT EXISTS idx_request_traces_outcome ON request_traces(outcome, started_at);`
	if _, err := s.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("trace: init: %w", err)
	}
	return nil
}

// SaveTrace persists one finalized trace.
func (s *SQLStore) SaveTrace(ctx context.Context, t *Trace) error {
	reasons, _ := json.Marshal(t.Reasons)
	warnings, _ := json.Marshal(t.Warnings)
	spans, _ := json.Marshal(t.Spans)

	_, err := s.db.Exec(ctx, `
		INSERT INTO request_traces (
			id, request_id, app_id, org_id, feature, model, provider, environment,
			started_at, ended_at, outcome, decision, status,
			estimated_tokens, input_tokens, output_tokens,
			estimated_cost_usd, actual_cost_usd, cost_avoided_usd,
			dry_run, reasons, warnings, spans
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19, $20, $21, $22, $23)`,
		t.ID, t.RequestID, t.AppID, t.OrgID, t.Feature, t.Model, t.Provider, t.Environment,
		t.StartedAt, t.EndedAt, string(t.Outcome), string(t.Decision), string(t.Status),
		t.EstimatedTokens, t.InputTokens, t.OutputTokens,
		t.EstimatedCostUSD, t.ActualCostUSD, t.CostAvoidedUSD,
		t.DryRun, string(reasons), string(warnings), string(spans),
	)
	if err != nil {
		return fmt.Errorf("trace: save: %w", err)
	}
	return nil
}

// GetTrace loads a trace by id.
func (s *SQLStore) GetTrace(ctx context.Context, id string) (*Trace, error) {
	var t Trace
	var outcome, decision, status string
	var reasons, warnings, spans sql.NullString

	err := s.db.QueryRow(ctx, `
		SELECT id, request_id, app_id, org_id, feature, model, provider, environment,
			started_at, ended_at, outcome, decision, status,
			estimated_tokens, input_tokens, output_tokens,
			estimated_cost_usd, actual_cost_usd, cost_avoided_usd,
			dry_run, reasons, warnings, spans
		FROM request_traces WHERE id = $1`, id).Scan(
		&t.ID, &t.RequestID, &t.AppID, &t.OrgID, &t.Feature, &t.Model, &t.Provider, &t.Environment,
		&t.StartedAt, &t.EndedAt, &outcome, &decision, &status,
		&t.EstimatedTokens, &t.InputTokens, &t.OutputTokens,
		&t.EstimatedCostUSD, &t.ActualCostUSD, &t.CostAvoidedUSD,
		&t.DryRun, &reasons, &warnings, &spans,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("trace: query: %w", err)
	}

	t.Outcome = Outcome(outcome)
	t.Decision = Decision(decision)
	t.Status = Status(status)
	if reasons.Valid {
		_ = json.Unmarshal([]byte(reasons.String), &t.Reasons)
	}
	if warnings.Valid {
		_ = json.Unmarshal([]byte(warnings.String), &t.Warnings)
	}
	if spans.Valid {
		_ = json.Unmarshal([]byte(spans.String), &t.Spans)
	}
	return &t, nil
}
