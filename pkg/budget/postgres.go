package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/arbiterlabs/arbiter/pkg/store"
)

// SQLStore implements Store over the record store.
type SQLStore struct {
	db *store.DB
}

// NewSQLStore creates a limit store over the record store.
func NewSQLStore(db *store.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Init creates the budget tables.
func (s *SQLStore) Init(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS budget_limits (
	scope_type TEXT NOT NULL,
	scope_id TEXT NOT NULL,
	period TEXT NOT NULL,
	hard_limit_usd DOUBLE PRECISION NOT NULL,
	soft_limit_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
	enabled BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (scope_type, scope_id, period)
);`
	if _, err := s.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("budget: init: %w", err)
	}
	return nil
}

// GetLimits returns all configured limits for one scope.
func (s *SQLStore) GetLimits(ctx context.Context, scopeType ScopeType, scopeID string) ([]Limit, error) {
	rows, err := s.db.Query(ctx, `
		SELECT scope_type, scope_id, period, hard_limit_usd, soft_limit_usd, enabled
		FROM budget_limits WHERE scope_type = $1 AND scope_id = $2`,
		string(scopeType), scopeID)
	if err != nil {
		return nil, fmt.Errorf("budget: query limits: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var limits []Limit
	for rows.Next() {
		var l Limit
		if err := rows.Scan(&l.ScopeType, &l.ScopeID, &l.Period,
			&l.HardLimitUSD, &l.SoftLimitUSD, &l.Enabled); err != nil {
			return nil, fmt.Errorf("budget: scan limit: %w", err)
		}
		limits = append(limits, l)
	}
	return limits, rows.Err()
}

// ListAllLimits returns every enabled limit. Used by reconciliation.
func (s *SQLStore) ListAllLimits(ctx context.Context) ([]Limit, error) {
	rows, err := s.db.Query(ctx, `
		SELECT scope_type, scope_id, period, hard_limit_usd, soft_limit_usd, enabled
		FROM budget_limits WHERE enabled`)
	if err != nil {
		return nil, fmt.Errorf("budget: query all limits: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var limits []Limit
	for rows.Next() {
		var l Limit
		if err := rows.Scan(&l.ScopeType, &l.ScopeID, &l.Period,
			&l.HardLimitUSD, &l.SoftLimitUSD, &l.Enabled); err != nil {
			return nil, fmt.Errorf("budget: scan limit: %w", err)
		}
		limits = append(limits, l)
	}
	return limits, rows.Err()
}

// UpsertLimit inserts or replaces one limit.
func (s *SQLStore) UpsertLimit(ctx context.Context, l *Limit) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO budget_limits (scope_type, scope_id, period, hard_limit_usd, soft_limit_usd, enabled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (scope_type, scope_id, period) DO UPDATE SET
			hard_limit_usd = EXCLUDED.hard_limit_usd,
			soft_limit_usd = EXCLUDED.soft_limit_usd,
			enabled = EXCLUDED.enabled`,
		string(l.ScopeType), l.ScopeID, string(l.Period),
		l.HardLimitUSD, l.SoftLimitUSD, l.Enabled, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("budget: upsert limit: %w", err)
	}
	return nil
}
