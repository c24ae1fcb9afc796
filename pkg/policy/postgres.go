package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/arbiterlabs/arbiter/pkg/store"
)

// SQLStore implements Store over the record store.
type SQLStore struct {
	db *store.DB
}

// NewSQLStore creates a rule store over the record store.
func NewSQLStore(db *store.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Init creates the policy tables.
func (s *SQLStore) Init(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS policy_rules (
	id TEXT PRIMARY KEY,
	app_id TEXT,
	priority BIGINT NOT NULL DEFAULT 100,
	rule_type TEXT NOT NULL,
	action TEXT NOT NULL,
	conditions TEXT NOT NULL DEFAULT '{}',
	enabled BOOLEAN NOT NULL DEFAULT TRUE,
	description TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_policy_rules_app ON policy_rules(app_id);`
	if _, err := s.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("policy: init: %w", err)
	}
	return nil
}

// ListRules returns global rules plus the app's own, unsorted; the engine
// orders them.
func (s *SQLStore) ListRules(ctx context.Context, appID string) ([]Rule, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, app_id, priority, rule_type, action, conditions, enabled, description, created_at
		FROM policy_rules
		WHERE app_id IS NULL OR app_id = '' OR app_id = $1`, appID)
	if err != nil {
		return nil, fmt.Errorf("policy: query rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rules []Rule
	for rows.Next() {
		var r Rule
		var appCol sql.NullString
		var conditions string
		if err := rows.Scan(&r.ID, &appCol, &r.Priority, &r.Type, &r.Action,
			&conditions, &r.Enabled, &r.Description, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("policy: scan rule: %w", err)
		}
		r.AppID = appCol.String
		if err := json.Unmarshal([]byte(conditions), &r.Conditions); err != nil {
			return nil, fmt.Errorf("policy: decode conditions for %s: %w", r.ID, err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// InsertRule persists a rule.
func (s *SQLStore) InsertRule(ctx context.Context, r *Rule) error {
	conditions, err := json.Marshal(r.Conditions)
	if err != nil {
		return fmt.Errorf("policy: encode conditions: %w", err)
	}
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	var appID any
	if r.AppID != "" {
		appID = r.AppID
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO policy_rules (id, app_id, priority, rule_type, action, conditions, enabled, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, appID, r.Priority, string(r.Type), string(r.Action),
		string(conditions), r.Enabled, r.Description, createdAt,
	)
	if err != nil {
		return fmt.Errorf("policy: insert rule: %w", err)
	}
	return nil
}

// DeleteRule removes a rule by id.
func (s *SQLStore) DeleteRule(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM policy_rules WHERE id = $1`, id); err != nil {
		return fmt.Errorf("policy: delete rule: %w", err)
	}
	return nil
}
