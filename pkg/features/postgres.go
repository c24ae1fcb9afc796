package features

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/arbiterlabs/arbiter/pkg/store"
)

// SQLStore implements Store over the record store.
type SQLStore struct {
	db *store.DB
}

// NewSQLStore creates a feature store over the record store.
func NewSQLStore(db *store.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Init creates the feature tables.
func (s *SQLStore) Init(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS features (
	app_id TEXT NOT NULL,
	feature_id TEXT NOT NULL,
	enabled BOOLEAN NOT NULL DEFAULT TRUE,
	description TEXT NOT NULL DEFAULT '',
	allowed_actions TEXT,
	environments TEXT,
	allowed_models TEXT,
	max_tokens_per_request BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (app_id, feature_id)
);`
	if _, err := s.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("features: init: %w", err)
	}
	return nil
}

// GetFeature returns the feature record, or nil when unregistered.
func (s *SQLStore) GetFeature(ctx context.Context, appID, featureID string) (*Feature, error) {
	var f Feature
	var actions, envs, models sql.NullString

	err := s.db.QueryRow(ctx, `
		SELECT app_id, feature_id, enabled, description, allowed_actions, environments, allowed_models, max_tokens_per_request
		FROM features WHERE app_id = $1 AND feature_id = $2`, appID, featureID).Scan(
		&f.AppID, &f.FeatureID, &f.Enabled, &f.Description, &actions, &envs, &models, &f.MaxTokensPerRequest,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("features: query feature: %w", err)
	}

	if actions.Valid && actions.String != "" {
		_ = json.Unmarshal([]byte(actions.String), &f.AllowedActions)
	}
	if envs.Valid && envs.String != "" {
		_ = json.Unmarshal([]byte(envs.String), &f.Environments)
	}
	if models.Valid && models.String != "" {
		_ = json.Unmarshal([]byte(models.String), &f.AllowedModels)
	}
	return &f, nil
}

// UpsertFeature inserts or replaces a feature record.
func (s *SQLStore) UpsertFeature(ctx context.Context, f *Feature) error {
	actions, _ := json.Marshal(f.AllowedActions)
	envs, _ := json.Marshal(f.Environments)
	models, _ := json.Marshal(f.AllowedModels)
	_, err := s.db.Exec(ctx, `
		INSERT INTO features (app_id, feature_id, enabled, description, allowed_actions, environments, allowed_models, max_tokens_per_request, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (app_id, feature_id) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			description = EXCLUDED.description,
			allowed_actions = EXCLUDED.allowed_actions,
			environments = EXCLUDED.environments,
			allowed_models = EXCLUDED.allowed_models,
			max_tokens_per_request = EXCLUDED.max_tokens_per_request`,
		f.AppID, f.FeatureID, f.Enabled, f.Description,
		string(actions), string(envs), string(models), f.MaxTokensPerRequest, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("features: upsert feature: %w", err)
	}
	return nil
}
