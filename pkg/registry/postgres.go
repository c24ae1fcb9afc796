package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/arbiterlabs/arbiter/pkg/store"
)

// StoreLoader loads the catalog from the record store.
type StoreLoader struct {
	db *store.DB
}

// NewStoreLoader creates a catalog loader over the record store.
func NewStoreLoader(db *store.DB) *StoreLoader {
	return &StoreLoader{db: db}
}

// Init creates the catalog tables.
func (l *StoreLoader) Init(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS model_registry (
	model_id TEXT PRIMARY KEY,
	provider TEXT NOT NULL,
	provider_model_id TEXT NOT NULL,
	input_per_million DOUBLE PRECISION NOT NULL DEFAULT 0,
	output_per_million DOUBLE PRECISION NOT NULL DEFAULT 0,
	cached_per_million DOUBLE PRECISION NOT NULL DEFAULT 0,
	batch_per_million DOUBLE PRECISION NOT NULL DEFAULT 0,
	max_context_tokens BIGINT NOT NULL DEFAULT 0,
	max_output_tokens BIGINT NOT NULL DEFAULT 0,
	max_images BIGINT NOT NULL DEFAULT 0,
	capabilities TEXT,
	status TEXT NOT NULL DEFAULT 'available',
	base_url TEXT,
	replaced_by TEXT
);
CREATE TABLE IF NOT EXISTS model_aliases (
	alias TEXT PRIMARY KEY,
	model_id TEXT NOT NULL
);`
	if _, err := l.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("registry: init: %w", err)
	}
	return nil
}

// LoadModels fetches the full catalog and alias table.
func (l *StoreLoader) LoadModels(ctx context.Context) ([]Descriptor, map[string]string, error) {
	rows, err := l.db.Query(ctx, `
		SELECT model_id, provider, provider_model_id,
		       input_per_million, output_per_million, cached_per_million, batch_per_million,
		       max_context_tokens, max_output_tokens, max_images,
		       capabilities, status, base_url, replaced_by
		FROM model_registry`)
	if err != nil {
		return nil, nil, fmt.Errorf("registry: query models: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var models []Descriptor
	for rows.Next() {
		var d Descriptor
		var caps, baseURL, replacedBy sql.NullString
		if err := rows.Scan(
			&d.ModelID, &d.Provider, &d.ProviderModelID,
			&d.Pricing.InputPerMillion, &d.Pricing.OutputPerMillion,
			&d.Pricing.CachedPerMillion, &d.Pricing.BatchPerMillion,
			&d.Limits.MaxContextTokens, &d.Limits.MaxOutputTokens, &d.Limits.MaxImages,
			&caps, &d.Status, &baseURL, &replacedBy,
		); err != nil {
			return nil, nil, fmt.Errorf("registry: scan model: %w", err)
		}
		if caps.Valid && caps.String != "" {
			_ = json.Unmarshal([]byte(caps.String), &d.Capabilities)
		}
		d.BaseURL = baseURL.String
		d.ReplacedBy = replacedBy.String
		models = append(models, d)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("registry: iterate models: %w", err)
	}

	aliasRows, err := l.db.Query(ctx, `SELECT alias, model_id FROM model_aliases`)
	if err != nil {
		return nil, nil, fmt.Errorf("registry: query aliases: %w", err)
	}
	defer func() { _ = aliasRows.Close() }()

	aliases := make(map[string]string)
	for aliasRows.Next() {
		var alias, modelID string
		if err := aliasRows.Scan(&alias, &modelID); err != nil {
			return nil, nil, fmt.Errorf("registry: scan alias: %w", err)
		}
		aliases[alias] = modelID
	}
	return models, aliases, aliasRows.Err()
}
