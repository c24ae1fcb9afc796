package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/arbiterlabs/arbiter/pkg/config"
	"github.com/arbiterlabs/arbiter/pkg/store"
)

// SQLKeyStore implements KeyStore over the record store.
type SQLKeyStore struct {
	db *store.DB
}

// NewSQLKeyStore creates a key store over the record store.
func NewSQLKeyStore(db *store.DB) *SQLKeyStore {
	return &SQLKeyStore{db: db}
}

// Init creates the identity tables.
func (s *SQLKeyStore) Init(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS applications (
	app_id TEXT PRIMARY KEY,
	org_id TEXT NOT NULL DEFAULT '',
	display_name TEXT NOT NULL DEFAULT '',
	owning_team TEXT NOT NULL DEFAULT '',
	active BOOLEAN NOT NULL DEFAULT TRUE,
	allowed_providers TEXT,
	allowed_models TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS api_keys (
	id TEXT PRIMARY KEY,
	key_hash TEXT NOT NULL UNIQUE,
	key_prefix TEXT NOT NULL,
	app_id TEXT NOT NULL,
	environment TEXT NOT NULL,
	encrypted_upstream_key TEXT NOT NULL DEFAULT '',
	expires_at TIMESTAMP,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_api_keys_hash ON api_keys(key_hash);`
	if _, err := s.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("auth: init: %w", err)
	}
	return nil
}

// GetKeyByHash returns the key record for a salted hash, or nil.
func (s *SQLKeyStore) GetKeyByHash(ctx context.Context, hash string) (*KeyRecord, error) {
	var rec KeyRecord
	var env string
	var expiresAt sql.NullTime

	err := s.db.QueryRow(ctx, `
		SELECT id, key_hash, key_prefix, app_id, environment, encrypted_upstream_key, expires_at, active
		FROM api_keys WHERE key_hash = $1`, hash).Scan(
		&rec.ID, &rec.KeyHash, &rec.KeyPrefix, &rec.AppID, &env,
		&rec.EncryptedUpstreamKey, &expiresAt, &rec.Active,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("auth: query key: %w", err)
	}

	rec.Environment = config.Environment(env)
	if expiresAt.Valid {
		t := expiresAt.Time
		rec.ExpiresAt = &t
	}
	return &rec, nil
}

// GetApplication returns the application record, or nil.
func (s *SQLKeyStore) GetApplication(ctx context.Context, appID string) (*AppRecord, error) {
	var rec AppRecord
	var providers, models sql.NullString

	err := s.db.QueryRow(ctx, `
		SELECT app_id, org_id, active, allowed_providers, allowed_models
		FROM applications WHERE app_id = $1`, appID).Scan(
		&rec.AppID, &rec.OrgID, &rec.Active, &providers, &models,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("auth: query application: %w", err)
	}

	if providers.Valid && providers.String != "" {
		_ = json.Unmarshal([]byte(providers.String), &rec.AllowedProviders)
	}
	if models.Valid && models.String != "" {
		_ = json.Unmarshal([]byte(models.String), &rec.AllowedModels)
	}
	return &rec, nil
}

// InsertKey persists a newly issued key. Only the salted hash and the
// non-secret prefix are stored; the plaintext never touches the store.
func (s *SQLKeyStore) InsertKey(ctx context.Context, rec *KeyRecord) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO api_keys (id, key_hash, key_prefix, app_id, environment, encrypted_upstream_key, expires_at, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.KeyHash, rec.KeyPrefix, rec.AppID, string(rec.Environment),
		rec.EncryptedUpstreamKey, rec.ExpiresAt, rec.Active, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("auth: insert key: %w", err)
	}
	return nil
}

// InsertApplication persists an application record.
func (s *SQLKeyStore) InsertApplication(ctx context.Context, rec *AppRecord) error {
	providers, _ := json.Marshal(rec.AllowedProviders)
	models, _ := json.Marshal(rec.AllowedModels)
	_, err := s.db.Exec(ctx, `
		INSERT INTO applications (app_id, org_id, active, allowed_providers, allowed_models, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.AppID, rec.OrgID, rec.Active, string(providers), string(models), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("auth: insert application: %w", err)
	}
	return nil
}
