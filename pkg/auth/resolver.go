// Package auth resolves presented gateway keys to application identities.
//
// Keys are stored as salted hashes plus a short non-secret prefix for log
// correlation; the plaintext exists only at issue time. A short-TTL cache
// sits in front of the record store to bound lookup traffic.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arbiterlabs/arbiter/pkg/config"
	"github.com/arbiterlabs/arbiter/pkg/kms"
)

var (
	// ErrMissingKey is returned when no gateway key was presented.
	ErrMissingKey = errors.New("auth: missing gateway key")
	// ErrUnknownKey is returned when the presented key matches no record.
	ErrUnknownKey = errors.New("auth: unknown gateway key")
	// ErrKeyExpired is returned for a known but expired or revoked key.
	ErrKeyExpired = errors.New("auth: gateway key expired")
	// ErrEnvMismatch is returned when the declared environment does not
	// match the key's immutable binding.
	ErrEnvMismatch = errors.New("auth: environment mismatch")
)

// Identity is the resolved caller: application, environment binding, and
// the decrypted upstream provider key the gateway presents on its behalf.
type Identity struct {
	AppID            string
	OrgID            string
	KeyPrefix        string
	Environment      config.Environment
	UpstreamKey      string
	AllowedProviders []string
	AllowedModels    []string
	Warnings         []string
}

// KeyRecord is the stored shape of an issued gateway key.
type KeyRecord struct {
	ID                   string
	KeyHash              string
	KeyPrefix            string
	AppID                string
	Environment          config.Environment
	EncryptedUpstreamKey string
	ExpiresAt            *time.Time
	Active               bool
}

// AppRecord is the application a key is bound to.
type AppRecord struct {
	AppID            string
	OrgID            string
	Active           bool
	AllowedProviders []string
	AllowedModels    []string
}

// KeyStore loads key and application records from the record store.
type KeyStore interface {
	GetKeyByHash(ctx context.Context, hash string) (*KeyRecord, error)
	GetApplication(ctx context.Context, appID string) (*AppRecord, error)
}

type cacheEntry struct {
	identity Identity
	cachedAt time.Time
}

// Resolver maps presented gateway keys to identities.
type Resolver struct {
	store    KeyStore
	keys     kms.Manager
	salt     []byte
	cacheTTL time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewResolver builds a Resolver. salt is mixed into every key hash;
// cacheTTL bounds how long resolved identities are reused.
func NewResolver(store KeyStore, keys kms.Manager, salt []byte, cacheTTL time.Duration) *Resolver {
	return &Resolver{
		store:    store,
		keys:     keys,
		salt:     salt,
		cacheTTL: cacheTTL,
		cache:    make(map[string]cacheEntry),
	}
}

// HashKey computes the salted hash under which a gateway key is stored.
func (r *Resolver) HashKey(presented string) string {
	h := sha256.New()
	h.Write(r.salt)
	h.Write([]byte(presented))
	return hex.EncodeToString(h.Sum(nil))
}

// Resolve authenticates a presented key against a declared environment.
func (r *Resolver) Resolve(ctx context.Context, presented string, declared config.Environment) (*Identity, error) {
	if presented == "" {
		return nil, ErrMissingKey
	}

	hash := r.HashKey(presented)

	if id, ok := r.cached(hash); ok {
		return r.checkEnvironment(id, presented, declared)
	}

	rec, err := r.store.GetKeyByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("auth: key lookup: %w", err)
	}
	if rec == nil {
		return nil, ErrUnknownKey
	}
	// The store indexed on the hash; verify the match in constant time
	// anyway so a store that compares loosely cannot weaken auth.
	if subtle.ConstantTimeCompare([]byte(rec.KeyHash), []byte(hash)) != 1 {
		return nil, ErrUnknownKey
	}
	if !rec.Active {
		return nil, ErrKeyExpired
	}
	if rec.ExpiresAt != nil && time.Now().After(*rec.ExpiresAt) {
		return nil, ErrKeyExpired
	}

	app, err := r.store.GetApplication(ctx, rec.AppID)
	if err != nil {
		return nil, fmt.Errorf("auth: application lookup: %w", err)
	}
	if app == nil || !app.Active {
		return nil, ErrUnknownKey
	}

	upstream, err := r.keys.Decrypt(rec.EncryptedUpstreamKey)
	if err != nil {
		return nil, fmt.Errorf("auth: decrypt upstream key: %w", err)
	}

	identity := Identity{
		AppID:            app.AppID,
		OrgID:            app.OrgID,
		KeyPrefix:        rec.KeyPrefix,
		Environment:      rec.Environment,
		UpstreamKey:      upstream,
		AllowedProviders: app.AllowedProviders,
		AllowedModels:    app.AllowedModels,
	}

	r.mu.Lock()
	r.cache[hash] = cacheEntry{identity: identity, cachedAt: time.Now()}
	r.mu.Unlock()

	return r.checkEnvironment(identity, presented, declared)
}

// Invalidate drops a cached identity, keyed by the stored hash. Driven by
// the key-revocation pub/sub channel.
func (r *Resolver) Invalidate(hash string) {
	r.mu.Lock()
	delete(r.cache, hash)
	r.mu.Unlock()
}

func (r *Resolver) cached(hash string) (Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.cache[hash]
	if !ok || time.Since(entry.cachedAt) > r.cacheTTL {
		return Identity{}, false
	}
	return entry.identity, true
}

// checkEnvironment enforces the key's immutable environment binding and
// the prefix encoding. Production rejects a prefix mismatch; other
// environments surface a warning.
func (r *Resolver) checkEnvironment(id Identity, presented string, declared config.Environment) (*Identity, error) {
	if declared != "" && declared != id.Environment {
		return nil, fmt.Errorf("%w: key is bound to %s", ErrEnvMismatch, id.Environment)
	}

	if prefixEnv, ok := config.EnvironmentFromPrefix(presented); ok && prefixEnv != id.Environment {
		if id.Environment == config.EnvProduction {
			return nil, fmt.Errorf("%w: key prefix encodes %s", ErrEnvMismatch, prefixEnv)
		}
		id.Warnings = append(id.Warnings,
			fmt.Sprintf("key prefix encodes %s but key is bound to %s", prefixEnv, id.Environment))
	}

	out := id
	return &out, nil
}
