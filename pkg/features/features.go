// Package features gates requests on registered feature ids. Every call
// declares the product feature it serves; unregistered or disabled
// features are denied before any provider work happens, and a feature can
// narrow the models, environments, and per-request token ceiling available
// to it.
package features

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/arbiterlabs/arbiter/pkg/config"
)

var (
	// ErrFeatureNotFound is returned when the feature id is not registered
	// for the application.
	ErrFeatureNotFound = errors.New("features: feature not registered")
	// ErrFeatureDisabled is returned for a registered but disabled feature.
	ErrFeatureDisabled = errors.New("features: feature disabled")
	// ErrActionNotAllowed is returned when the feature's action allow-list
	// excludes the requested action.
	ErrActionNotAllowed = errors.New("features: action not allowed for feature")
	// ErrModelNotAllowed is returned when the feature's model allow-list
	// excludes the requested model.
	ErrModelNotAllowed = errors.New("features: model not allowed for feature")
	// ErrEnvironment is returned when the feature is not enabled in the
	// caller's environment.
	ErrEnvironment = errors.New("features: feature not enabled in environment")
	// ErrTokenCeiling is returned when the estimated request size exceeds
	// the feature's per-request ceiling.
	ErrTokenCeiling = errors.New("features: token ceiling exceeded")
)

// Feature is one registered product feature.
type Feature struct {
	FeatureID   string `json:"feature_id"`
	AppID       string `json:"app_id"`
	Enabled     bool   `json:"enabled"`
	Description string `json:"description,omitempty"`
	// AllowedActions the feature may perform ("chat", "embeddings").
	// Empty means all.
	AllowedActions []string `json:"allowed_actions,omitempty"`
	// Environments the feature may run in. Empty means all.
	Environments []string `json:"environments,omitempty"`
	// AllowedModels are shell globs over model ids. Empty means all.
	AllowedModels []string `json:"allowed_models,omitempty"`
	// MaxTokensPerRequest caps the estimated input size. Zero means no cap.
	MaxTokensPerRequest int `json:"max_tokens_per_request,omitempty"`
}

// Store loads feature records.
type Store interface {
	GetFeature(ctx context.Context, appID, featureID string) (*Feature, error)
}

type cacheEntry struct {
	feature  *Feature // nil caches a miss
	cachedAt time.Time
}

// Registry answers feature checks with a short-TTL cache in front of the
// record store. Misses are cached too, so a flood of requests with a bogus
// feature id does not hammer the store.
type Registry struct {
	store Store
	ttl   time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// New builds a Registry with the given cache TTL.
func New(store Store, ttl time.Duration) *Registry {
	return &Registry{store: store, ttl: ttl, cache: make(map[string]cacheEntry)}
}

// Check validates that featureID is registered, enabled, and permits the
// requested action, model, environment, and estimated size.
func (r *Registry) Check(ctx context.Context, appID, featureID, action, model string, env config.Environment, estimatedTokens int) error {
	if featureID == "" {
		return fmt.Errorf("%w: no feature id declared", ErrFeatureNotFound)
	}

	f, err := r.lookup(ctx, appID, featureID)
	if err != nil {
		return err
	}
	if f == nil {
		return fmt.Errorf("%w: %s", ErrFeatureNotFound, featureID)
	}
	if !f.Enabled {
		return fmt.Errorf("%w: %s", ErrFeatureDisabled, featureID)
	}

	if len(f.AllowedActions) > 0 && !contains(f.AllowedActions, action) {
		return fmt.Errorf("%w: %s for %s", ErrActionNotAllowed, action, featureID)
	}

	if len(f.Environments) > 0 && !contains(f.Environments, string(env)) {
		return fmt.Errorf("%w: %s in %s", ErrEnvironment, featureID, env)
	}

	if len(f.AllowedModels) > 0 && !matchesAny(f.AllowedModels, model) {
		return fmt.Errorf("%w: %s for %s", ErrModelNotAllowed, model, featureID)
	}

	if f.MaxTokensPerRequest > 0 && estimatedTokens > f.MaxTokensPerRequest {
		return fmt.Errorf("%w: estimated %d > ceiling %d", ErrTokenCeiling, estimatedTokens, f.MaxTokensPerRequest)
	}

	return nil
}

// Invalidate drops the cached record for one feature. Driven by the
// admin-mutation pub/sub channel.
func (r *Registry) Invalidate(appID, featureID string) {
	r.mu.Lock()
	delete(r.cache, cacheKey(appID, featureID))
	r.mu.Unlock()
}

func (r *Registry) lookup(ctx context.Context, appID, featureID string) (*Feature, error) {
	key := cacheKey(appID, featureID)

	r.mu.Lock()
	entry, ok := r.cache[key]
	r.mu.Unlock()
	if ok && time.Since(entry.cachedAt) <= r.ttl {
		return entry.feature, nil
	}

	f, err := r.store.GetFeature(ctx, appID, featureID)
	if err != nil {
		return nil, fmt.Errorf("features: lookup %s: %w", featureID, err)
	}

	r.mu.Lock()
	r.cache[key] = cacheEntry{feature: f, cachedAt: time.Now()}
	r.mu.Unlock()
	return f, nil
}

func cacheKey(appID, featureID string) string { return appID + "\x00" + featureID }

func contains(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

func matchesAny(globs []string, model string) bool {
	lower := strings.ToLower(model)
	for _, g := range globs {
		if ok, err := path.Match(strings.ToLower(g), lower); err == nil && ok {
			return true
		}
	}
	return false
}
