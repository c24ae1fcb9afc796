// Package registry is the model catalog: gateway-facing model ids mapped to
// provider, provider-specific id, pricing, limits, and capabilities.
// Aliases resolve at lookup time; deprecated models stay usable but carry a
// replacement hint.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ErrModelNotFound is returned when a model id resolves to nothing.
var ErrModelNotFound = errors.New("registry: model not found")

// Provider identifies an upstream LLM provider family.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderBedrock   Provider = "bedrock"
	ProviderVertex    Provider = "vertex"
	ProviderGroq      Provider = "groq"
	ProviderMistral   Provider = "mistral"
	ProviderOllama    Provider = "ollama"
	ProviderLMStudio  Provider = "lmstudio"
	ProviderAzure     Provider = "azure"
	ProviderMock      Provider = "mock"
)

// Status is the lifecycle state of a catalog entry.
type Status string

const (
	StatusAvailable   Status = "available"
	StatusPreview     Status = "preview"
	StatusDeprecated  Status = "deprecated"
	StatusUnavailable Status = "unavailable"
)

// Pricing is expressed in USD per million tokens.
type Pricing struct {
	InputPerMillion  float64 `json:"input_per_million"`
	OutputPerMillion float64 `json:"output_per_million"`
	CachedPerMillion float64 `json:"cached_per_million,omitempty"`
	BatchPerMillion  float64 `json:"batch_per_million,omitempty"`
}

// Limits bounds what a model accepts.
type Limits struct {
	MaxContextTokens int `json:"max_context_tokens"`
	MaxOutputTokens  int `json:"max_output_tokens"`
	MaxImages        int `json:"max_images,omitempty"`
}

// Descriptor is one catalog entry.
type Descriptor struct {
	ModelID         string   `json:"model_id"`
	Provider        Provider `json:"provider"`
	ProviderModelID string   `json:"provider_model_id"`
	Pricing         Pricing  `json:"pricing"`
	Limits          Limits   `json:"limits"`
	Capabilities    []string `json:"capabilities,omitempty"`
	Status          Status   `json:"status"`
	BaseURL         string   `json:"base_url,omitempty"` // self-hosted providers
	ReplacedBy      string   `json:"replaced_by,omitempty"`
}

// CostUSD computes the price of a request from token counts.
func (d *Descriptor) CostUSD(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)*d.Pricing.InputPerMillion/1e6 +
		float64(outputTokens)*d.Pricing.OutputPerMillion/1e6
}

// Loader fetches the catalog from the record store.
type Loader interface {
	LoadModels(ctx context.Context) ([]Descriptor, map[string]string, error)
}

// snapshot is the immutable view swapped atomically on refresh.
type snapshot struct {
	models  map[string]Descriptor
	aliases map[string]string
	loaded  time.Time
}

// Registry is a read-mostly catalog cache. Reads are lock-free; refreshes
// are serialized.
type Registry struct {
	loader    Loader
	ttl       time.Duration
	current   atomic.Value // *snapshot
	refreshMu sync.Mutex
}

// New builds a Registry over loader with the given cache TTL.
func New(loader Loader, ttl time.Duration) *Registry {
	r := &Registry{loader: loader, ttl: ttl}
	r.current.Store(&snapshot{
		models:  map[string]Descriptor{},
		aliases: map[string]string{},
	})
	return r
}

// NewStatic builds a Registry over a fixed catalog. Used in tests and for
// the built-in mock model set.
func NewStatic(models []Descriptor, aliases map[string]string) *Registry {
	r := &Registry{ttl: time.Hour}
	m := make(map[string]Descriptor, len(models))
	for _, d := range models {
		m[strings.ToLower(d.ModelID)] = d
	}
	a := make(map[string]string, len(aliases))
	for k, v := range aliases {
		a[strings.ToLower(k)] = v
	}
	r.current.Store(&snapshot{models: m, aliases: a, loaded: time.Now()})
	return r
}

// Refresh reloads the catalog from the loader.
func (r *Registry) Refresh(ctx context.Context) error {
	if r.loader == nil {
		return nil
	}
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	models, aliases, err := r.loader.LoadModels(ctx)
	if err != nil {
		return fmt.Errorf("registry: refresh: %w", err)
	}
	m := make(map[string]Descriptor, len(models))
	for _, d := range models {
		m[strings.ToLower(d.ModelID)] = d
	}
	a := make(map[string]string, len(aliases))
	for k, v := range aliases {
		a[strings.ToLower(k)] = v
	}
	r.current.Store(&snapshot{models: m, aliases: a, loaded: time.Now()})
	return nil
}

// Resolution is the result of a model lookup.
type Resolution struct {
	Descriptor      Descriptor
	ResolvedAlias   bool
	DeprecationHint string // non-empty when the model is deprecated
}

// Resolve looks up modelID, following one alias hop, refreshing the cache
// when stale. Unavailable models resolve to ErrModelNotFound.
func (r *Registry) Resolve(ctx context.Context, modelID string) (*Resolution, error) {
	snap := r.current.Load().(*snapshot)
	if r.loader != nil && time.Since(snap.loaded) > r.ttl {
		if err := r.Refresh(ctx); err == nil {
			snap = r.current.Load().(*snapshot)
		}
		// Stale cache beats no cache when the store is down.
	}

	id := strings.ToLower(modelID)
	aliased := false
	if target, ok := snap.aliases[id]; ok {
		id = strings.ToLower(target)
		aliased = true
	}

	d, ok := snap.models[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, modelID)
	}
	if d.Status == StatusUnavailable {
		return nil, fmt.Errorf("%w: %s is unavailable", ErrModelNotFound, modelID)
	}

	res := &Resolution{Descriptor: d, ResolvedAlias: aliased}
	if d.Status == StatusDeprecated {
		hint := "model is deprecated"
		if d.ReplacedBy != "" {
			hint = fmt.Sprintf("model is deprecated, use %s", d.ReplacedBy)
		}
		res.DeprecationHint = hint
	}
	return res, nil
}

// List returns every catalog entry in the current snapshot.
func (r *Registry) List() []Descriptor {
	snap := r.current.Load().(*snapshot)
	out := make([]Descriptor, 0, len(snap.models))
	for _, d := range snap.models {
		out = append(out, d)
	}
	return out
}

// Invalidate drops the snapshot age so the next Resolve reloads. Driven by
// the admin-mutation pub/sub channel.
func (r *Registry) Invalidate() {
	snap := r.current.Load().(*snapshot)
	r.current.Store(&snapshot{models: snap.models, aliases: snap.aliases})
}
