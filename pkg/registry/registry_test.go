package registry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCatalog() []Descriptor {
	return []Descriptor{
		{
			ModelID:         "gpt-5",
			Provider:        ProviderOpenAI,
			ProviderModelID: "gpt-5",
			Pricing:         Pricing{InputPerMillion: 2.5, OutputPerMillion: 10},
			Limits:          Limits{MaxContextTokens: 200000, MaxOutputTokens: 8192},
			Status:          StatusAvailable,
		},
		{
			ModelID:         "claude-sonnet-4",
			Provider:        ProviderAnthropic,
			ProviderModelID: "claude-sonnet-4",
			Pricing:         Pricing{InputPerMillion: 3, OutputPerMillion: 15},
			Status:          StatusAvailable,
		},
		{
			ModelID:    "gpt-3.5-turbo",
			Provider:   ProviderOpenAI,
			Status:     StatusDeprecated,
			ReplacedBy: "gpt-5",
		},
		{
			ModelID:  "retired-model",
			Provider: ProviderOpenAI,
			Status:   StatusUnavailable,
		},
	}
}

func testAliases() map[string]string {
	return map[string]string{
		"gpt-latest":    "gpt-5",
		"claude-latest": "claude-sonnet-4",
	}
}

func TestResolve(t *testing.T) {
	r := NewStatic(testCatalog(), testAliases())

	res, err := r.Resolve(context.Background(), "gpt-5")
	require.NoError(t, err)
	assert.Equal(t, "gpt-5", res.Descriptor.ModelID)
	assert.Equal(t, ProviderOpenAI, res.Descriptor.Provider)
	assert.False(t, res.ResolvedAlias)
	assert.Empty(t, res.DeprecationHint)
}

func TestResolveCaseInsensitive(t *testing.T) {
	r := NewStatic(testCatalog(), testAliases())

	res, err := r.Resolve(context.Background(), "GPT-5")
	require.NoError(t, err)
	assert.Equal(t, "gpt-5", res.Descriptor.ModelID)
}

func TestResolveAlias(t *testing.T) {
	r := NewStatic(testCatalog(), testAliases())

	res, err := r.Resolve(context.Background(), "gpt-latest")
	require.NoError(t, err)
	assert.Equal(t, "gpt-5", res.Descriptor.ModelID)
	assert.True(t, res.ResolvedAlias)
}

func TestResolveUnknown(t *testing.T) {
	r := NewStatic(testCatalog(), testAliases())

	_, err := r.Resolve(context.Background(), "no-such-model")
	require.ErrorIs(t, err, ErrModelNotFound)
}

func TestResolveDeprecatedCarriesHint(t *testing.T) {
	r := NewStatic(testCatalog(), testAliases())

	res, err := r.Resolve(context.Background(), "gpt-3.5-turbo")
	require.NoError(t, err)
	assert.Contains(t, res.DeprecationHint, "gpt-5")
}

func TestResolveUnavailable(t *testing.T) {
	r := NewStatic(testCatalog(), testAliases())

	_, err := r.Resolve(context.Background(), "retired-model")
	require.ErrorIs(t, err, ErrModelNotFound)
}

func TestCostUSD(t *testing.T) {
	d := Descriptor{Pricing: Pricing{InputPerMillion: 2, OutputPerMillion: 10}}
	assert.InDelta(t, 0.012, d.CostUSD(1000, 1000), 1e-9)
	assert.Zero(t, d.CostUSD(0, 0))
}

type fakeLoader struct {
	loads  atomic.Int64
	models []Descriptor
	err    error
}

func (l *fakeLoader) LoadModels(context.Context) ([]Descriptor, map[string]string, error) {
	l.loads.Add(1)
	return l.models, nil, l.err
}

func TestRefreshSwapsSnapshot(t *testing.T) {
	loader := &fakeLoader{models: testCatalog()[:1]}
	r := New(loader, time.Hour)

	_, err := r.Resolve(context.Background(), "gpt-5")
	require.ErrorIs(t, err, ErrModelNotFound)

	require.NoError(t, r.Refresh(context.Background()))
	res, err := r.Resolve(context.Background(), "gpt-5")
	require.NoError(t, err)
	assert.Equal(t, "gpt-5", res.Descriptor.ModelID)
}

func TestStaleSnapshotSurvivesLoaderFailure(t *testing.T) {
	loader := &fakeLoader{models: testCatalog()[:1]}
	r := New(loader, time.Hour)
	require.NoError(t, r.Refresh(context.Background()))

	loader.err = errors.New("store down")
	r.Invalidate()

	res, err := r.Resolve(context.Background(), "gpt-5")
	require.NoError(t, err)
	assert.Equal(t, "gpt-5", res.Descriptor.ModelID)
}

func TestInvalidateForcesReload(t *testing.T) {
	loader := &fakeLoader{models: testCatalog()[:1]}
	r := New(loader, time.Hour)
	require.NoError(t, r.Refresh(context.Background()))
	before := loader.loads.Load()

	r.Invalidate()
	_, err := r.Resolve(context.Background(), "gpt-5")
	require.NoError(t, err)
	assert.Greater(t, loader.loads.Load(), before)
}

func TestList(t *testing.T) {
	r := NewStatic(testCatalog(), nil)
	assert.Len(t, r.List(), 4)
}
