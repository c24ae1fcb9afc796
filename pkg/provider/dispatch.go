package provider

import (
	"fmt"
	"strings"

	"github.com/arbiterlabs/arbiter/pkg/registry"
)

// Dispatcher maps resolved models to adapters. In test mode everything
// routes to the mock adapter so nothing leaves the process.
type Dispatcher struct {
	adapters map[string]Adapter
	ordered  []Adapter
	mock     Adapter
	testMode bool
}

// NewDispatcher registers adapters in claim order: when a model id is
// resolved by pattern rather than by catalog provider, earlier adapters
// win.
func NewDispatcher(testMode bool, adapters ...Adapter) *Dispatcher {
	d := &Dispatcher{
		adapters: make(map[string]Adapter, len(adapters)),
		ordered:  adapters,
		testMode: testMode,
	}
	for _, a := range adapters {
		d.adapters[a.Name()] = a
		if a.Name() == "mock" {
			d.mock = a
		}
	}
	if d.mock == nil {
		d.mock = NewMockAdapter()
		d.adapters["mock"] = d.mock
	}
	return d
}

// routingPrefixes maps explicit "family/" model prefixes to adapter names.
var routingPrefixes = map[string]string{
	"bedrock/":  "bedrock",
	"ollama/":   "ollama",
	"lmstudio/": "lmstudio",
	"mock/":     "mock",
}

// Select picks the adapter for a resolved model. Resolution order: test
// mode, catalog provider, explicit routing prefix, then adapter model
// patterns.
func (d *Dispatcher) Select(modelID string, catalogProvider registry.Provider) (Adapter, error) {
	if d.testMode {
		return d.mock, nil
	}

	if catalogProvider != "" {
		if a, ok := d.adapters[string(catalogProvider)]; ok {
			return a, nil
		}
		// OpenAI-compatible families without a dedicated adapter fall
		// through to the base OpenAI adapter.
		switch catalogProvider {
		case registry.ProviderGroq, registry.ProviderMistral, registry.ProviderAzure,
			registry.ProviderOllama, registry.ProviderLMStudio:
			if a, ok := d.adapters["openai"]; ok {
				return a, nil
			}
		}
	}

	lower := strings.ToLower(modelID)
	for prefix, name := range routingPrefixes {
		if strings.HasPrefix(lower, prefix) {
			if a, ok := d.adapters[name]; ok {
				return a, nil
			}
		}
	}

	for _, a := range d.ordered {
		if a.Supports(modelID) {
			return a, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoProvider, modelID)
}

// Get returns a registered adapter by name.
func (d *Dispatcher) Get(name string) (Adapter, bool) {
	a, ok := d.adapters[name]
	return a, ok
}
