// Package providers builds the remote model adapters and routes each
// generation call to the adapter of its model's provider.
package providers

import (
	"fmt"
	"net/http"
	"sort"
	"sync"

	"nelie/internal/core"
)

// ProviderConfig is the resolved configuration of one provider.
type ProviderConfig struct {
	Type              string
	APIKey            string
	BaseURL           string
	RequestsPerMinute int

	// HTTPClient is shared by every provider when set; nil uses the default.
	HTTPClient *http.Client
}

// Builder creates a provider instance from configuration.
type Builder func(cfg ProviderConfig) (core.Generator, error)

// Registration ties a provider type to its builder. Provider packages export
// one; the application registers the ones it ships.
type Registration struct {
	Type string
	New  Builder
}

// ProviderFactory holds the registered builders.
type ProviderFactory struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// NewProviderFactory creates an empty factory.
func NewProviderFactory() *ProviderFactory {
	return &ProviderFactory{builders: make(map[string]Builder)}
}

// Add registers a provider type. A later registration replaces an earlier one.
func (f *ProviderFactory) Add(reg Registration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builders[reg.Type] = reg.New
}

// Create instantiates a provider based on configuration.
func (f *ProviderFactory) Create(cfg ProviderConfig) (core.Generator, error) {
	f.mu.RLock()
	builder, ok := f.builders[cfg.Type]
	f.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown provider type: %s", cfg.Type)
	}
	return builder(cfg)
}

// RegisteredTypes returns the registered provider types, sorted.
func (f *ProviderFactory) RegisteredTypes() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	types := make([]string, 0, len(f.builders))
	for t := range f.builders {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
