package providers

import (
	"context"
	"fmt"
	"net/http"
	"sort"

	"nelie/internal/core"
)

// ProviderResolver names the provider that serves a model.
type ProviderResolver func(model string) string

// Router implements core.Generator by dispatching on the model's provider.
// It is read-only after Init and safe for concurrent use.
type Router struct {
	resolve    ProviderResolver
	generators map[string]core.Generator
}

// NewRouter creates a router. resolve must not be nil.
func NewRouter(resolve ProviderResolver) (*Router, error) {
	if resolve == nil {
		return nil, fmt.Errorf("resolver cannot be nil")
	}
	return &Router{resolve: resolve, generators: make(map[string]core.Generator)}, nil
}

// Add attaches the generator serving provider.
func (r *Router) Add(provider string, g core.Generator) {
	r.generators[provider] = g
}

// Providers returns the configured provider names, sorted.
func (r *Router) Providers() []string {
	names := make([]string, 0, len(r.generators))
	for name := range r.generators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Supports reports whether a provider is configured for model.
func (r *Router) Supports(model string) bool {
	_, ok := r.generators[r.resolve(model)]
	return ok
}

// Generate routes the request to the model's provider. A model whose provider
// is not configured fails like an unavailable provider, so callers fall back.
func (r *Router) Generate(ctx context.Context, req *core.GenerateRequest) (*core.GenerateResponse, error) {
	provider := r.resolve(req.Model)
	g, ok := r.generators[provider]
	if !ok {
		return nil, core.NewProviderError(provider, http.StatusServiceUnavailable,
			fmt.Sprintf("no provider configured for model %s", req.Model), nil)
	}
	return g.Generate(ctx, req)
}
