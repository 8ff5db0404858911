package providers

import (
	"fmt"
	"log/slog"

	"nelie/internal/core"
)

// InitResult holds the initialized provider infrastructure.
type InitResult struct {
	Router *Router

	// Images is nil when no configured provider can render images.
	Images core.ImageGenerator
}

// Init creates every configured provider and wires the router. Providers
// without an API key are skipped, so a deployment with no keys still runs on
// offline fallbacks.
func Init(factory *ProviderFactory, configs []ProviderConfig, resolve ProviderResolver) (*InitResult, error) {
	if factory == nil {
		return nil, fmt.Errorf("factory cannot be nil")
	}

	router, err := NewRouter(resolve)
	if err != nil {
		return nil, err
	}
	result := &InitResult{Router: router}

	for _, cfg := range configs {
		if cfg.APIKey == "" {
			slog.Warn("provider has no API key, its steps will use fallbacks", "provider", cfg.Type)
			continue
		}

		g, err := factory.Create(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create provider %s: %w", cfg.Type, err)
		}
		router.Add(cfg.Type, g)

		if images, ok := g.(core.ImageGenerator); ok && result.Images == nil {
			result.Images = images
		}
		slog.Info("provider initialized", "provider", cfg.Type, "base_url", cfg.BaseURL, "rpm", cfg.RequestsPerMinute)
	}

	return result, nil
}
