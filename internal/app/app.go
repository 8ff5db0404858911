// Package app provides the main application struct for centralized dependency management
// and lifecycle control of the nelie server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"nelie/config"
	"nelie/internal/admin"
	"nelie/internal/budget"
	"nelie/internal/cache"
	"nelie/internal/catalog"
	"nelie/internal/core"
	"nelie/internal/httpclient"
	"nelie/internal/pipeline"
	"nelie/internal/providers"
	"nelie/internal/server"
	"nelie/internal/storage"
	"nelie/internal/usage"
)

// App represents the main application with all its dependencies.
// It provides centralized lifecycle management for all components.
type App struct {
	config    *config.Config
	catalog   *catalog.Catalog
	storage   storage.Storage
	usage     *usage.Result
	cache     *cache.ContentCache
	providers *providers.InitResult
	pipeline  *pipeline.Orchestrator
	server    *server.Server
	logger    *slog.Logger

	shutdownMu sync.Mutex
	shutdown   bool
}

// Config holds the configuration options for creating an App.
type Config struct {
	// AppConfig is the loaded application configuration produced by config.Load.
	AppConfig *config.LoadResult

	// Factory provides the ProviderFactory used to construct provider instances.
	Factory *providers.ProviderFactory

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// New creates a new App with all dependencies initialized.
// The caller must call Shutdown to release resources.
func New(ctx context.Context, cfg Config) (*App, error) {
	if cfg.AppConfig == nil {
		return nil, fmt.Errorf("app config is required")
	}
	if cfg.AppConfig.Config == nil {
		return nil, fmt.Errorf("app config contains nil Config")
	}
	if cfg.Factory == nil {
		return nil, fmt.Errorf("factory is required")
	}

	appCfg := cfg.AppConfig.Config
	app := &App{config: appCfg, logger: cfg.Logger}
	if app.logger == nil {
		app.logger = slog.Default()
	}

	cat, err := BuildCatalog(appCfg)
	if err != nil {
		return nil, err
	}
	app.catalog = cat

	plan, err := Plan(appCfg)
	if err != nil {
		return nil, err
	}

	if appCfg.NeedsStorage() {
		store, err := storage.New(ctx, storageConfig(appCfg))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize storage: %w", err)
		}
		app.storage = store
	}

	usageResult, err := usage.New(ctx, usage.Config{
		Enabled:       appCfg.Usage.Enabled,
		BufferSize:    appCfg.Usage.BufferSize,
		FlushInterval: appCfg.Usage.FlushInterval,
		RetentionDays: appCfg.Usage.RetentionDays,
	}, app.storage)
	if err != nil {
		return nil, app.failInit("failed to initialize usage tracking", err)
	}
	app.usage = usageResult

	cacheCfg := cacheConfig(appCfg)
	cacheStore, err := cache.New(ctx, cacheCfg, app.storage)
	if err != nil {
		return nil, app.failInit("failed to initialize cache", err)
	}
	app.cache = cache.NewContentCache(cacheStore, cacheCfg, app.logger)

	providerResult, err := providers.Init(cfg.Factory, providerConfigs(appCfg), app.resolveProvider)
	if err != nil {
		return nil, app.failInit("failed to initialize providers", err)
	}
	app.providers = providerResult

	opts := []pipeline.Option{
		pipeline.WithCache(app.cache),
		pipeline.WithUsageLogger(usageResult.Logger),
		pipeline.WithLogger(app.logger),
	}
	if providerResult.Images != nil {
		opts = append(opts, pipeline.WithImageGenerator(providerResult.Images))
	}
	orchestrator, err := pipeline.New(pipelineConfig(appCfg, plan), cat, providerResult.Router, opts...)
	if err != nil {
		return nil, app.failInit("failed to initialize pipeline", err)
	}
	app.pipeline = orchestrator

	app.logStartupInfo()

	serverCfg := &server.Config{
		MetricsEnabled:  appCfg.Metrics.Enabled,
		MetricsEndpoint: appCfg.Metrics.Endpoint,
		BodySizeLimit:   appCfg.Server.BodySizeLimit,
		Minify:          appCfg.Server.MinifyJSON,
		Logger:          app.logger,
	}
	if appCfg.Admin.Enabled {
		serverCfg.AdminHandler = admin.NewHandler(usageResult.Reader, cat, orchestrator.Plan())
		app.logger.Info("admin API enabled", "routes", []string{"/admin/usage", "/admin/plan"})
	}
	app.server = server.New(orchestrator, serverCfg)

	return app, nil
}

// BuildCatalog resolves the model catalog and step policies of cfg.
func BuildCatalog(cfg *config.Config) (*catalog.Catalog, error) {
	catCfg := catalog.Config{
		Models:       cfg.Models.Catalog,
		DefaultModel: cfg.Models.Default,
		ImageModel:   cfg.Models.Image,
	}
	if len(cfg.Models.Steps) > 0 {
		catCfg.StepModels = make(map[core.StepName]string, len(cfg.Models.Steps))
		for name, model := range cfg.Models.Steps {
			step, err := core.ParseStepName(name)
			if err != nil {
				return nil, core.NewConfigurationError(err.Error(), err)
			}
			catCfg.StepModels[step] = model
		}
	}
	if len(cfg.Models.Policies) > 0 {
		catCfg.Policies = make(map[core.StepName]core.StepPolicy, len(cfg.Models.Policies))
		for name, policy := range cfg.Models.Policies {
			step, err := core.ParseStepName(name)
			if err != nil {
				return nil, core.NewConfigurationError(err.Error(), err)
			}
			catCfg.Policies[step] = policy
		}
	}
	return catalog.New(catCfg)
}

// Plan returns the configured step order, or the built-in one.
func Plan(cfg *config.Config) ([]core.StepName, error) {
	if len(cfg.Generation.Plan) == 0 {
		return append([]core.StepName(nil), core.DefaultPlan...), nil
	}
	plan := make([]core.StepName, 0, len(cfg.Generation.Plan))
	for _, name := range cfg.Generation.Plan {
		step, err := core.ParseStepName(name)
		if err != nil {
			return nil, core.NewConfigurationError(err.Error(), err)
		}
		plan = append(plan, step)
	}
	return plan, nil
}

func pipelineConfig(cfg *config.Config, plan []core.StepName) pipeline.Config {
	return pipeline.Config{
		Budget: budget.Config{
			TotalTokens:            cfg.Budget.TotalTokens,
			CostCapUSD:             cfg.Budget.CostCapUSD,
			ReservePerCriticalStep: cfg.Budget.ReservePerCriticalStep,
			ClampFactor:            cfg.Budget.ClampFactor,
			MinStepTokens:          cfg.Budget.MinStepTokens,
		},
		Plan:        plan,
		StepTimeout: cfg.Generation.StepTimeout,
	}
}

func storageConfig(cfg *config.Config) storage.Config {
	return storage.Config{
		Type:       cfg.Storage.Type,
		SQLite:     storage.SQLiteConfig{Path: cfg.Storage.SQLite.Path},
		PostgreSQL: storage.PostgreSQLConfig{URL: cfg.Storage.PostgreSQL.URL, MaxConns: cfg.Storage.PostgreSQL.MaxConns},
		MongoDB:    storage.MongoDBConfig{URL: cfg.Storage.MongoDB.URL, Database: cfg.Storage.MongoDB.Database},
	}
}

func cacheConfig(cfg *config.Config) cache.Config {
	return cache.Config{
		Enabled:  cfg.Cache.Enabled,
		Backend:  cfg.Cache.Backend,
		Dir:      cfg.Cache.Dir,
		Compress: cfg.Cache.Compress,
		Minify:   true,
		Redis: cache.RedisConfig{
			URL:    cfg.Cache.Redis.URL,
			Prefix: cfg.Cache.Redis.Prefix,
			TTL:    cfg.Cache.Redis.TTL,
		},
	}
}

// providerConfigs returns the provider settings in name order, all sharing
// one outbound HTTP client.
func providerConfigs(cfg *config.Config) []providers.ProviderConfig {
	clientCfg := httpclient.DefaultConfig()
	if cfg.HTTP.Timeout > 0 {
		clientCfg.Timeout = cfg.HTTP.Timeout
	}
	if cfg.HTTP.UserAgent != "" {
		clientCfg.UserAgent = cfg.HTTP.UserAgent
	}
	client := httpclient.NewHTTPClient(&clientCfg)

	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]providers.ProviderConfig, 0, len(names))
	for _, name := range names {
		p := cfg.Providers[name]
		typ := p.Type
		if typ == "" {
			typ = name
		}
		out = append(out, providers.ProviderConfig{
			Type:              typ,
			APIKey:            p.APIKey,
			BaseURL:           p.BaseURL,
			RequestsPerMinute: p.RequestsPerMinute,
			HTTPClient:        client,
		})
	}
	return out
}

// resolveProvider names the provider of a model, preferring the catalog entry.
func (a *App) resolveProvider(model string) string {
	if m, ok := a.catalog.Lookup(model); ok {
		return m.Provider
	}
	return catalog.ProviderFor(model)
}

// Pipeline returns the lesson orchestrator.
func (a *App) Pipeline() *pipeline.Orchestrator {
	return a.pipeline
}

// Catalog returns the resolved model catalog.
func (a *App) Catalog() *catalog.Catalog {
	return a.catalog
}

// UsageReader returns the usage reader, or nil when usage tracking is disabled.
func (a *App) UsageReader() usage.UsageReader {
	if a.usage == nil {
		return nil
	}
	return a.usage.Reader
}

// Handler returns the HTTP handler of the server.
func (a *App) Handler() http.Handler {
	return a.server
}

// Start starts the HTTP server on the given address.
// This is a blocking call that returns when the server stops.
func (a *App) Start(addr string) error {
	if a.server == nil {
		return fmt.Errorf("server is not initialized")
	}
	a.logger.Info("starting server", "address", addr)
	if err := a.server.Start(addr); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			a.logger.Info("server stopped gracefully")
			return nil
		}
		return fmt.Errorf("server failed to start: %w", err)
	}
	return nil
}

// Shutdown gracefully tears down app components in dependency order:
// the HTTP server first, then the usage logger (flushing pending entries),
// the cache store and finally the shared storage connection.
//
// Shutdown is idempotent; after the first call, subsequent calls are no-ops.
// It attempts every close step and returns the joined failures.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownMu.Lock()
	if a.shutdown {
		a.shutdownMu.Unlock()
		return nil
	}
	a.shutdown = true
	a.shutdownMu.Unlock()

	a.logger.Info("shutting down application...")

	var errs []error
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			a.logger.Error("server shutdown error", "error", err)
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
	}
	if err := a.closeComponents(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	a.logger.Info("application shutdown complete")
	return nil
}

func (a *App) closeComponents() error {
	var errs []error
	if a.usage != nil {
		if err := a.usage.Close(); err != nil {
			a.logger.Error("usage logger close error", "error", err)
			errs = append(errs, fmt.Errorf("usage close: %w", err))
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Error("cache close error", "error", err)
			errs = append(errs, fmt.Errorf("cache close: %w", err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Error("storage close error", "error", err)
			errs = append(errs, fmt.Errorf("storage close: %w", err))
		}
	}
	return errors.Join(errs...)
}

// failInit releases whatever was built before a constructor step failed.
func (a *App) failInit(msg string, err error) error {
	if closeErr := a.closeComponents(); closeErr != nil {
		return fmt.Errorf("%s: %w (also: close error: %v)", msg, err, closeErr)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// logStartupInfo logs the application configuration on startup.
func (a *App) logStartupInfo() {
	cfg := a.config

	if routed := a.providers.Router.Providers(); len(routed) == 0 {
		a.logger.Warn("no provider API keys configured, every step will use offline content")
	} else {
		a.logger.Info("providers configured", "providers", routed)
	}

	a.logger.Info("budget configured",
		"total_tokens", cfg.Budget.TotalTokens,
		"cost_cap_usd", cfg.Budget.CostCapUSD,
		"plan", a.pipeline.Plan(),
	)

	if cfg.Metrics.Enabled {
		a.logger.Info("prometheus metrics enabled", "endpoint", cfg.Metrics.Endpoint)
	} else {
		a.logger.Info("prometheus metrics disabled")
	}

	if a.storage != nil {
		a.logger.Info("storage configured", "type", a.storage.Type())
	}

	if a.cache.Enabled() {
		a.logger.Info("content cache enabled", "backend", cfg.Cache.Backend, "compress", cfg.Cache.Compress)
	} else {
		a.logger.Info("content cache disabled")
	}

	if cfg.Usage.Enabled {
		a.logger.Info("usage tracking enabled",
			"buffer_size", cfg.Usage.BufferSize,
			"flush_interval", cfg.Usage.FlushInterval,
			"retention_days", cfg.Usage.RetentionDays,
		)
	} else {
		a.logger.Info("usage tracking disabled")
	}
}
