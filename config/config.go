// Package config provides configuration management for the application.
//
// Values are resolved in three layers: built-in defaults, an optional
// config.yaml (with ${VAR} and ${VAR:-default} placeholders expanded from the
// environment), then environment variables. A .env file in the working
// directory is loaded into the environment first and never overrides
// variables that are already set.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"nelie/internal/core"
	"nelie/internal/logging"
)

// Config holds the application configuration
type Config struct {
	Server     ServerConfig              `yaml:"server"`
	Budget     BudgetConfig              `yaml:"budget"`
	Generation GenerationConfig          `yaml:"generation"`
	Models     ModelsConfig              `yaml:"models"`
	Providers  map[string]ProviderConfig `yaml:"providers"`
	Cache      CacheConfig               `yaml:"cache"`
	Storage    StorageConfig             `yaml:"storage"`
	Usage      UsageConfig               `yaml:"usage"`
	Log        LogConfig                 `yaml:"log"`
	Metrics    MetricsConfig             `yaml:"metrics"`
	HTTP       HTTPConfig                `yaml:"http"`
	Admin      AdminConfig               `yaml:"admin"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port string `yaml:"port"`

	// BodySizeLimit caps the request body in bytes
	BodySizeLimit int64 `yaml:"body_size_limit"`

	// MinifyJSON writes compact responses instead of indented ones
	MinifyJSON bool `yaml:"minify_json"`
}

// BudgetConfig holds the per-run token and cost limits
type BudgetConfig struct {
	TotalTokens            int     `yaml:"total_tokens"`
	CostCapUSD             float64 `yaml:"cost_cap_usd"`
	ReservePerCriticalStep int     `yaml:"reserve_per_critical_step"`
	ClampFactor            float64 `yaml:"clamp_factor"`
	MinStepTokens          int     `yaml:"min_step_tokens"`
}

// GenerationConfig holds pipeline settings
type GenerationConfig struct {
	// Plan is the ordered list of step names. Empty means the built-in order.
	Plan []string `yaml:"plan"`

	// StepTimeout bounds every remote call
	StepTimeout time.Duration `yaml:"step_timeout"`
}

// ModelsConfig holds the model catalog and step assignments
type ModelsConfig struct {
	Default string            `yaml:"default"`
	Image   string            `yaml:"image"`
	Steps   map[string]string `yaml:"steps"`

	// Catalog replaces the built-in price list when non-empty
	Catalog []core.ModelSpec `yaml:"catalog"`

	// Policies replaces the built-in step policies when non-empty
	Policies map[string]core.StepPolicy `yaml:"policies"`
}

// ProviderConfig holds one remote provider's settings
type ProviderConfig struct {
	Type              string `yaml:"type"`
	APIKey            string `yaml:"api_key"`
	BaseURL           string `yaml:"base_url"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
}

// CacheConfig holds content cache configuration
type CacheConfig struct {
	Enabled  bool        `yaml:"enabled"`
	Backend  string      `yaml:"backend"`
	Dir      string      `yaml:"dir"`
	Compress bool        `yaml:"compress"`
	Redis    RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis connection settings for the cache
type RedisConfig struct {
	URL    string        `yaml:"url"`
	Prefix string        `yaml:"prefix"`
	TTL    time.Duration `yaml:"ttl"`
}

// StorageConfig holds the shared database configuration
type StorageConfig struct {
	// Type is "sqlite", "postgresql" or "mongodb"
	Type       string           `yaml:"type"`
	SQLite     SQLiteConfig     `yaml:"sqlite"`
	PostgreSQL PostgreSQLConfig `yaml:"postgresql"`
	MongoDB    MongoDBConfig    `yaml:"mongodb"`
}

// SQLiteConfig holds SQLite-specific configuration
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgreSQLConfig holds PostgreSQL-specific configuration
type PostgreSQLConfig struct {
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
}

// MongoDBConfig holds MongoDB-specific configuration
type MongoDBConfig struct {
	URL      string `yaml:"url"`
	Database string `yaml:"database"`
}

// UsageConfig holds usage persistence configuration
type UsageConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BufferSize    int           `yaml:"buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	RetentionDays int           `yaml:"retention_days"`
}

// LogConfig holds console logging configuration
type LogConfig struct {
	// Format is "auto", "pretty" or "json"
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// HTTPConfig holds outbound HTTP client configuration
type HTTPConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"user_agent"`
}

// AdminConfig holds the read-only admin API configuration
type AdminConfig struct {
	// Enabled mounts /admin/usage and /admin/plan
	Enabled bool `yaml:"enabled"`
}

// LoadResult is the outcome of Load.
type LoadResult struct {
	Config *Config

	// Sources lists the files that contributed, in load order.
	Sources []string
}

// configPaths are tried in order; the first readable file wins.
var configPaths = []string{"config/config.yaml", "config.yaml"}

// Load reads configuration from .env, config.yaml and the environment, then
// validates it.
func Load() (*LoadResult, error) {
	result := &LoadResult{}

	if err := godotenv.Load(); err == nil {
		result.Sources = append(result.Sources, ".env")
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := buildDefaultConfig()
	for _, path := range configPaths {
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		if err := yaml.Unmarshal([]byte(expandString(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		result.Sources = append(result.Sources, path)
		break
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	result.Config = cfg
	return result, nil
}

// Default returns the built-in configuration, without reading files or the
// environment.
func Default() *Config {
	return buildDefaultConfig()
}

// buildDefaultConfig returns the configuration used when nothing is set.
func buildDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:          "8080",
			BodySizeLimit: 1 << 20,
			MinifyJSON:    false,
		},
		Budget: BudgetConfig{
			TotalTokens:            12000,
			CostCapUSD:             0,
			ReservePerCriticalStep: 200,
			ClampFactor:            0.8,
			MinStepTokens:          50,
		},
		Generation: GenerationConfig{
			StepTimeout: 45 * time.Second,
		},
		Models: ModelsConfig{
			Default: "gpt-4o-mini",
			Image:   "dall-e-3",
		},
		Providers: map[string]ProviderConfig{
			"openai":    {Type: "openai", RequestsPerMinute: 60},
			"anthropic": {Type: "anthropic", RequestsPerMinute: 60},
		},
		Cache: CacheConfig{
			Enabled: true,
			Backend: "memory",
			Dir:     "data/cache",
			Redis: RedisConfig{
				Prefix: "nelie:cache:",
				TTL:    30 * 24 * time.Hour,
			},
		},
		Storage: StorageConfig{
			Type:       "sqlite",
			SQLite:     SQLiteConfig{Path: "data/nelie.db"},
			PostgreSQL: PostgreSQLConfig{MaxConns: 10},
			MongoDB:    MongoDBConfig{Database: "nelie"},
		},
		Usage: UsageConfig{
			Enabled:       false,
			BufferSize:    1000,
			FlushInterval: 5 * time.Second,
			RetentionDays: 90,
		},
		Log: LogConfig{
			Format: "auto",
			Level:  "info",
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
		},
		HTTP: HTTPConfig{
			Timeout:   2 * time.Minute,
			UserAgent: "nelie",
		},
	}
}

var placeholderPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandString replaces ${VAR} and ${VAR:-default} placeholders. A variable
// that is unset or empty takes its default; without a default the
// placeholder is left untouched.
func expandString(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := placeholderPattern.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		if parts[2] != "" {
			return parts[3]
		}
		return match
	})
}

// applyEnvOverrides applies environment variables on top of cfg. Unset
// variables leave the current value alone.
func applyEnvOverrides(cfg *Config) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: invalid integer %q", key, v))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := lookup(key); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: invalid number %q", key, v))
				return
			}
			*dst = f
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: invalid boolean %q", key, v))
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			d, err := parseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("PORT", &cfg.Server.Port)
	flag("MINIFY_JSON", &cfg.Server.MinifyJSON)

	num("BUDGET_TOTAL_TOKENS", &cfg.Budget.TotalTokens)
	float("BUDGET_COST_CAP_USD", &cfg.Budget.CostCapUSD)
	num("BUDGET_RESERVE_PER_CRITICAL", &cfg.Budget.ReservePerCriticalStep)
	float("BUDGET_CLAMP_FACTOR", &cfg.Budget.ClampFactor)
	num("BUDGET_MIN_STEP_TOKENS", &cfg.Budget.MinStepTokens)

	if v, ok := lookup("GENERATION_PLAN"); ok {
		cfg.Generation.Plan = splitList(v)
	}
	duration("STEP_TIMEOUT", &cfg.Generation.StepTimeout)

	str("MODEL_DEFAULT", &cfg.Models.Default)
	str("IMAGE_MODEL", &cfg.Models.Image)
	for _, step := range core.AllSteps {
		if v, ok := lookup("MODEL_" + strings.ToUpper(string(step))); ok {
			if cfg.Models.Steps == nil {
				cfg.Models.Steps = make(map[string]string)
			}
			cfg.Models.Steps[string(step)] = v
		}
	}

	if cfg.Providers == nil {
		cfg.Providers = make(map[string]ProviderConfig)
	}
	for _, name := range []string{"openai", "anthropic"} {
		p := cfg.Providers[name]
		if p.Type == "" {
			p.Type = name
		}
		prefix := strings.ToUpper(name)
		str(prefix+"_API_KEY", &p.APIKey)
		str(prefix+"_BASE_URL", &p.BaseURL)
		cfg.Providers[name] = p
	}
	if v, ok := lookup("LLM_REQUESTS_PER_MINUTE"); ok {
		rpm, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("LLM_REQUESTS_PER_MINUTE: invalid integer %q", v))
		} else {
			for name, p := range cfg.Providers {
				p.RequestsPerMinute = rpm
				cfg.Providers[name] = p
			}
		}
	}

	flag("CACHE_ENABLED", &cfg.Cache.Enabled)
	str("CACHE_BACKEND", &cfg.Cache.Backend)
	flag("CACHE_COMPRESS", &cfg.Cache.Compress)
	str("CACHE_DIR", &cfg.Cache.Dir)
	str("REDIS_URL", &cfg.Cache.Redis.URL)
	str("REDIS_KEY_PREFIX", &cfg.Cache.Redis.Prefix)
	duration("REDIS_TTL", &cfg.Cache.Redis.TTL)

	str("STORAGE_TYPE", &cfg.Storage.Type)
	str("SQLITE_PATH", &cfg.Storage.SQLite.Path)
	str("POSTGRES_URL", &cfg.Storage.PostgreSQL.URL)
	num("POSTGRES_MAX_CONNS", &cfg.Storage.PostgreSQL.MaxConns)
	str("MONGODB_URL", &cfg.Storage.MongoDB.URL)
	str("MONGODB_DATABASE", &cfg.Storage.MongoDB.Database)

	flag("USAGE_ENABLED", &cfg.Usage.Enabled)
	num("USAGE_BUFFER_SIZE", &cfg.Usage.BufferSize)
	duration("USAGE_FLUSH_INTERVAL", &cfg.Usage.FlushInterval)
	num("USAGE_RETENTION_DAYS", &cfg.Usage.RetentionDays)

	str("LOG_FORMAT", &cfg.Log.Format)
	str("LOG_LEVEL", &cfg.Log.Level)

	flag("METRICS_ENABLED", &cfg.Metrics.Enabled)
	str("METRICS_ENDPOINT", &cfg.Metrics.Endpoint)

	flag("ADMIN_ENABLED", &cfg.Admin.Enabled)

	duration("HTTP_TIMEOUT", &cfg.HTTP.Timeout)
	str("HTTP_USER_AGENT", &cfg.HTTP.UserAgent)

	return errors.Join(errs...)
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port must not be empty"))
	}
	if c.Server.BodySizeLimit <= 0 {
		errs = append(errs, errors.New("server.body_size_limit must be positive"))
	}
	if c.Budget.TotalTokens <= 0 {
		errs = append(errs, errors.New("budget.total_tokens must be positive"))
	}
	if c.Budget.CostCapUSD < 0 {
		errs = append(errs, errors.New("budget.cost_cap_usd must not be negative"))
	}
	if c.Budget.ReservePerCriticalStep < 0 {
		errs = append(errs, errors.New("budget.reserve_per_critical_step must not be negative"))
	}
	if c.Budget.ClampFactor <= 0 || c.Budget.ClampFactor > 1 {
		errs = append(errs, errors.New("budget.clamp_factor must be in (0, 1]"))
	}
	if c.Budget.MinStepTokens <= 0 {
		errs = append(errs, errors.New("budget.min_step_tokens must be positive"))
	}
	for _, name := range c.Generation.Plan {
		if _, err := core.ParseStepName(name); err != nil {
			errs = append(errs, fmt.Errorf("generation.plan: %w", err))
		}
	}
	if c.Generation.StepTimeout <= 0 {
		errs = append(errs, errors.New("generation.step_timeout must be positive"))
	}
	for name := range c.Models.Steps {
		if _, err := core.ParseStepName(name); err != nil {
			errs = append(errs, fmt.Errorf("models.steps: %w", err))
		}
	}
	for name := range c.Models.Policies {
		if _, err := core.ParseStepName(name); err != nil {
			errs = append(errs, fmt.Errorf("models.policies: %w", err))
		}
	}
	for name, p := range c.Providers {
		if p.RequestsPerMinute < 0 {
			errs = append(errs, fmt.Errorf("providers.%s.requests_per_minute must not be negative", name))
		}
	}
	switch c.Cache.Backend {
	case "memory", "file", "redis", "storage":
	default:
		errs = append(errs, fmt.Errorf("cache.backend: unknown backend %q (valid: memory, file, redis, storage)", c.Cache.Backend))
	}
	if c.Cache.Enabled && c.Cache.Backend == "redis" && c.Cache.Redis.URL == "" {
		errs = append(errs, errors.New("cache.redis.url is required for the redis backend"))
	}
	switch c.Storage.Type {
	case "sqlite":
	case "postgresql":
		if c.NeedsStorage() && c.Storage.PostgreSQL.URL == "" {
			errs = append(errs, errors.New("storage.postgresql.url is required"))
		}
	case "mongodb":
		if c.NeedsStorage() && c.Storage.MongoDB.URL == "" {
			errs = append(errs, errors.New("storage.mongodb.url is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.type: unknown type %q (valid: sqlite, postgresql, mongodb)", c.Storage.Type))
	}
	switch c.Log.Format {
	case logging.FormatAuto, logging.FormatPretty, logging.FormatJSON:
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q (valid: auto, pretty, json)", c.Log.Format))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	return errors.Join(errs...)
}

// NeedsStorage reports whether any component uses the shared database.
func (c *Config) NeedsStorage() bool {
	return c.Usage.Enabled || (c.Cache.Enabled && c.Cache.Backend == "storage")
}

// lookup returns a non-empty environment variable.
func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

// parseDuration accepts Go durations ("45s") and bare seconds ("45").
func parseDuration(s string) (time.Duration, error) {
	if secs, err := strconv.Atoi(s); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
