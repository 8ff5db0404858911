package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// unsetEnv removes key for the duration of the test.
func unsetEnv(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	require.NoError(t, os.Unsetenv(key))
}

// TestExpandString tests the expandString function with various scenarios
func TestExpandString(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		envVars  map[string]string
		expected string
	}{
		{
			name:     "empty string",
			input:    "",
			envVars:  map[string]string{},
			expected: "",
		},
		{
			name:     "string without placeholders",
			input:    "simple-string",
			envVars:  map[string]string{},
			expected: "simple-string",
		},
		{
			name:     "simple variable expansion",
			input:    "${API_KEY}",
			envVars:  map[string]string{"API_KEY": "sk-12345"},
			expected: "sk-12345",
		},
		{
			name:     "variable in middle of string",
			input:    "prefix-${API_KEY}-suffix",
			envVars:  map[string]string{"API_KEY": "sk-12345"},
			expected: "prefix-sk-12345-suffix",
		},
		{
			name:     "multiple variables",
			input:    "${SCHEME}://${HOST}:${PORT}",
			envVars:  map[string]string{"SCHEME": "https", "HOST": "api.example.com", "PORT": "8080"},
			expected: "https://api.example.com:8080",
		},
		{
			name:     "variable with default value - env var exists",
			input:    "${API_KEY:-default-key}",
			envVars:  map[string]string{"API_KEY": "sk-real-key"},
			expected: "sk-real-key",
		},
		{
			name:     "variable with default value - env var missing",
			input:    "${API_KEY:-default-key}",
			envVars:  map[string]string{},
			expected: "default-key",
		},
		{
			name:     "variable with default value - env var empty",
			input:    "${API_KEY:-default-key}",
			envVars:  map[string]string{"API_KEY": ""},
			expected: "default-key",
		},
		{
			name:     "unresolved variable - no default",
			input:    "${MISSING_VAR}",
			envVars:  map[string]string{},
			expected: "${MISSING_VAR}",
		},
		{
			name:     "partially resolved string",
			input:    "${RESOLVED}-${UNRESOLVED}",
			envVars:  map[string]string{"RESOLVED": "value1"},
			expected: "value1-${UNRESOLVED}",
		},
		{
			name:     "mixed resolved and unresolved with defaults",
			input:    "${RESOLVED}:${UNRESOLVED:-fallback}:${MISSING}",
			envVars:  map[string]string{"RESOLVED": "value1"},
			expected: "value1:fallback:${MISSING}",
		},
		{
			name:     "default value with special characters",
			input:    "${API_KEY:-https://api.example.com/v1}",
			envVars:  map[string]string{},
			expected: "https://api.example.com/v1",
		},
		{
			name:     "default value with colon in it",
			input:    "${URL:-http://localhost:8080}",
			envVars:  map[string]string{},
			expected: "http://localhost:8080",
		},
		{
			name:     "complex real-world example",
			input:    "${BASE_URL:-https://api.openai.com}/v1/chat/completions",
			envVars:  map[string]string{},
			expected: "https://api.openai.com/v1/chat/completions",
		},
		{
			name:     "environment variable set to empty string (no default)",
			input:    "${EMPTY_VAR}",
			envVars:  map[string]string{"EMPTY_VAR": ""},
			expected: "${EMPTY_VAR}",
		},
		{
			name:     "empty default value - env var missing",
			input:    "${OPTIONAL_VAR:-}",
			envVars:  map[string]string{},
			expected: "",
		},
		{
			name:     "empty default value - env var set",
			input:    "${OPTIONAL_VAR:-}",
			envVars:  map[string]string{"OPTIONAL_VAR": "actual-value"},
			expected: "actual-value",
		},
		{
			name:     "empty default value - env var empty",
			input:    "${OPTIONAL_VAR:-}",
			envVars:  map[string]string{"OPTIONAL_VAR": ""},
			expected: "",
		},
		{
			name:     "api key pattern - not set should be empty",
			input:    "${OPENAI_API_KEY:-}",
			envVars:  map[string]string{},
			expected: "",
		},
		{
			name:     "api key pattern - set to value",
			input:    "${OPENAI_API_KEY:-}",
			envVars:  map[string]string{"OPENAI_API_KEY": "secret-key"},
			expected: "secret-key",
		},
		{
			name:     "dollar without braces is left alone",
			input:    "cost is $5 or $HOME",
			envVars:  map[string]string{},
			expected: "cost is $5 or $HOME",
		},
		{
			name:     "multiple placeholders some resolved some not",
			input:    "prefix-${VAR1}-${VAR2}-${VAR3}-suffix",
			envVars:  map[string]string{"VAR1": "a", "VAR3": "c"},
			expected: "prefix-a-${VAR2}-c-suffix",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, k := range []string{"API_KEY", "SCHEME", "HOST", "PORT", "RESOLVED", "UNRESOLVED", "MISSING", "MISSING_VAR",
				"URL", "BASE_URL", "EMPTY_VAR", "OPTIONAL_VAR", "OPENAI_API_KEY", "VAR1", "VAR2", "VAR3"} {
				unsetEnv(t, k)
			}
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			result := expandString(tt.input)
			if result != tt.expected {
				t.Errorf("expandString(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

// TestApplyEnvOverrides tests the applyEnvOverrides function
func TestApplyEnvOverrides(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name:    "PORT override",
			envVars: map[string]string{"PORT": "3000"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "3000", cfg.Server.Port)
			},
		},
		{
			name: "budget overrides",
			envVars: map[string]string{
				"BUDGET_TOTAL_TOKENS":         "1000",
				"BUDGET_COST_CAP_USD":         "0.05",
				"BUDGET_RESERVE_PER_CRITICAL": "100",
				"BUDGET_CLAMP_FACTOR":         "0.5",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 1000, cfg.Budget.TotalTokens)
				assert.InDelta(t, 0.05, cfg.Budget.CostCapUSD, 1e-12)
				assert.Equal(t, 100, cfg.Budget.ReservePerCriticalStep)
				assert.InDelta(t, 0.5, cfg.Budget.ClampFactor, 1e-12)
			},
		},
		{
			name:    "per-step model overrides",
			envVars: map[string]string{"MODEL_DEFAULT": "gpt-4o", "MODEL_QUIZ": "claude-3-5-haiku-latest", "IMAGE_MODEL": "dall-e-2"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "gpt-4o", cfg.Models.Default)
				assert.Equal(t, "dall-e-2", cfg.Models.Image)
				assert.Equal(t, map[string]string{"quiz": "claude-3-5-haiku-latest"}, cfg.Models.Steps)
			},
		},
		{
			name: "provider overrides",
			envVars: map[string]string{
				"OPENAI_API_KEY":          "sk-openai",
				"ANTHROPIC_API_KEY":       "sk-ant",
				"ANTHROPIC_BASE_URL":      "http://localhost:9000",
				"LLM_REQUESTS_PER_MINUTE": "5",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "sk-openai", cfg.Providers["openai"].APIKey)
				assert.Equal(t, "sk-ant", cfg.Providers["anthropic"].APIKey)
				assert.Equal(t, "http://localhost:9000", cfg.Providers["anthropic"].BaseURL)
				for name, p := range cfg.Providers {
					assert.Equal(t, 5, p.RequestsPerMinute, name)
				}
			},
		},
		{
			name:    "storage overrides",
			envVars: map[string]string{"STORAGE_TYPE": "postgresql", "POSTGRES_URL": "postgres://localhost/test", "POSTGRES_MAX_CONNS": "20"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "postgresql", cfg.Storage.Type)
				assert.Equal(t, "postgres://localhost/test", cfg.Storage.PostgreSQL.URL)
				assert.Equal(t, 20, cfg.Storage.PostgreSQL.MaxConns)
			},
		},
		{
			name:    "bool overrides",
			envVars: map[string]string{"METRICS_ENABLED": "true", "USAGE_ENABLED": "1", "CACHE_ENABLED": "false", "MINIFY_JSON": "true"},
			check: func(t *testing.T, cfg *Config) {
				assert.True(t, cfg.Metrics.Enabled)
				assert.True(t, cfg.Usage.Enabled)
				assert.False(t, cfg.Cache.Enabled)
				assert.True(t, cfg.Server.MinifyJSON)
			},
		},
		{
			name:    "duration overrides accept seconds and Go durations",
			envVars: map[string]string{"STEP_TIMEOUT": "30", "HTTP_TIMEOUT": "1m30s"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 30*time.Second, cfg.Generation.StepTimeout)
				assert.Equal(t, 90*time.Second, cfg.HTTP.Timeout)
			},
		},
		{
			name:    "plan override",
			envVars: map[string]string{"GENERATION_PLAN": "hook, phaseplan ,quiz,,exit"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, []string{"hook", "phaseplan", "quiz", "exit"}, cfg.Generation.Plan)
			},
		},
		{
			name:    "no env vars set preserves defaults",
			envVars: map[string]string{},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "8080", cfg.Server.Port)
				assert.Equal(t, 12000, cfg.Budget.TotalTokens)
				assert.Equal(t, 45*time.Second, cfg.Generation.StepTimeout)
				assert.Equal(t, "memory", cfg.Cache.Backend)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			cfg := buildDefaultConfig()
			require.NoError(t, applyEnvOverrides(cfg))
			tt.check(t, cfg)
		})
	}
}

func TestApplyEnvOverrides_InvalidValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("BUDGET_TOTAL_TOKENS", "lots")
	t.Setenv("CACHE_ENABLED", "maybe")
	t.Setenv("STEP_TIMEOUT", "soon")

	err := applyEnvOverrides(buildDefaultConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BUDGET_TOTAL_TOKENS")
	assert.Contains(t, err.Error(), "CACHE_ENABLED")
	assert.Contains(t, err.Error(), "STEP_TIMEOUT")
}
