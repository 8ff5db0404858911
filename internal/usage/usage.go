// Package usage normalizes provider token accounting into core.UsageRecord and
// persists one entry per generation step for later analysis.
package usage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"nelie/internal/core"
)

// UsageStore defines the interface for usage storage backends.
// Implementations must be safe for concurrent use.
type UsageStore interface {
	// WriteBatch writes multiple usage entries to storage.
	// Called by the Logger when flushing buffered entries.
	WriteBatch(ctx context.Context, entries []*UsageEntry) error

	// Flush forces any pending writes to complete.
	Flush(ctx context.Context) error

	// Close releases resources. It does not close the shared connection.
	Close() error
}

// UsageEntry is the persisted accounting of one generation step.
type UsageEntry struct {
	ID        string    `json:"id" bson:"_id"`
	RunID     string    `json:"run_id" bson:"run_id"`
	RequestID string    `json:"request_id" bson:"request_id"`
	Step      string    `json:"step" bson:"step"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`

	Model    string `json:"model" bson:"model"`
	Provider string `json:"provider" bson:"provider"`

	PromptTokens     int     `json:"prompt_tokens" bson:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens" bson:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens" bson:"total_tokens"`
	CostUSD          float64 `json:"cost_usd" bson:"cost_usd"`

	// Estimated is set when the provider returned no usage block and the
	// counts come from the text length heuristic.
	Estimated bool `json:"estimated" bson:"estimated"`
}

// NewEntry builds the entry for a finished step.
func NewEntry(ctx context.Context, step core.StepName, provider string, rec core.UsageRecord) *UsageEntry {
	entry := &UsageEntry{
		ID:               uuid.New().String(),
		RunID:            core.GetRunID(ctx),
		RequestID:        core.GetRequestID(ctx),
		Step:             string(step),
		Timestamp:        time.Now().UTC(),
		Model:            rec.Model,
		Provider:         provider,
		PromptTokens:     rec.PromptTokens,
		CompletionTokens: rec.CompletionTokens,
		TotalTokens:      rec.TotalTokens,
		Estimated:        rec.Estimated,
	}
	if rec.CostUSD != nil {
		entry.CostUSD = *rec.CostUSD
	}
	return entry
}

// Config holds usage tracking configuration
type Config struct {
	Enabled bool

	// BufferSize is the number of usage entries to buffer before dropping
	BufferSize int

	// FlushInterval is how often to flush buffered entries
	FlushInterval time.Duration

	// RetentionDays is how long to keep usage data (0 = forever)
	RetentionDays int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Enabled:       false,
		BufferSize:    1000,
		FlushInterval: 5 * time.Second,
		RetentionDays: 90,
	}
}
