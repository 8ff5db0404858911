// Package budget tracks the token and USD spend of one pipeline run and
// decides, step by step, whether the run can afford the next call.
//
// A Ledger belongs to exactly one run and is used from one goroutine; it holds
// no locks.
package budget

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"nelie/internal/core"
	"nelie/internal/observability"
	"nelie/internal/usage"
)

// Config holds the run budget and the admission tunables.
type Config struct {
	// TotalTokens is the prompt+completion budget of one run.
	TotalTokens int

	// CostCapUSD stops admissions once reached. Zero disables the cap.
	CostCapUSD float64

	// ReservePerCriticalStep is held back for every critical step still ahead.
	ReservePerCriticalStep int

	// ClampFactor scales the affordable tokens when a ceiling is clamped.
	ClampFactor float64

	// MinStepTokens is the floor a clamped ceiling never goes below.
	MinStepTokens int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		TotalTokens:            12000,
		ReservePerCriticalStep: 200,
		ClampFactor:            0.8,
		MinStepTokens:          50,
	}
}

// Validate rejects budgets the admission controller cannot work with.
func (c Config) Validate() error {
	switch {
	case c.TotalTokens <= 0:
		return errors.New("budget: total tokens must be positive")
	case c.CostCapUSD < 0:
		return errors.New("budget: cost cap must not be negative")
	case c.ReservePerCriticalStep < 0:
		return errors.New("budget: reserve per critical step must not be negative")
	case c.ClampFactor <= 0 || c.ClampFactor > 1:
		return errors.New("budget: clamp factor must be in (0, 1]")
	case c.MinStepTokens <= 0:
		return errors.New("budget: minimum step tokens must be positive")
	}
	return nil
}

// Catalog resolves steps to models and policies.
type Catalog interface {
	Model(step core.StepName) (core.ModelSpec, error)
	Policy(step core.StepName) (core.StepPolicy, error)
	Lookup(model string) (core.ModelSpec, bool)
}

// Ledger is the mutable budget state of one run.
type Ledger struct {
	cfg     Config
	catalog Catalog
	plan    []core.StepName
	cursor  int

	usedPrompt     int
	usedCompletion int
	usedUSD        float64

	log []StepLogEntry

	usage  usage.LoggerInterface
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithUsageLogger persists a usage entry for every finished step.
func WithUsageLogger(l usage.LoggerInterface) Option {
	return func(led *Ledger) { led.usage = l }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(led *Ledger) { led.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(led *Ledger) { led.now = now }
}

// New creates the ledger of one run. plan is the ordered sequence of steps the
// run intends to execute; every step in it must resolve in the catalog.
func New(cfg Config, catalog Catalog, plan []core.StepName, opts ...Option) (*Ledger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, core.NewConfigurationError(err.Error(), err)
	}
	if catalog == nil {
		return nil, core.NewConfigurationError("budget: catalog is required", nil)
	}
	for _, step := range plan {
		if _, err := catalog.Policy(step); err != nil {
			return nil, err
		}
		if _, err := catalog.Model(step); err != nil {
			return nil, err
		}
	}

	l := &Ledger{
		cfg:     cfg,
		catalog: catalog,
		plan:    append([]core.StepName(nil), plan...),
		usage:   &usage.NoopLogger{},
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// RemainingTokens is max(0, total - used).
func (l *Ledger) RemainingTokens() int {
	return max(0, l.cfg.TotalTokens-l.TotalUsedTokens())
}

// TotalUsedTokens returns prompt + completion tokens charged so far.
func (l *Ledger) TotalUsedTokens() int {
	return l.usedPrompt + l.usedCompletion
}

// UsedPromptTokens returns the prompt tokens charged so far.
func (l *Ledger) UsedPromptTokens() int { return l.usedPrompt }

// UsedCompletionTokens returns the completion tokens charged so far.
func (l *Ledger) UsedCompletionTokens() int { return l.usedCompletion }

// TotalUsedUSD returns the estimated spend so far.
func (l *Ledger) TotalUsedUSD() float64 {
	return l.usedUSD
}

// RecordUsage charges a finished call to the run and returns its USD cost.
// An unpriced model costs 0. Negative counts are ignored so totals never
// decrease.
func (l *Ledger) RecordUsage(rec core.UsageRecord) float64 {
	prompt := max(0, rec.PromptTokens)
	completion := max(0, rec.CompletionTokens)

	l.usedPrompt += prompt
	l.usedCompletion += completion

	var cost float64
	if spec, ok := l.catalog.Lookup(rec.Model); ok {
		cost = spec.Cost(prompt, completion)
	} else {
		l.logger.Warn("no price for model, charging 0 USD", "model", rec.Model)
	}
	l.usedUSD += cost

	observability.RecordUsage(rec.Model, prompt, completion, cost)
	return cost
}

// costCapReached reports whether a configured cap has been hit.
func (l *Ledger) costCapReached() bool {
	return l.cfg.CostCapUSD > 0 && l.usedUSD >= l.cfg.CostCapUSD
}

func (l *Ledger) entry(handle int) (*StepLogEntry, error) {
	if handle < 0 || handle >= len(l.log) {
		return nil, fmt.Errorf("budget: unknown step handle %d", handle)
	}
	return &l.log[handle], nil
}

// roundUSD rounds to 6 decimals.
func roundUSD(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
