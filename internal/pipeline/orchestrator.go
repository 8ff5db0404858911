// Package pipeline assembles a lesson by running the planned generation steps
// one after another under a per-run budget.
//
// A step that cannot run or whose answer is unusable falls back to a
// deterministic offline answer, so a run always ends with a complete lesson
// unless the request or the configuration is broken.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"nelie/internal/budget"
	"nelie/internal/cache"
	"nelie/internal/catalog"
	"nelie/internal/core"
	"nelie/internal/observability"
	"nelie/internal/usage"
)

// Result sources.
const (
	SourceCache     = "cache"
	SourceGenerated = "generated"
)

// Fallback causes, as reported in metrics and logs.
const (
	causeDenied      = "denied"
	causeCallFailed  = "call_failed"
	causeParseFailed = "parse_failed"
)

// Config holds the run settings.
type Config struct {
	Budget budget.Config

	// Plan is the ordered list of steps a run executes.
	Plan []core.StepName

	// StepTimeout bounds every remote call, image renders included.
	StepTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Budget:      budget.DefaultConfig(),
		Plan:        append([]core.StepName(nil), core.DefaultPlan...),
		StepTimeout: 45 * time.Second,
	}
}

// Result is the outcome of a run.
type Result struct {
	RunID  string
	Lesson *core.LessonDocument
	Source string
	// Budget is nil when the lesson came from the cache.
	Budget *budget.Report
}

// Orchestrator runs generation pipelines. It is safe for concurrent use; each
// Generate call owns its own ledger.
type Orchestrator struct {
	cfg     Config
	catalog *catalog.Catalog
	gen     core.Generator
	images  core.ImageGenerator
	cache   *cache.ContentCache
	usage   usage.LoggerInterface
	logger  *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithImageGenerator renders image prompts into pictures.
func WithImageGenerator(g core.ImageGenerator) Option {
	return func(o *Orchestrator) { o.images = g }
}

// WithCache enables lesson and image caching.
func WithCache(c *cache.ContentCache) Option {
	return func(o *Orchestrator) { o.cache = c }
}

// WithUsageLogger persists per-step usage.
func WithUsageLogger(l usage.LoggerInterface) Option {
	return func(o *Orchestrator) { o.usage = l }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New validates the plan against the catalog and returns an Orchestrator.
func New(cfg Config, cat *catalog.Catalog, gen core.Generator, opts ...Option) (*Orchestrator, error) {
	if cat == nil {
		return nil, core.NewConfigurationError("pipeline: catalog is required", nil)
	}
	if gen == nil {
		return nil, core.NewConfigurationError("pipeline: generator is required", nil)
	}
	if len(cfg.Plan) == 0 {
		cfg.Plan = append([]core.StepName(nil), core.DefaultPlan...)
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultConfig().StepTimeout
	}
	if cfg.Budget == (budget.Config{}) {
		cfg.Budget = budget.DefaultConfig()
	}
	if err := cfg.Budget.Validate(); err != nil {
		return nil, core.NewConfigurationError(err.Error(), err)
	}
	if err := cat.ValidatePlan(cfg.Plan); err != nil {
		return nil, err
	}
	for _, step := range cfg.Plan {
		if _, ok := stepDefs[step]; !ok {
			return nil, core.NewConfigurationError(fmt.Sprintf("pipeline: step %q has no definition", step), nil)
		}
	}

	o := &Orchestrator{
		cfg:     cfg,
		catalog: cat,
		gen:     gen,
		usage:   &usage.NoopLogger{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Plan returns the configured step order.
func (o *Orchestrator) Plan() []core.StepName {
	return append([]core.StepName(nil), o.cfg.Plan...)
}

// Generate produces the lesson for req. Only an invalid request, a broken
// configuration or cancellation of ctx return an error.
func (o *Orchestrator) Generate(ctx context.Context, req core.GenerationRequest) (*Result, error) {
	gc, err := req.Context()
	if err != nil {
		return nil, err
	}

	if doc, ok := o.cache.GetLesson(ctx, gc); ok {
		observability.RecordGeneration(SourceCache)
		o.logger.Info("lesson served from cache", "request_id", core.GetRequestID(ctx), "title", gc.Title)
		return &Result{Lesson: doc, Source: SourceCache}, nil
	}

	runID := uuid.NewString()
	ctx = core.WithRunID(ctx, runID)
	logger := o.logger.With("run_id", runID)

	ledger, err := budget.New(o.cfg.Budget, o.catalog, o.cfg.Plan,
		budget.WithUsageLogger(o.usage),
		budget.WithLogger(o.logger),
	)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	b := newLessonBuilder(gc)
	for _, step := range o.cfg.Plan {
		if err := ctx.Err(); err != nil {
			logger.Warn("run cancelled", "before_step", step, "error", err)
			return nil, core.NewCancelledError(err)
		}
		if err := o.runStep(ctx, ledger, b, step); err != nil {
			return nil, err
		}
		if step == core.StepImages {
			o.renderImages(ctx, b)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, core.NewCancelledError(err)
	}

	lesson := b.finalize()
	report := ledger.Report()
	o.cache.PutLesson(ctx, gc, lesson)
	observability.RecordGeneration(SourceGenerated)

	logger.Info("lesson generated",
		"title", lesson.Title,
		"stages", len(lesson.Stages),
		"used_tokens", report.UsedTokens,
		"used_usd", report.UsedUSD,
		"skipped", len(report.Skipped()),
		"duration", time.Since(start),
	)
	return &Result{RunID: runID, Lesson: lesson, Source: SourceGenerated, Budget: &report}, nil
}

// runStep admits, calls, decodes and folds one step. The returned error is
// fatal to the run.
func (o *Orchestrator) runStep(ctx context.Context, ledger *budget.Ledger, b *lessonBuilder, step core.StepName) error {
	d, err := ledger.BeginStep(step)
	if err != nil {
		return err
	}
	data := newPromptData(b)

	if !d.Allowed {
		if d.Priority != core.PriorityCritical {
			return nil
		}
		return o.foldFallback(ctx, b, step, data, causeDenied)
	}

	system, user, err := buildPrompt(step, data)
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
	start := time.Now()
	resp, callErr := o.gen.Generate(callCtx, &core.GenerateRequest{
		Model:     d.Model.Name,
		System:    system,
		User:      user,
		MaxTokens: d.MaxTokens,
		JSON:      true,
	})
	cancel()
	observability.RecordStepCall(string(step), time.Since(start), callErr == nil)

	if callErr != nil {
		if err := ledger.FailStep(ctx, d.Handle, callErr); err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return core.NewCancelledError(ctxErr)
		}
		return o.foldFallback(ctx, b, step, data, causeCallFailed)
	}

	if _, err := ledger.FinishStep(ctx, d.Handle, usage.Source{Raw: resp.RawUsage, Text: resp.Text}); err != nil {
		return err
	}

	if strings.TrimSpace(resp.Text) == "" {
		o.logger.Warn("step answer empty", "run_id", core.GetRunID(ctx), "step", step, "stop_reason", resp.StopReason)
		return o.foldFallback(ctx, b, step, data, causeParseFailed)
	}

	res, err := stepDefs[step].decode([]byte(extractJSON(resp.Text)))
	if err != nil {
		o.logger.Warn("step answer unusable", "run_id", core.GetRunID(ctx), "step", step, "error", err)
		return o.foldFallback(ctx, b, step, data, causeParseFailed)
	}
	res.fold(b)
	return nil
}

func (o *Orchestrator) foldFallback(ctx context.Context, b *lessonBuilder, step core.StepName, data promptData, cause string) error {
	res, err := fallback(step, data)
	if err != nil {
		return err
	}
	res.fold(b)
	observability.RecordFallback(string(step), cause)
	o.logger.Info("step fell back to offline content", "run_id", core.GetRunID(ctx), "step", step, "cause", cause)
	return nil
}

// renderImages fills ImageURL on image activities, through the image cache.
// Failures leave the activity without a picture.
func (o *Orchestrator) renderImages(ctx context.Context, b *lessonBuilder) {
	model := o.catalog.ImageModel()
	for _, a := range b.activities("image") {
		if a.ImagePrompt == "" || a.ImageURL != "" {
			continue
		}
		if url, ok := o.cache.GetImage(ctx, a.ImagePrompt); ok {
			a.ImageURL = url
			continue
		}
		if o.images == nil || model == "" || ctx.Err() != nil {
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
		url, err := o.images.GenerateImage(callCtx, model, a.ImagePrompt)
		cancel()
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				o.logger.Warn("image render failed", "run_id", core.GetRunID(ctx), "model", model, "error", err)
			}
			continue
		}
		a.ImageURL = url
		o.cache.PutImage(ctx, a.ImagePrompt, url)
	}
}

// MinimalLesson builds a lesson from the offline answers of the critical
// steps alone. It never calls a provider and never fails.
func MinimalLesson(gc core.GenerationContext) *core.LessonDocument {
	b := newLessonBuilder(gc)
	data := newPromptData(b)
	for _, step := range []core.StepName{core.StepHook, core.StepPhasePlan, core.StepQuiz, core.StepExit} {
		if res, err := fallback(step, data); err == nil {
			res.fold(b)
		}
	}
	return b.finalize()
}
