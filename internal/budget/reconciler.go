package budget

import (
	"context"
	"fmt"

	"nelie/internal/core"
	"nelie/internal/usage"
)

// FinishStep closes an admitted step: the provider's usage (or a text estimate
// when there is none) is normalized, charged to the ledger and attached to the
// log entry. src.Model overrides the model the step was admitted with.
func (l *Ledger) FinishStep(ctx context.Context, handle int, src usage.Source) (core.UsageRecord, error) {
	e, err := l.openEntry(handle)
	if err != nil {
		return core.UsageRecord{}, err
	}

	if src.Model == "" {
		src.Model = e.Model
	}
	rec := usage.Normalize(src)
	cost := l.RecordUsage(rec)
	rec.CostUSD = &cost

	now := l.now()
	e.FinishedAt = &now
	e.Usage = &rec

	provider := ""
	if spec, ok := l.catalog.Lookup(rec.Model); ok {
		provider = spec.Provider
	}
	l.usage.Write(usage.NewEntry(ctx, e.Step, provider, rec))

	l.logger.Info("step finished",
		"run_id", core.GetRunID(ctx),
		"step", e.Step,
		"model", rec.Model,
		"prompt_tokens", rec.PromptTokens,
		"completion_tokens", rec.CompletionTokens,
		"estimated", rec.Estimated,
		"cost_usd", roundUSD(cost),
		"remaining_tokens", l.RemainingTokens(),
		"duration", now.Sub(e.StartedAt),
	)
	return rec, nil
}

// FailStep closes an admitted step whose remote call produced no response.
// Nothing is charged.
func (l *Ledger) FailStep(ctx context.Context, handle int, cause error) error {
	e, err := l.openEntry(handle)
	if err != nil {
		return err
	}

	now := l.now()
	e.FinishedAt = &now
	if cause != nil {
		e.Error = cause.Error()
	}

	l.logger.Warn("step failed",
		"run_id", core.GetRunID(ctx),
		"step", e.Step,
		"model", e.Model,
		"error", cause,
	)
	return nil
}

func (l *Ledger) openEntry(handle int) (*StepLogEntry, error) {
	e, err := l.entry(handle)
	if err != nil {
		return nil, err
	}
	if !e.Allowed {
		return nil, fmt.Errorf("budget: step %s was denied and cannot be finished", e.Step)
	}
	if e.FinishedAt != nil {
		return nil, fmt.Errorf("budget: step %s already finished", e.Step)
	}
	return e, nil
}
