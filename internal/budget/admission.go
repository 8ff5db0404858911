package budget

import (
	"math"
	"time"

	"nelie/internal/core"
	"nelie/internal/observability"
)

// Reason annotates a denial or a clamp.
type Reason string

const (
	ReasonCostCapReached        Reason = "cost_cap_reached"
	ReasonBudgetLowDropOptional Reason = "budget_low_drop_optional"
	ReasonTokensClamped         Reason = "tokens_clamped"
	ReasonCostCapClamp          Reason = "cost_cap_clamp"
)

// StepLogEntry is the audit record of one step. Denied steps are recorded too
// and are never finished.
type StepLogEntry struct {
	Step       core.StepName     `json:"step"`
	Model      string            `json:"modelName"`
	Allowed    bool              `json:"allowed"`
	Reason     Reason            `json:"reason,omitempty"`
	MaxTokens  int               `json:"maxTokens"`
	StartedAt  time.Time         `json:"startedAt"`
	FinishedAt *time.Time        `json:"finishedAt,omitempty"`
	Usage      *core.UsageRecord `json:"usage,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// Decision is the outcome of BeginStep.
type Decision struct {
	Step      core.StepName
	Allowed   bool
	Reason    Reason
	Model     core.ModelSpec
	Priority  core.Priority
	MaxTokens int
	// Handle identifies the log entry for FinishStep / FailStep.
	Handle int
}

// BeginStep decides whether step may run and with what output ceiling, and
// appends its log entry. Only an unresolvable step returns an error.
func (l *Ledger) BeginStep(step core.StepName) (Decision, error) {
	model, err := l.catalog.Model(step)
	if err != nil {
		return Decision{}, err
	}
	policy, err := l.catalog.Policy(step)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{Step: step, Model: model, Priority: policy.Priority}

	criticalAhead := l.advance(step)

	if l.costCapReached() {
		d.Reason = ReasonCostCapReached
		return l.record(d), nil
	}

	remaining := l.RemainingTokens()
	reserve := criticalAhead * l.cfg.ReservePerCriticalStep

	if policy.Priority != core.PriorityCritical && remaining < reserve {
		d.Reason = ReasonBudgetLowDropOptional
		return l.record(d), nil
	}

	d.Allowed = true
	d.MaxTokens = policy.DefaultMaxTokens
	if model.MaxOutputTokens > 0 && d.MaxTokens > model.MaxOutputTokens {
		d.MaxTokens = model.MaxOutputTokens
	}

	if available := remaining - reserve; available < d.MaxTokens {
		clamped := max(int(math.Floor(float64(available)*l.cfg.ClampFactor)), l.cfg.MinStepTokens)
		d.MaxTokens = min(clamped, d.MaxTokens)
		d.Reason = ReasonTokensClamped
	}

	if l.cfg.CostCapUSD > 0 {
		if price := model.OutputPricePerToken(); price > 0 {
			affordable := max(int(math.Floor((l.cfg.CostCapUSD-l.usedUSD)/price)), 1)
			if affordable < d.MaxTokens {
				d.MaxTokens = affordable
				d.Reason = ReasonCostCapClamp
			}
		}
	}

	return l.record(d), nil
}

// advance moves the plan cursor past step and returns how many critical steps
// are planned after it. A step that is not found ahead of the cursor leaves the
// cursor in place and counts everything from it.
func (l *Ledger) advance(step core.StepName) int {
	rest := l.plan[l.cursor:]
	for i, planned := range rest {
		if planned == step {
			l.cursor += i + 1
			return l.countCritical(l.plan[l.cursor:])
		}
	}
	return l.countCritical(rest)
}

func (l *Ledger) countCritical(steps []core.StepName) int {
	n := 0
	for _, s := range steps {
		if p, err := l.catalog.Policy(s); err == nil && p.Priority == core.PriorityCritical {
			n++
		}
	}
	return n
}

func (l *Ledger) record(d Decision) Decision {
	d.Handle = len(l.log)
	l.log = append(l.log, StepLogEntry{
		Step:      d.Step,
		Model:     d.Model.Name,
		Allowed:   d.Allowed,
		Reason:    d.Reason,
		MaxTokens: d.MaxTokens,
		StartedAt: l.now(),
	})

	observability.RecordAdmission(string(d.Step), d.Allowed, string(d.Reason))
	level := l.logger.Info
	if !d.Allowed {
		level = l.logger.Warn
	}
	level("step admission",
		"step", d.Step,
		"allowed", d.Allowed,
		"reason", d.Reason,
		"max_tokens", d.MaxTokens,
		"remaining_tokens", l.RemainingTokens(),
		"used_usd", roundUSD(l.usedUSD),
	)
	return d
}
