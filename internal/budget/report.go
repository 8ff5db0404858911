package budget

// Report is a point-in-time snapshot of a ledger.
type Report struct {
	TotalTokens      int            `json:"totalTokens"`
	UsedTokens       int            `json:"usedTokens"`
	PromptTokens     int            `json:"promptTokens"`
	CompletionTokens int            `json:"completionTokens"`
	RemainingTokens  int            `json:"remainingTokens"`
	UsedUSD          float64        `json:"usedUSD"`
	CostCapUSD       float64        `json:"costCapUSD,omitempty"`
	Steps            []StepLogEntry `json:"steps"`
}

// Report snapshots the ledger. It has no side effects and the returned log
// does not alias ledger state.
func (l *Ledger) Report() Report {
	steps := make([]StepLogEntry, len(l.log))
	for i, e := range l.log {
		if e.FinishedAt != nil {
			t := *e.FinishedAt
			e.FinishedAt = &t
		}
		if e.Usage != nil {
			u := *e.Usage
			if u.CostUSD != nil {
				c := *u.CostUSD
				u.CostUSD = &c
			}
			e.Usage = &u
		}
		steps[i] = e
	}

	return Report{
		TotalTokens:      l.cfg.TotalTokens,
		UsedTokens:       l.TotalUsedTokens(),
		PromptTokens:     l.usedPrompt,
		CompletionTokens: l.usedCompletion,
		RemainingTokens:  l.RemainingTokens(),
		UsedUSD:          roundUSD(l.usedUSD),
		CostCapUSD:       l.cfg.CostCapUSD,
		Steps:            steps,
	}
}

// Skipped returns the steps that were denied, in order.
func (r Report) Skipped() []StepLogEntry {
	var out []StepLogEntry
	for _, e := range r.Steps {
		if !e.Allowed {
			out = append(out, e)
		}
	}
	return out
}
