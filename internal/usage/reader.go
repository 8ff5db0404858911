package usage

import (
	"context"
	"time"
)

// StepSummary aggregates usage of one step name.
type StepSummary struct {
	Step             string  `json:"step"`
	Calls            int64   `json:"calls"`
	Estimated        int64   `json:"estimated"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

// UsageReader reads aggregated usage back out of a store.
type UsageReader interface {
	// SummaryByStep returns one row per step recorded at or after since,
	// ordered by step name. A zero since means all time.
	SummaryByStep(ctx context.Context, since time.Time) ([]StepSummary, error)
}

// Total sums rows into one summary named "total".
func Total(rows []StepSummary) StepSummary {
	t := StepSummary{Step: "total"}
	for _, r := range rows {
		t.Calls += r.Calls
		t.Estimated += r.Estimated
		t.PromptTokens += r.PromptTokens
		t.CompletionTokens += r.CompletionTokens
		t.TotalTokens += r.TotalTokens
		t.CostUSD += r.CostUSD
	}
	return t
}
