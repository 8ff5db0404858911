package usage

import (
	"encoding/json"
	"math"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"nelie/internal/core"
)

// Source is everything the reconciler knows about a finished call: the
// provider's usage block (possibly empty) and the text that went over the wire.
type Source struct {
	Raw   json.RawMessage
	Text  string
	Model string
}

// Extractor pulls token counts out of one provider family's usage shape.
// ok is false when the shape does not match.
type Extractor func(raw []byte) (rec core.UsageRecord, ok bool)

// Extractors are tried in order by Normalize.
var Extractors = []Extractor{ExtractOpenAI, ExtractAnthropic}

// ExtractOpenAI reads prompt_tokens / completion_tokens.
func ExtractOpenAI(raw []byte) (core.UsageRecord, bool) {
	u := usageBlock(raw)
	prompt := u.Get("prompt_tokens")
	completion := u.Get("completion_tokens")
	if !prompt.Exists() && !completion.Exists() {
		return core.UsageRecord{}, false
	}
	return record(int(prompt.Int()), int(completion.Int()), u.Get("total_tokens")), true
}

// ExtractAnthropic reads input_tokens / output_tokens.
func ExtractAnthropic(raw []byte) (core.UsageRecord, bool) {
	u := usageBlock(raw)
	input := u.Get("input_tokens")
	output := u.Get("output_tokens")
	if !input.Exists() && !output.Exists() {
		return core.UsageRecord{}, false
	}
	return record(int(input.Int()), int(output.Int()), u.Get("total_tokens")), true
}

// usageBlock accepts either the usage object itself or a whole response body
// carrying it under "usage".
func usageBlock(raw []byte) gjson.Result {
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		return gjson.Result{}
	}
	root := gjson.ParseBytes(raw)
	if nested := root.Get("usage"); nested.IsObject() {
		return nested
	}
	return root
}

// record takes the provider-reported total when there is one and the sum of
// the parts otherwise.
func record(prompt, completion int, total gjson.Result) core.UsageRecord {
	rec := core.UsageRecord{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
	if total.Exists() && total.Int() > 0 {
		rec.TotalTokens = int(total.Int())
	}
	return rec
}

// Normalize runs the extractors over src.Raw and falls back to a text
// estimate when none matches.
func Normalize(src Source) core.UsageRecord {
	for _, extract := range Extractors {
		if rec, ok := extract(src.Raw); ok {
			rec.Model = src.Model
			return rec
		}
	}
	return EstimateFromText(src.Text, src.Model)
}

const (
	minEstimatedTokens = 32
	charsPerToken      = 4
	promptSharePercent = 40
)

// EstimateTokens approximates a token count from text length.
func EstimateTokens(text string) int {
	n := int(math.Ceil(float64(utf8.RuneCountInString(text)) / charsPerToken))
	return max(minEstimatedTokens, n)
}

// EstimateFromText builds a record from the text length, split 40/60 between
// prompt and completion.
func EstimateFromText(text, model string) core.UsageRecord {
	total := EstimateTokens(text)
	prompt := total * promptSharePercent / 100
	return core.UsageRecord{
		PromptTokens:     prompt,
		CompletionTokens: total - prompt,
		TotalTokens:      total,
		Model:            model,
		Estimated:        true,
	}
}
