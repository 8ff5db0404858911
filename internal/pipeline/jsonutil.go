package pipeline

import (
	"regexp"
	"strings"
)

var (
	fencedObjectPattern  = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*\\n?(\\{.*\\})\\s*```")
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
)

// extractJSON pulls the JSON object out of a model answer. Models wrap their
// answer in code fences, add prose around it, or leave trailing commas; all
// three are tolerated. Returns "" when no object is present.
func extractJSON(content string) string {
	raw := rawObject(content)
	if raw == "" {
		return ""
	}
	return stripTrailingCommas(raw)
}

func rawObject(content string) string {
	if m := fencedObjectPattern.FindStringSubmatch(content); len(m) > 1 {
		return m[1]
	}
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return ""
	}
	return content[start : end+1]
}

// stripTrailingCommas removes commas directly before } or ], leaving string
// values alone.
func stripTrailingCommas(raw string) string {
	if !strings.Contains(raw, ",") {
		return raw
	}

	var b strings.Builder
	b.Grow(len(raw))
	inString, escaped := false, false
	segment := 0
	for i := 0; i < len(raw); i++ {
		ch := raw[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			if !inString {
				b.WriteString(trailingCommaPattern.ReplaceAllString(raw[segment:i], "$1"))
				segment = i
			} else {
				b.WriteString(raw[segment : i+1])
				segment = i + 1
			}
			inString = !inString
		}
	}
	if inString {
		b.WriteString(raw[segment:])
	} else {
		b.WriteString(trailingCommaPattern.ReplaceAllString(raw[segment:], "$1"))
	}
	return b.String()
}
