// Package observability registers the service's Prometheus metrics and
// offers small helpers to record them.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stepAdmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nelie_step_admissions_total",
			Help: "Admission decisions by step and reason",
		},
		[]string{"step", "allowed", "reason"},
	)

	stepFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nelie_step_fallbacks_total",
			Help: "Steps that used offline fallback content, by cause",
		},
		[]string{"step", "cause"}, // cause: denied, call_failed, parse_failed, no_generator
	)

	stepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nelie_step_duration_seconds",
			Help:    "Remote call duration per step",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s to ~100s
		},
		[]string{"step", "status"},
	)

	tokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nelie_tokens_total",
			Help: "Tokens charged to run budgets",
		},
		[]string{"model", "kind"}, // kind: prompt, completion
	)

	costUSD = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nelie_cost_usd_total",
			Help: "Estimated USD spent on generation",
		},
		[]string{"model"},
	)

	cacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nelie_cache_lookups_total",
			Help: "Content cache lookups by kind and result",
		},
		[]string{"kind", "result"}, // result: hit, miss, error
	)

	generations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nelie_generations_total",
			Help: "Lesson requests by outcome",
		},
		[]string{"source"}, // cache, generated, failed
	)

	llmRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nelie_llm_requests_total",
			Help: "Upstream HTTP attempts by provider and status",
		},
		[]string{"provider", "status"},
	)

	rateLimiterWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nelie_rate_limiter_wait_seconds",
			Help:    "Time spent waiting on the per-provider rate limiter",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
		},
		[]string{"provider"},
	)
)

// RecordAdmission counts one admission decision.
func RecordAdmission(step string, allowed bool, reason string) {
	a := "false"
	if allowed {
		a = "true"
	}
	if reason == "" {
		reason = "none"
	}
	stepAdmissions.WithLabelValues(step, a, reason).Inc()
}

// RecordFallback counts a step served from offline content.
func RecordFallback(step, cause string) {
	stepFallbacks.WithLabelValues(step, cause).Inc()
}

// RecordStepCall observes a remote call's duration.
func RecordStepCall(step string, d time.Duration, success bool) {
	stepDuration.WithLabelValues(step, status(success)).Observe(d.Seconds())
}

// RecordUsage adds a step's tokens and cost.
func RecordUsage(model string, prompt, completion int, usd float64) {
	tokensUsed.WithLabelValues(model, "prompt").Add(float64(prompt))
	tokensUsed.WithLabelValues(model, "completion").Add(float64(completion))
	costUSD.WithLabelValues(model).Add(usd)
}

// RecordCacheLookup counts a cache read. result is hit, miss or error.
func RecordCacheLookup(kind, result string) {
	cacheLookups.WithLabelValues(kind, result).Inc()
}

// RecordGeneration counts a finished lesson request.
func RecordGeneration(source string) {
	generations.WithLabelValues(source).Inc()
}

// RecordLLMRequest counts one upstream HTTP attempt.
func RecordLLMRequest(provider string, statusCode int) {
	llmRequests.WithLabelValues(provider, statusLabel(statusCode)).Inc()
}

// RecordRateLimiterWait observes time blocked on the rate limiter.
func RecordRateLimiterWait(provider string, d time.Duration) {
	rateLimiterWait.WithLabelValues(provider).Observe(d.Seconds())
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func statusLabel(code int) string {
	switch {
	case code == 0:
		return "network_error"
	case code < 300:
		return "2xx"
	case code < 500:
		if code == 429 {
			return "429"
		}
		return "4xx"
	default:
		return "5xx"
	}
}
