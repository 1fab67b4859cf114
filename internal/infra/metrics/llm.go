package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		llmTokensIn,
		llmTokensOut,
		llmCallLatencyMs,
		llmAttempts,
	)
}

var (
	llmTokensIn = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_in",
			Help: "Sum of prompt (input) tokens per provider/model.",
		},
		[]string{"provider", "model"},
	)

	llmTokensOut = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_out",
			Help: "Sum of completion (output) tokens per provider/model.",
		},
		[]string{"provider", "model"},
	)

	llmCallLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_call_latency_ms",
			Help:    "Wire latency of provider calls in milliseconds.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 180000},
		},
		[]string{"provider", "model", "outcome"},
	)

	llmAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_attempts_total",
			Help: "Provider call attempts by outcome kind (success or failure kind).",
		},
		[]string{"provider", "model", "outcome"},
	)
)

// ObserveAttempt records one provider call.
func ObserveAttempt(provider, model, outcome string, latency time.Duration) {
	llmAttempts.WithLabelValues(norm(provider), norm(model), norm(outcome)).Inc()
	llmCallLatencyMs.WithLabelValues(norm(provider), norm(model), norm(outcome)).
		Observe(float64(latency.Milliseconds()))
}

func ObserveUsage(provider, model string, tokensIn, tokensOut int) {
	llmTokensIn.WithLabelValues(norm(provider), norm(model)).Add(float64(tokensIn))
	llmTokensOut.WithLabelValues(norm(provider), norm(model)).Add(float64(tokensOut))
}
