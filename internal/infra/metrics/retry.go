package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() { register(retriesTotal, backoffSeconds, timeoutEscalations) }

var (
	retriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_retries_total",
			Help: "Retries scheduled after a retriable failure, by failure kind.",
		},
		[]string{"provider", "kind"},
	)

	backoffSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_backoff_seconds",
			Help:    "Backoff delay chosen before a retry.",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 30, 60},
		},
		[]string{"provider"},
	)

	timeoutEscalations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_timeout_escalations_total",
			Help: "Read-timeout escalations applied to reasoning-class models.",
		},
		[]string{"provider", "model"},
	)
)

func ObserveRetry(provider, kind string, delay time.Duration) {
	retriesTotal.WithLabelValues(norm(provider), norm(kind)).Inc()
	backoffSeconds.WithLabelValues(norm(provider)).Observe(delay.Seconds())
}

func IncTimeoutEscalation(provider, model string) {
	timeoutEscalations.WithLabelValues(norm(provider), norm(model)).Inc()
}
