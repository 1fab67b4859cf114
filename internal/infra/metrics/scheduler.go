package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(schedInFlight, schedLimit, schedCooldowns, schedAdmissionWait, schedQuotaDenied)
}

var (
	schedInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scheduler_in_flight",
			Help: "Provider calls currently holding a slot, per lane.",
		},
		[]string{"lane"},
	)

	schedLimit = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scheduler_concurrency_limit",
			Help: "Current adaptive concurrency limit, per lane.",
		},
		[]string{"lane"},
	)

	schedCooldowns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_cooldowns_total",
			Help: "Times a lane halved its concurrency after a high error rate.",
		},
		[]string{"lane"},
	)

	schedAdmissionWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scheduler_admission_wait_seconds",
			Help:    "Time between asking for a slot and starting the call.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
		[]string{"lane"},
	)

	schedQuotaDenied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_shared_quota_denied_total",
			Help: "Admissions delayed because the cross-instance quota was spent.",
		},
		[]string{"lane"},
	)
)

func SetInFlight(lane string, n int) { schedInFlight.WithLabelValues(lane).Set(float64(n)) }
func SetConcurrencyLimit(lane string, n int) { schedLimit.WithLabelValues(lane).Set(float64(n)) }
func IncCooldown(lane string) { schedCooldowns.WithLabelValues(lane).Inc() }
func IncQuotaDenied(lane string) { schedQuotaDenied.WithLabelValues(lane).Inc() }

func ObserveAdmissionWait(lane string, d time.Duration) {
	schedAdmissionWait.WithLabelValues(lane).Observe(d.Seconds())
}
