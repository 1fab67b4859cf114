package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() { register(dbPoolStats, storeWriteLatency, storeSweptTotal) }

var (
	dbPoolStats = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "db_pool_stats",
			Help: "Current state of the database connection pool.",
		},
		[]string{"state"}, // 'total', 'idle', 'in_use'
	)

	storeWriteLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_store_write_seconds",
			Help:    "Latency of confirmed job-state writes.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"backend", "op"},
	)

	storeSweptTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "job_store_swept_batches_total",
			Help: "Expired batches removed by the sweep worker.",
		},
	)
)

func SetDBPoolStats(total, idle, inUse int32) {
	dbPoolStats.WithLabelValues("total").Set(float64(total))
	dbPoolStats.WithLabelValues("idle").Set(float64(idle))
	dbPoolStats.WithLabelValues("in_use").Set(float64(inUse))
}

func ObserveStoreWrite(backend, op string, d time.Duration) {
	storeWriteLatency.WithLabelValues(backend, op).Observe(d.Seconds())
}

func AddSwept(n int) { storeSweptTotal.Add(float64(n)) }
