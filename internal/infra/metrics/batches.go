package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(itemsFinalizedTotal, batchesFinalizedTotal, batchesSubmittedTotal, itemsRecoveredTotal) }

var (
	itemsFinalizedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "screening_items_finalized_total",
			Help: "Items that reached a terminal status, labeled by status.",
		},
		[]string{"status"}, // 'completed', 'error', 'cancelled'
	)

	batchesFinalizedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "screening_batches_finalized_total",
			Help: "Batches that reached a terminal status, labeled by status.",
		},
		[]string{"status"},
	)

	batchesSubmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "screening_batches_submitted_total",
			Help: "Batches accepted by SubmitBatch.",
		},
	)

	itemsRecoveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "screening_items_recovered_total",
			Help: "Items picked up by crash recovery, labeled by prior status.",
		},
		[]string{"from"}, // 'pending', 'processing'
	)
)

func IncItemFinalized(status string) {
	itemsFinalizedTotal.WithLabelValues(norm(status)).Inc()
}

func IncBatchFinalized(status string) {
	batchesFinalizedTotal.WithLabelValues(norm(status)).Inc()
}

func IncBatchSubmitted() { batchesSubmittedTotal.Inc() }

func IncItemRecovered(from string) {
	itemsRecoveredTotal.WithLabelValues(norm(from)).Inc()
}
