package sched

import (
	"context"
	"time"

	"screening-engine/internal/infra/metrics"

	"github.com/rs/zerolog"
)

// Sweeper removes batches whose retention has ended.
type Sweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// SweepWorker periodically deletes expired batches from stores without
// native key expiry.
type SweepWorker struct {
	interval time.Duration
	store    Sweeper
	log      *zerolog.Logger
}

func NewSweepWorker(interval time.Duration, store Sweeper, logger *zerolog.Logger) *SweepWorker {
	sweepLog := logger.With().Str("component", "SweepWorker").Logger()
	return &SweepWorker{
		interval: interval,
		store:    store,
		log:      &sweepLog,
	}
}

func (w *SweepWorker) Run(ctx context.Context) error {
	w.log.Info().Dur("interval", w.interval).Msg("Starting sweep worker")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Stopping sweep worker")
			return ctx.Err()
		case <-ticker.C:
			n, err := w.store.SweepExpired(ctx)
			if err != nil {
				w.log.Error().Err(err).Msg("sweep failed")
			}
			if n > 0 {
				metrics.AddSwept(n)
				w.log.Info().Int("count", n).Msg("expired batches removed")
			}
		}
	}
}
