package sched

import (
	"context"
	"errors"
	"time"

	"screening-engine/internal/domain"
	"screening-engine/internal/infra/redis"

	"github.com/rs/zerolog"
)

const recoveryLockKey = "lock:screening:recovery"

// Recoverer requeues work orphaned by a crashed or restarted process and
// reports how many items it touched.
type Recoverer interface {
	Recover(ctx context.Context) (int, error)
}

// RecoveryWorker runs Recover once at startup and then on every tick. With
// a locker, only the instance holding the lock scans in a given round.
type RecoveryWorker struct {
	interval time.Duration
	rec      Recoverer
	locker   redis.Locker
	log      *zerolog.Logger
}

// NewRecoveryWorker builds the worker; locker may be nil.
func NewRecoveryWorker(interval time.Duration, rec Recoverer, locker redis.Locker, logger *zerolog.Logger) *RecoveryWorker {
	compLog := logger.With().Str("component", "RecoveryWorker").Logger()
	return &RecoveryWorker{
		interval: interval,
		rec:      rec,
		locker:   locker,
		log:      &compLog,
	}
}

func (w *RecoveryWorker) Run(ctx context.Context) error {
	w.log.Info().Dur("interval", w.interval).Msg("Starting recovery worker")
	w.runOnce(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Stopping recovery worker")
			return ctx.Err()
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

func (w *RecoveryWorker) runOnce(ctx context.Context) {
	var n int
	scan := func(ctx context.Context) error {
		var err error
		n, err = w.rec.Recover(ctx)
		return err
	}

	var err error
	if w.locker == nil {
		err = scan(ctx)
	} else {
		// hold the lock for at most one interval
		err = redis.WithLock(ctx, w.locker, recoveryLockKey, w.interval, scan)
	}
	switch {
	case errors.Is(err, domain.ErrLockNotAcquired):
		w.log.Debug().Msg("another instance is recovering")
		return
	case errors.Is(err, context.Canceled):
		return
	case err != nil:
		w.log.Error().Err(err).Msg("recovery scan failed")
	}
	if n > 0 {
		w.log.Info().Int("items", n).Msg("orphaned items requeued")
	}
}
