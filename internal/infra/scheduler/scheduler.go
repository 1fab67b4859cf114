package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"screening-engine/internal/config"
	"screening-engine/internal/domain/model"
	"screening-engine/internal/infra/metrics"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Quota is a fleet-wide fixed-window counter (see redis.RateLimiter).
type Quota interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// Scheduler admits provider calls. Each (provider, model) pair gets its own
// lane with a token bucket and an adjustable concurrency limit; waiting
// batches are served round-robin.
type Scheduler struct {
	cfg   config.SchedulerConfig
	quota Quota
	log   *zerolog.Logger
	now   func() time.Time

	mu    sync.Mutex
	lanes map[string]*lane
}

// New builds a scheduler. quota may be nil.
func New(cfg config.SchedulerConfig, quota Quota, logger *zerolog.Logger) *Scheduler {
	l := logger.With().Str("component", "Scheduler").Logger()
	if cfg.ErrorWindow <= 0 {
		cfg.ErrorWindow = 20
	}
	if cfg.MinSamples <= 0 || cfg.MinSamples > cfg.ErrorWindow {
		cfg.MinSamples = min(10, cfg.ErrorWindow)
	}
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = 0.05
	}
	if cfg.IncreaseAfter <= 0 {
		cfg.IncreaseAfter = 20
	}
	return &Scheduler{
		cfg:   cfg,
		quota: quota,
		log:   &l,
		now:   time.Now,
		lanes: make(map[string]*lane),
	}
}

func (s *Scheduler) laneFor(p model.ProviderProfile) *lane {
	key := p.Key()
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.lanes[key]; ok {
		return l
	}
	maxC := p.MaxConcurrent
	if maxC < 1 {
		maxC = 1
	}
	rpm := p.RequestsPerMinute
	if rpm <= 0 {
		rpm = 60
	}
	l := &lane{
		key:     key,
		rpm:     rpm,
		max:     maxC,
		limit:   maxC,
		limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), maxC),
		now:     func() time.Time { return s.now() },
		queues:  make(map[string][]*waiter),
		window:  make([]bool, s.cfg.ErrorWindow),
	}
	s.lanes[key] = l
	metrics.SetConcurrencyLimit(key, maxC)
	return l
}

// Admit blocks until a call on p's lane may start: a concurrency slot is
// free, the token bucket allows it and the shared quota (if any) has room.
// The returned release must be called exactly once when the call ends;
// pressure reports a rate limit, timeout or transient provider failure.
func (s *Scheduler) Admit(ctx context.Context, batchID string, p model.ProviderProfile) (func(pressure bool), error) {
	l := s.laneFor(p)
	start := s.now()

	if err := l.acquire(ctx, batchID); err != nil {
		return nil, err
	}
	var once sync.Once
	release := func(pressure bool) {
		once.Do(func() { s.release(l, pressure, true) })
	}
	abort := func() {
		once.Do(func() { s.release(l, false, false) })
	}

	if err := l.limiter.Wait(ctx); err != nil {
		abort()
		return nil, err
	}
	if err := s.waitQuota(ctx, l); err != nil {
		abort()
		return nil, err
	}
	metrics.ObserveAdmissionWait(l.key, s.now().Sub(start))
	return release, nil
}

func (s *Scheduler) waitQuota(ctx context.Context, l *lane) error {
	if s.quota == nil {
		return nil
	}
	for {
		now := s.now()
		window := now.Unix() / 60
		key := fmt.Sprintf("quota:%s:%d", l.key, window)
		ok, err := s.quota.Allow(ctx, key, l.rpm, 2*time.Minute)
		if err != nil {
			// fail open: the local bucket still applies
			s.log.Warn().Err(err).Str("lane", l.key).Msg("shared quota unavailable")
			return nil
		}
		if ok {
			return nil
		}
		metrics.IncQuotaDenied(l.key)
		wait := time.Unix((window+1)*60, 0).Sub(now)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (s *Scheduler) release(l *lane, pressure, sample bool) {
	l.mu.Lock()
	l.inFlight--
	if sample {
		s.record(l, pressure)
	}
	l.dispatch()
	inFlight, limit := l.inFlight, l.limit
	l.mu.Unlock()
	metrics.SetInFlight(l.key, inFlight)
	metrics.SetConcurrencyLimit(l.key, limit)
}

// record feeds one call result into the rolling window and adjusts the
// lane limit. Caller holds l.mu.
func (s *Scheduler) record(l *lane, pressure bool) {
	now := s.now()
	// results landing during the cooldown were admitted at the old limit
	if now.Before(l.cooldownUntil) {
		return
	}

	l.push(pressure)
	if pressure {
		l.successRun = 0
	} else {
		l.successRun++
	}

	if l.samples >= s.cfg.MinSamples && l.errorRate() > s.cfg.ErrorThreshold {
		prev := l.limit
		l.limit = max(1, l.limit/2)
		l.cooldownUntil = now.Add(s.cfg.Cooldown)
		l.resetWindow()
		l.successRun = 0
		metrics.IncCooldown(l.key)
		s.log.Warn().Str("lane", l.key).Int("from", prev).Int("to", l.limit).Dur("cooldown", s.cfg.Cooldown).Msg("error rate above threshold; reducing concurrency and pausing admission")
		return
	}
	if l.limit < l.max && l.successRun >= s.cfg.IncreaseAfter {
		l.limit++
		l.successRun = 0
		s.log.Debug().Str("lane", l.key).Int("limit", l.limit).Msg("increasing concurrency")
	}
}

// LaneStats is a point-in-time view of one lane.
type LaneStats struct {
	Key      string `json:"key"`
	Limit    int    `json:"limit"`
	Max      int    `json:"max"`
	InFlight int    `json:"in_flight"`
	Waiting  int    `json:"waiting"`
}

func (s *Scheduler) Stats() []LaneStats {
	s.mu.Lock()
	lanes := make([]*lane, 0, len(s.lanes))
	for _, l := range s.lanes {
		lanes = append(lanes, l)
	}
	s.mu.Unlock()

	out := make([]LaneStats, 0, len(lanes))
	for _, l := range lanes {
		l.mu.Lock()
		out = append(out, LaneStats{Key: l.key, Limit: l.limit, Max: l.max, InFlight: l.inFlight, Waiting: l.waiting()})
		l.mu.Unlock()
	}
	return out
}

// Lane returns the stats of one lane, or false if it was never used.
func (s *Scheduler) Lane(key string) (LaneStats, bool) {
	s.mu.Lock()
	l, ok := s.lanes[key]
	s.mu.Unlock()
	if !ok {
		return LaneStats{}, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return LaneStats{Key: l.key, Limit: l.limit, Max: l.max, InFlight: l.inFlight, Waiting: l.waiting()}, true
}
