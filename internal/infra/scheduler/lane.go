package scheduler

import (
	"context"
	"sync"
	"time"

	"screening-engine/internal/infra/metrics"

	"golang.org/x/time/rate"
)

type waiter struct {
	ready   chan struct{}
	granted bool
}

type lane struct {
	key     string
	rpm     int
	max     int
	limiter *rate.Limiter
	now     func() time.Time

	mu       sync.Mutex
	limit    int
	inFlight int

	// per-batch FIFO queues served round-robin in order of arrival
	queues map[string][]*waiter
	order  []string
	next   int

	// rolling window of the last N results, true = pressure
	window  []bool
	pos     int
	samples int
	errs    int

	successRun    int
	cooldownUntil time.Time
	resume        *time.Timer
}

func (l *lane) cooling() bool { return l.now().Before(l.cooldownUntil) }

// armResume schedules a dispatch for the end of the cooldown. Caller holds l.mu.
func (l *lane) armResume() {
	if l.resume != nil {
		return
	}
	l.resume = time.AfterFunc(l.cooldownUntil.Sub(l.now()), func() {
		l.mu.Lock()
		l.resume = nil
		l.dispatch()
		n := l.inFlight
		l.mu.Unlock()
		metrics.SetInFlight(l.key, n)
	})
}

func (l *lane) acquire(ctx context.Context, batchID string) error {
	l.mu.Lock()
	if l.inFlight < l.limit && l.waiting() == 0 && !l.cooling() {
		l.inFlight++
		n := l.inFlight
		l.mu.Unlock()
		metrics.SetInFlight(l.key, n)
		return nil
	}
	w := &waiter{ready: make(chan struct{})}
	if _, ok := l.queues[batchID]; !ok {
		l.order = append(l.order, batchID)
	}
	l.queues[batchID] = append(l.queues[batchID], w)
	l.dispatch()
	l.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		if w.granted {
			// granted while we were giving up; hand the slot on
			l.inFlight--
			l.dispatch()
		} else {
			l.remove(batchID, w)
		}
		l.mu.Unlock()
		return ctx.Err()
	}
}

func (l *lane) waiting() int {
	n := 0
	for _, q := range l.queues {
		n += len(q)
	}
	return n
}

// dispatch grants free slots to queued waiters. No slot is granted while
// the lane cools down. Caller holds l.mu.
func (l *lane) dispatch() {
	if l.cooling() {
		if len(l.order) > 0 {
			l.armResume()
		}
		return
	}
	for l.inFlight < l.limit && len(l.order) > 0 {
		if l.next >= len(l.order) {
			l.next = 0
		}
		batch := l.order[l.next]
		q := l.queues[batch]
		w := q[0]
		if len(q) == 1 {
			delete(l.queues, batch)
			l.order = append(l.order[:l.next], l.order[l.next+1:]...)
		} else {
			l.queues[batch] = q[1:]
			l.next++
		}
		w.granted = true
		l.inFlight++
		close(w.ready)
	}
}

// remove drops an abandoned waiter. Caller holds l.mu.
func (l *lane) remove(batchID string, w *waiter) {
	q := l.queues[batchID]
	for i, x := range q {
		if x != w {
			continue
		}
		q = append(q[:i], q[i+1:]...)
		break
	}
	if len(q) > 0 {
		l.queues[batchID] = q
		return
	}
	delete(l.queues, batchID)
	for i, b := range l.order {
		if b == batchID {
			l.order = append(l.order[:i], l.order[i+1:]...)
			if l.next > i {
				l.next--
			}
			break
		}
	}
}

func (l *lane) push(pressure bool) {
	if len(l.window) == 0 {
		return
	}
	if l.samples == len(l.window) {
		if l.window[l.pos] {
			l.errs--
		}
	} else {
		l.samples++
	}
	l.window[l.pos] = pressure
	if pressure {
		l.errs++
	}
	l.pos = (l.pos + 1) % len(l.window)
}

func (l *lane) errorRate() float64 {
	if l.samples == 0 {
		return 0
	}
	return float64(l.errs) / float64(l.samples)
}

func (l *lane) resetWindow() {
	for i := range l.window {
		l.window[i] = false
	}
	l.pos, l.samples, l.errs = 0, 0, 0
}
