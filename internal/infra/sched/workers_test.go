//go:build !integration

package sched

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"screening-engine/internal/domain"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type countingRecoverer struct{ calls int32 }

func (r *countingRecoverer) Recover(ctx context.Context) (int, error) {
	atomic.AddInt32(&r.calls, 1)
	return 2, nil
}

type fakeLocker struct {
	mu     sync.Mutex
	held   bool
	locks  int
	unlock int
}

func (l *fakeLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return "", domain.ErrLockNotAcquired
	}
	l.locks++
	return "token", nil
}

func (l *fakeLocker) Unlock(ctx context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unlock++
	return nil
}

func TestRecoveryWorker_RunsAtStartup(t *testing.T) {
	nop := zerolog.Nop()
	rec := &countingRecoverer{}
	locker := &fakeLocker{}
	w := NewRecoveryWorker(time.Hour, rec, locker, &nop)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&rec.calls) == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	locker.mu.Lock()
	defer locker.mu.Unlock()
	assert.Equal(t, 1, locker.locks)
	assert.Equal(t, 1, locker.unlock)
}

func TestRecoveryWorker_SkipsWhenLockHeld(t *testing.T) {
	nop := zerolog.Nop()
	rec := &countingRecoverer{}
	w := NewRecoveryWorker(time.Hour, rec, &fakeLocker{held: true}, &nop)

	w.runOnce(context.Background())
	assert.Zero(t, atomic.LoadInt32(&rec.calls))
}

func TestRecoveryWorker_NoLocker(t *testing.T) {
	nop := zerolog.Nop()
	rec := &countingRecoverer{}
	w := NewRecoveryWorker(time.Hour, rec, nil, &nop)

	w.runOnce(context.Background())
	assert.EqualValues(t, 1, atomic.LoadInt32(&rec.calls))
}

type fakeSweeper struct {
	calls int32
	err   error
}

func (s *fakeSweeper) SweepExpired(ctx context.Context) (int, error) {
	atomic.AddInt32(&s.calls, 1)
	return 1, s.err
}

func TestSweepWorker_TicksUntilCancelled(t *testing.T) {
	nop := zerolog.Nop()
	s := &fakeSweeper{err: errors.New("transient")}
	w := NewSweepWorker(5*time.Millisecond, s, &nop)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&s.calls) >= 2 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
