//go:build !integration

package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"screening-engine/internal/domain/model"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedLLM replays outcomes in order and repeats the last one.
type scriptedLLM struct {
	mu       sync.Mutex
	script   []model.Outcome
	calls    int
	profiles []model.ProviderProfile
}

func (s *scriptedLLM) Invoke(ctx context.Context, req model.Request, p model.ProviderProfile) (model.Outcome, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles = append(s.profiles, p)
	i := s.calls
	if i >= len(s.script) {
		i = len(s.script) - 1
	}
	s.calls++
	return s.script[i], time.Millisecond
}

func (s *scriptedLLM) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type sleepLog struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (l *sleepLog) sleep(ctx context.Context, d time.Duration) error {
	l.mu.Lock()
	l.delays = append(l.delays, d)
	l.mu.Unlock()
	return ctx.Err()
}

func noJitter() *bool { v := false; return &v }

func testProfile(maxRetries int) model.ProviderProfile {
	return model.ProviderProfile{
		Provider:       "openai",
		Model:          "gpt-4o-mini",
		ReadTimeout:    time.Second,
		MaxRetries:     maxRetries,
		BaseRetryDelay: time.Second,
		MaxRetryDelay:  30 * time.Second,
		BackoffBase:    2,
		Jitter:         noJitter(),
	}
}

func fail(kind model.FailureKind, status int) model.Outcome {
	f := model.NewFailure(kind, string(kind))
	if status > 0 {
		f.WithStatus(status)
	}
	return model.Failed(f)
}

func okRaw(label string) model.Outcome {
	return model.Succeeded(model.Success{RawText: `{"decision":"` + label + `","justification":"population matches the protocol"}`})
}

func newTestController(llm *scriptedLLM, sl *sleepLog) *RetryController {
	nop := zerolog.Nop()
	return NewRetryController(llm, &nop, WithSleep(sl.sleep), WithJitterSource(func() float64 { return 0 }))
}

func TestBackoffDelay_GrowsAndCaps(t *testing.T) {
	p := testProfile(5)
	want := []time.Duration{1, 2, 4, 8, 16, 30, 30}
	for i, w := range want {
		assert.Equal(t, w*time.Second, BackoffDelay(p, i+1), "retry %d", i+1)
	}
}

func TestRetryController_RetryCeiling(t *testing.T) {
	llm := &scriptedLLM{script: []model.Outcome{fail(model.FailureProviderError, 503)}}
	sl := &sleepLog{}
	c := newTestController(llm, sl)

	res, err := c.Run(context.Background(), RetryInput{Request: model.Request{ItemID: "i"}, Profile: testProfile(3)})
	require.NoError(t, err)

	assert.Equal(t, 4, llm.Calls())
	assert.Equal(t, 4, res.Attempts)
	require.NotNil(t, res.Outcome.Failure)
	assert.Equal(t, model.FailureProviderError, res.Outcome.Failure.Kind)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, sl.delays)
}

func TestRetryController_FatalStopsImmediately(t *testing.T) {
	for _, kind := range []model.FailureKind{model.FailureAuthError, model.FailureContentBlocked} {
		t.Run(string(kind), func(t *testing.T) {
			llm := &scriptedLLM{script: []model.Outcome{fail(kind, 401)}}
			sl := &sleepLog{}
			res, err := newTestController(llm, sl).Run(context.Background(), RetryInput{Profile: testProfile(5)})
			require.NoError(t, err)
			assert.Equal(t, 1, llm.Calls())
			assert.Equal(t, 1, res.Attempts)
			assert.Empty(t, sl.delays)
		})
	}
}

func TestRetryController_RateLimitHintOverridesBackoff(t *testing.T) {
	limited := model.NewFailure(model.FailureRateLimited, "slow down").WithStatus(429)
	limited.RetryAfter = 7 * time.Second
	llm := &scriptedLLM{script: []model.Outcome{model.Failed(limited), okRaw("INCLUDE")}}
	sl := &sleepLog{}

	res, err := newTestController(llm, sl).Run(context.Background(), RetryInput{Profile: testProfile(3)})
	require.NoError(t, err)
	assert.True(t, res.Outcome.IsSuccess())
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, []time.Duration{7 * time.Second}, sl.delays)
}

func TestRetryController_JitterRange(t *testing.T) {
	p := testProfile(3)
	p.Jitter = nil
	nop := zerolog.Nop()
	f := model.NewFailure(model.FailureTimeout, "t")

	low := NewRetryController(nil, &nop, WithJitterSource(func() float64 { return 0 }))
	high := NewRetryController(nil, &nop, WithJitterSource(func() float64 { return 0.999999 }))
	assert.Equal(t, 2*time.Second, low.delayFor(p, f, 3))
	assert.InDelta(t, float64(4*time.Second), float64(high.delayFor(p, f, 3)), float64(time.Millisecond))
}

func TestRetryController_RecordsBeforeEachAttempt(t *testing.T) {
	llm := &scriptedLLM{script: []model.Outcome{
		fail(model.FailureNetworkError, 0),
		fail(model.FailureTimeout, 0),
		okRaw("EXCLUDE"),
	}}
	var seen []int
	var lastKinds []string
	record := func(ctx context.Context, n int, last *model.Outcome) error {
		seen = append(seen, n)
		if last == nil {
			lastKinds = append(lastKinds, "")
		} else {
			lastKinds = append(lastKinds, last.Kind())
		}
		assert.Equal(t, n-1, llm.Calls(), "attempt %d recorded after the call started", n)
		return nil
	}

	res, err := newTestController(llm, &sleepLog{}).Run(context.Background(), RetryInput{Profile: testProfile(3), Record: record})
	require.NoError(t, err)
	assert.True(t, res.Outcome.IsSuccess())
	assert.Equal(t, []int{1, 2, 3}, seen)
	assert.Equal(t, []string{"", "network_error", "timeout"}, lastKinds)
}

func TestRetryController_RecordErrorAborts(t *testing.T) {
	llm := &scriptedLLM{script: []model.Outcome{okRaw("INCLUDE")}}
	boom := errors.New("store down")
	_, err := newTestController(llm, &sleepLog{}).Run(context.Background(), RetryInput{
		Profile: testProfile(3),
		Record:  func(context.Context, int, *model.Outcome) error { return boom },
	})
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, llm.Calls())
}

func TestRetryController_PriorAttemptsCountTowardCeiling(t *testing.T) {
	t.Run("one attempt left", func(t *testing.T) {
		llm := &scriptedLLM{script: []model.Outcome{fail(model.FailureTimeout, 0)}}
		res, err := newTestController(llm, &sleepLog{}).Run(context.Background(), RetryInput{Profile: testProfile(3), PriorAttempts: 3})
		require.NoError(t, err)
		assert.Equal(t, 1, llm.Calls())
		assert.Equal(t, 4, res.Attempts)
	})

	t.Run("budget already spent", func(t *testing.T) {
		llm := &scriptedLLM{script: []model.Outcome{okRaw("INCLUDE")}}
		last := fail(model.FailureTimeout, 0)
		res, err := newTestController(llm, &sleepLog{}).Run(context.Background(), RetryInput{
			Profile: testProfile(3), PriorAttempts: 4, LastOutcome: &last,
		})
		require.NoError(t, err)
		assert.Zero(t, llm.Calls())
		assert.Equal(t, model.FailureTimeout, res.Outcome.Failure.Kind)
	})

	t.Run("budget spent without outcome", func(t *testing.T) {
		llm := &scriptedLLM{script: []model.Outcome{okRaw("INCLUDE")}}
		res, err := newTestController(llm, &sleepLog{}).Run(context.Background(), RetryInput{Profile: testProfile(0), PriorAttempts: 1})
		require.NoError(t, err)
		require.NotNil(t, res.Outcome.Failure)
		assert.Equal(t, "orphaned", res.Outcome.Failure.Detail)
	})
}

func TestRetryController_ReasoningTimeoutEscalates(t *testing.T) {
	yes := true
	p := testProfile(3)
	p.Reasoning = &yes
	p.ReadTimeout = 10 * time.Second
	p.TimeoutEscalation = 1.5
	p.TimeoutCeiling = 20 * time.Second

	llm := &scriptedLLM{script: []model.Outcome{fail(model.FailureTimeout, 0)}}
	_, err := newTestController(llm, &sleepLog{}).Run(context.Background(), RetryInput{Profile: p})
	require.NoError(t, err)

	var got []time.Duration
	for _, seen := range llm.profiles {
		got = append(got, seen.ReadTimeout)
	}
	assert.Equal(t, []time.Duration{10 * time.Second, 15 * time.Second, 20 * time.Second, 20 * time.Second}, got)

	t.Run("standard models keep their timeout", func(t *testing.T) {
		llm := &scriptedLLM{script: []model.Outcome{fail(model.FailureTimeout, 0)}}
		p := testProfile(2)
		p.TimeoutEscalation = 1.5
		p.TimeoutCeiling = time.Minute
		_, _ = newTestController(llm, &sleepLog{}).Run(context.Background(), RetryInput{Profile: p})
		for _, seen := range llm.profiles {
			assert.Equal(t, time.Second, seen.ReadTimeout)
		}
	})
}

func TestRetryController_ValidationRetry(t *testing.T) {
	task, err := model.TaskConfig{Type: model.TaskScreen}.Normalize()
	require.NoError(t, err)
	garbage := model.Succeeded(model.Success{RawText: "I think it is fine"})

	t.Run("fatal by default", func(t *testing.T) {
		llm := &scriptedLLM{script: []model.Outcome{garbage, okRaw("INCLUDE")}}
		res, err := newTestController(llm, &sleepLog{}).Run(context.Background(), RetryInput{
			Profile: testProfile(3), Task: task, Validator: NewResponseValidator(task),
		})
		require.NoError(t, err)
		assert.Equal(t, 1, llm.Calls())
		assert.Equal(t, model.FailureValidationError, res.Outcome.Failure.Kind)
	})

	t.Run("one retry when enabled", func(t *testing.T) {
		task := task
		task.ValidationRetry = true
		llm := &scriptedLLM{script: []model.Outcome{garbage, garbage, okRaw("INCLUDE")}}
		sl := &sleepLog{}
		res, err := newTestController(llm, sl).Run(context.Background(), RetryInput{
			Profile: testProfile(3), Task: task, Validator: NewResponseValidator(task),
		})
		require.NoError(t, err)
		assert.Equal(t, 2, llm.Calls())
		assert.Equal(t, model.FailureValidationError, res.Outcome.Failure.Kind)
		assert.Equal(t, []time.Duration{0}, sl.delays)
	})

	t.Run("validated success carries the label", func(t *testing.T) {
		llm := &scriptedLLM{script: []model.Outcome{okRaw("include")}}
		res, err := newTestController(llm, &sleepLog{}).Run(context.Background(), RetryInput{
			Profile: testProfile(3), Task: task, Validator: NewResponseValidator(task),
		})
		require.NoError(t, err)
		require.True(t, res.Outcome.IsSuccess())
		assert.Equal(t, "INCLUDE", res.Outcome.Success.Label)
	})
}

func TestRetryController_CancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	llm := &scriptedLLM{script: []model.Outcome{fail(model.FailureNetworkError, 0)}}
	nop := zerolog.Nop()
	c := NewRetryController(llm, &nop, WithSleep(func(ctx context.Context, d time.Duration) error {
		cancel()
		return sleepCtx(ctx, d)
	}))

	res, err := c.Run(ctx, RetryInput{Profile: testProfile(5)})
	require.NoError(t, err)
	assert.Equal(t, 1, llm.Calls())
	assert.Equal(t, model.FailureCancelled, res.Outcome.Failure.Kind)
}

func TestSleepCtx(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	assert.ErrorIs(t, sleepCtx(ctx, time.Hour), context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
	assert.NoError(t, sleepCtx(context.Background(), time.Millisecond))
}
