package llm

import (
	"context"
	"time"

	"screening-engine/internal/domain/model"
	"screening-engine/internal/domain/ports/adapter"
)

// Admitter hands out per-lane call slots. release must be called exactly
// once with whether the call showed provider pressure.
type Admitter interface {
	Admit(ctx context.Context, batchID string, p model.ProviderProfile) (release func(pressure bool), err error)
}

var _ adapter.LLMAdapter = (*scheduledLLM)(nil)

type scheduledLLM struct {
	inner adapter.LLMAdapter
	sched Admitter
}

// NewScheduledLLM gates every call of inner behind the scheduler.
func NewScheduledLLM(inner adapter.LLMAdapter, sched Admitter) adapter.LLMAdapter {
	if sched == nil {
		return inner
	}
	return &scheduledLLM{inner: inner, sched: sched}
}

func (s *scheduledLLM) Invoke(ctx context.Context, req model.Request, p model.ProviderProfile) (model.Outcome, time.Duration) {
	release, err := s.sched.Admit(ctx, req.BatchID, p)
	if err != nil {
		return model.Failed(model.NewFailure(model.FailureCancelled, "admission aborted: "+err.Error())), 0
	}
	out, latency := s.inner.Invoke(ctx, req, p)
	release(IsPressure(out))
	return out, latency
}

// IsPressure reports whether an outcome should count against the lane's
// error rate: throttling, timeouts, transport and server errors.
func IsPressure(o model.Outcome) bool {
	f := o.Failure
	if f == nil {
		return false
	}
	switch f.Kind {
	case model.FailureRateLimited, model.FailureTimeout, model.FailureNetworkError:
		return true
	case model.FailureProviderError:
		return f.Retriable
	}
	return false
}
