// File: internal/usecase/retry_controller.go
package usecase

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"screening-engine/internal/domain/model"
	"screening-engine/internal/domain/ports/adapter"
	"screening-engine/internal/infra/logging"
	"screening-engine/internal/infra/metrics"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// AttemptRecorder persists the state of an item right before attempt n is
// sent. last is the outcome of attempt n-1 (nil before the first attempt).
// A returned error aborts the run.
type AttemptRecorder func(ctx context.Context, attempt int, last *model.Outcome) error

// OutcomeValidator turns a raw success into a labelled success or a validation failure.
type OutcomeValidator interface {
	Validate(out model.Outcome) model.Outcome
}

// RetryInput is everything one item needs to be driven to a final outcome.
type RetryInput struct {
	Request model.Request
	Profile model.ProviderProfile
	Task    model.TaskConfig

	// PriorAttempts is the number of attempts already spent, e.g. by a
	// process that crashed while the item was in flight.
	PriorAttempts int
	// LastOutcome is the persisted outcome of the last prior attempt.
	LastOutcome *model.Outcome

	Validator OutcomeValidator
	Record    AttemptRecorder
}

// RetryResult is the final outcome and the attempt count that produced it.
type RetryResult struct {
	Outcome  model.Outcome
	Attempts int
}

type RetryController struct {
	llm    adapter.LLMAdapter
	log    *zerolog.Logger
	tracer trace.Tracer

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
}

type RetryOption func(*RetryController)

// WithSleep replaces the backoff sleep (tests).
func WithSleep(fn func(ctx context.Context, d time.Duration) error) RetryOption {
	return func(c *RetryController) { c.sleep = fn }
}

// WithJitterSource replaces the [0,1) random source used for jitter.
func WithJitterSource(fn func() float64) RetryOption {
	return func(c *RetryController) { c.jitter = fn }
}

func NewRetryController(llm adapter.LLMAdapter, logger *zerolog.Logger, opts ...RetryOption) *RetryController {
	l := logger.With().Str("component", "RetryController").Logger()
	c := &RetryController{
		llm:    llm,
		log:    &l,
		tracer: otel.Tracer("screening-engine/retry"),
		sleep:  sleepCtx,
		jitter: rand.Float64,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// BackoffDelay is the pre-jitter delay before retry n (1-based).
func BackoffDelay(p model.ProviderProfile, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	base := float64(p.BaseRetryDelay)
	d := base * math.Pow(p.BackoffBase, float64(n-1))
	if limit := float64(p.MaxRetryDelay); p.MaxRetryDelay > 0 && d > limit {
		d = limit
	}
	return time.Duration(d)
}

// delayFor picks the wait before retry n of failure f.
func (c *RetryController) delayFor(p model.ProviderProfile, f *model.Failure, n int) time.Duration {
	if f.Kind == model.FailureRateLimited && f.RetryAfter > 0 {
		return f.RetryAfter
	}
	d := BackoffDelay(p, n)
	if p.JitterEnabled() {
		d = time.Duration(float64(d) * (0.5 + 0.5*c.jitter()))
	}
	return d
}

// escalate grows the read timeout of a reasoning-class profile after a timeout.
func escalate(p model.ProviderProfile) (model.ProviderProfile, bool) {
	if p.TimeoutEscalation <= 1 || p.ReadTimeout >= p.TimeoutCeiling {
		return p, false
	}
	next := time.Duration(math.Ceil(float64(p.ReadTimeout) * p.TimeoutEscalation))
	if next > p.TimeoutCeiling {
		next = p.TimeoutCeiling
	}
	p.ReadTimeout = next
	return p, true
}

func cancelledOutcome(err error) model.Outcome {
	return model.Failed(model.NewFailure(model.FailureCancelled, "cancelled: "+err.Error()))
}

// Run drives one item through attempts until success, a fatal failure,
// exhaustion of the profile's attempt budget, or cancellation of ctx.
// The returned error is non-nil only when Record failed.
func (c *RetryController) Run(ctx context.Context, in RetryInput) (RetryResult, error) {
	p := in.Profile
	ceiling := p.MaxAttempts()
	attempts := in.PriorAttempts
	last := in.LastOutcome
	validationRetried := false

	log := logging.With(ctx, c.log).With().Str("lane", p.Key()).Logger()

	for {
		if attempts >= ceiling {
			if last == nil {
				f := model.NewFailure(model.FailureProviderError, "attempt budget exhausted before a result was recorded").
					WithDetail("orphaned").WithRetriable(false)
				o := model.Failed(f)
				last = &o
			}
			return RetryResult{Outcome: *last, Attempts: attempts}, nil
		}
		if err := ctx.Err(); err != nil {
			return RetryResult{Outcome: cancelledOutcome(err), Attempts: attempts}, nil
		}

		attempts++
		if in.Record != nil {
			if err := in.Record(ctx, attempts, last); err != nil {
				return RetryResult{Outcome: outcomeOrCancelled(ctx, last), Attempts: attempts - 1}, err
			}
		}

		out := c.attempt(ctx, in, p, attempts)
		last = &out

		f := out.Failure
		if f == nil {
			return RetryResult{Outcome: out, Attempts: attempts}, nil
		}
		if f.Kind == model.FailureCancelled {
			return RetryResult{Outcome: out, Attempts: attempts}, nil
		}

		retriable := f.Retriable
		if f.Kind == model.FailureValidationError {
			retriable = in.Task.ValidationRetry && !validationRetried
			validationRetried = true
		}
		if !retriable || attempts >= ceiling {
			log.Debug().Int("attempts", attempts).Str("kind", string(f.Kind)).Bool("exhausted", retriable).Msg("item failed")
			return RetryResult{Outcome: out, Attempts: attempts}, nil
		}

		var delay time.Duration
		if f.Kind != model.FailureValidationError {
			delay = c.delayFor(p, f, attempts)
		}
		if f.Kind == model.FailureTimeout && p.IsReasoning() {
			if next, ok := escalate(p); ok {
				log.Info().Dur("from", p.ReadTimeout).Dur("to", next.ReadTimeout).Msg("escalating read timeout")
				metrics.IncTimeoutEscalation(p.Provider, p.Model)
				p = next
			}
		}
		metrics.ObserveRetry(p.Provider, string(f.Kind), delay)
		log.Debug().Int("attempt", attempts).Str("kind", string(f.Kind)).Dur("delay", delay).Msg("retrying")

		if err := c.sleep(ctx, delay); err != nil {
			return RetryResult{Outcome: cancelledOutcome(err), Attempts: attempts}, nil
		}
	}
}

func outcomeOrCancelled(ctx context.Context, last *model.Outcome) model.Outcome {
	if last != nil {
		return *last
	}
	if err := ctx.Err(); err != nil {
		return cancelledOutcome(err)
	}
	return model.Failed(model.NewFailure(model.FailureProviderError, "state write failed before first attempt").WithRetriable(false))
}

func (c *RetryController) attempt(ctx context.Context, in RetryInput, p model.ProviderProfile, n int) model.Outcome {
	ctx, span := c.tracer.Start(ctx, "llm.attempt", trace.WithAttributes(
		attribute.String("llm.provider", p.Provider),
		attribute.String("llm.model", p.Model),
		attribute.String("batch.id", in.Request.BatchID),
		attribute.String("item.id", in.Request.ItemID),
		attribute.Int("attempt", n),
		attribute.Int64("read_timeout_ms", p.ReadTimeout.Milliseconds()),
	))
	defer span.End()

	out, latency := c.llm.Invoke(ctx, in.Request, p)
	if out.IsSuccess() && in.Validator != nil {
		out = in.Validator.Validate(out)
	}

	metrics.ObserveAttempt(p.Provider, p.Model, out.Kind(), latency)
	if s := out.Success; s != nil {
		metrics.ObserveUsage(p.Provider, p.Model, s.Usage.PromptTokens, s.Usage.CompletionTokens)
	}
	span.SetAttributes(attribute.String("outcome", out.Kind()))
	if f := out.Failure; f != nil {
		if f.HTTPStatus != nil {
			span.SetAttributes(attribute.Int("http.status_code", *f.HTTPStatus))
		}
		span.SetStatus(codes.Error, f.Error())
	}
	return out
}
