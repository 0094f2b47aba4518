// Package resilience wraps a single outbound operation with per-attempt
// timeout, circuit breaker admission, rate limiting and capped exponential
// retry.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yuto-f04/crm-psa-integrate-tool/relay/backoff"
	"github.com/yuto-f04/crm-psa-integrate-tool/relay/breaker"
	"github.com/yuto-f04/crm-psa-integrate-tool/relay/log"
	"github.com/yuto-f04/crm-psa-integrate-tool/relay/ratelimit"
	"github.com/yuto-f04/crm-psa-integrate-tool/relay/telemetry"
)

// Operation is one logical outbound call. It must respect ctx cancellation;
// the executor derives a per-attempt deadline from its Timeout.
type Operation func(ctx context.Context) (any, error)

// RetryPolicy bounds the retry loop of a single Execute call.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy matches the downstream-call defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
	}
}

// Executor executes outbound operations for a set of dependency keys, each
// with its own breaker state and rate limit window.
type Executor struct {
	breakers   *breaker.Manager
	breakerCfg breaker.Config
	limits     *ratelimit.Registry
	retry      RetryPolicy
	timeout    time.Duration
	logger     log.Logger
	sink       telemetry.Sink

	// sleepFn is swapped in tests for deterministic backoff assertions.
	sleepFn func(ctx context.Context, d time.Duration) error
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the executor logger.
func WithLogger(logger log.Logger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

// WithTelemetry sets the telemetry sink.
func WithTelemetry(sink telemetry.Sink) Option {
	return func(e *Executor) {
		e.sink = sink
	}
}

// WithRetryPolicy overrides the retry policy.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(e *Executor) {
		e.retry = policy
	}
}

// WithTimeout sets the per-attempt deadline.
func WithTimeout(timeout time.Duration) Option {
	return func(e *Executor) {
		e.timeout = timeout
	}
}

// WithBreakerConfig sets the thresholds used when a dependency's breaker is
// first created.
func WithBreakerConfig(cfg breaker.Config) Option {
	return func(e *Executor) {
		e.breakerCfg = cfg
	}
}

// WithRateLimits sets the per-dependency rate limit registry. Nil disables
// rate limiting.
func WithRateLimits(limits *ratelimit.Registry) Option {
	return func(e *Executor) {
		e.limits = limits
	}
}

func withSleep(sleepFn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) {
		e.sleepFn = sleepFn
	}
}

// NewExecutor creates an executor with its own breaker manager.
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		breakerCfg: breaker.DefaultConfig(),
		retry:      DefaultRetryPolicy(),
		timeout:    10 * time.Second,
		logger:     log.NewNop(),
		sink:       telemetry.NewNop(),
		sleepFn:    backoff.SleepWithContext,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}

	if e.retry.MaxAttempts < 1 {
		e.retry.MaxAttempts = 1
	}

	e.breakers = breaker.NewManager(e.logger)

	return e
}

// Breakers exposes the breaker manager so operators can inspect or reset
// circuit state.
func (e *Executor) Breakers() *breaker.Manager {
	return e.breakers
}

// Execute runs op against the dependency, retrying transient failures with
// capped exponential backoff and jitter. It returns ErrCircuitOpen without
// further attempts when the breaker rejects, and the last observed error
// when attempts exhaust.
func (e *Executor) Execute(ctx context.Context, dependency string, op Operation) (any, error) {
	if op == nil {
		return nil, ErrNilOperation
	}

	circuit := e.breakers.GetOrCreate(dependency, e.breakerCfg)

	var lastErr error

	for attempt := 1; attempt <= e.retry.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("call cancelled: %w", err)
		}

		if e.breakers.GetState(dependency) == breaker.StateOpen {
			e.rejectCircuitOpen(ctx, dependency)
			return nil, fmt.Errorf("dependency %s: %w", dependency, ErrCircuitOpen)
		}

		if e.limits != nil && !e.limits.TryConsume(dependency) {
			// Local throttling, not a downstream failure: skip the
			// breaker and take the transient retry path.
			lastErr = fmt.Errorf("dependency %s: %w", dependency, ErrRateLimited)

			e.sink.Emit(ctx, telemetry.EventCallRateLimited, map[string]string{"dependency": dependency})

			if attempt == e.retry.MaxAttempts {
				break
			}

			if err := e.delay(ctx, attempt); err != nil {
				return nil, err
			}

			continue
		}

		result, err := circuit.Execute(func() (any, error) {
			return e.attempt(ctx, op)
		})
		if err == nil {
			return result, nil
		}

		if breaker.IsOpen(err) {
			e.rejectCircuitOpen(ctx, dependency)
			return nil, fmt.Errorf("dependency %s: %w", dependency, ErrCircuitOpen)
		}

		lastErr = err

		e.logger.Log(ctx, log.LevelWarn, "call attempt failed",
			log.String("dependency", dependency),
			log.Int("attempt", attempt),
			log.Err(err),
		)

		if attempt == e.retry.MaxAttempts {
			break
		}

		if err := e.delay(ctx, attempt); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("dependency %s: attempts exhausted: %w", dependency, lastErr)
}

// attempt runs op under the per-attempt deadline.
func (e *Executor) attempt(ctx context.Context, op Operation) (any, error) {
	attemptCtx := ctx

	if e.timeout > 0 {
		var cancel context.CancelFunc

		attemptCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	result, err := op(attemptCtx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, fmt.Errorf("%w: %w", ErrAttemptTimeout, err)
	}

	return result, err
}

func (e *Executor) delay(ctx context.Context, attempt int) error {
	wait := backoff.Delay(e.retry.BaseDelay, e.retry.MaxDelay, attempt)

	if err := e.sleepFn(ctx, wait); err != nil {
		return fmt.Errorf("backoff interrupted: %w", err)
	}

	return nil
}

func (e *Executor) rejectCircuitOpen(ctx context.Context, dependency string) {
	e.logger.Log(ctx, log.LevelWarn, "call rejected, circuit open",
		log.String("dependency", dependency))

	e.sink.Emit(ctx, telemetry.EventCallCircuitOpen, map[string]string{"dependency": dependency})
}
