package resilience

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/NikhilSetiya/agentcore/pkg/errors"
	"github.com/NikhilSetiya/agentcore/pkg/logging"
)

// RetryConfig describes how many times to try and how long to wait.
type RetryConfig struct {
	// MaxAttempts counts the first attempt too.
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	// Jitter stretches each delay by up to 10%.
	Jitter bool
	// RetryableErrors reports whether err is worth another attempt.
	RetryableErrors func(error) bool
	// OnRetry runs after a failed attempt, before the wait.
	OnRetry func(ctx context.Context, attempt int, err error, delay time.Duration)
	// Sleep waits between attempts. Nil uses a timer that stops on ctx.
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger *logging.Logger
}

// DefaultRetryConfig tries three times starting at 100ms with jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
		Jitter:            true,
		RetryableErrors:   DefaultRetryableErrors,
	}
}

// RetryConfigFromPolicy follows policy exactly, without jitter, for retries
// attempts after the first.
func RetryConfigFromPolicy(policy errors.BackoffPolicy, retries int) RetryConfig {
	return RetryConfig{
		MaxAttempts:       retries + 1,
		InitialDelay:      policy.BaseDelay,
		MaxDelay:          policy.MaxDelay,
		BackoffMultiplier: policy.Factor,
		RetryableErrors:   DefaultRetryableErrors,
	}
}

// permanentKinds never heal by trying again.
var permanentKinds = map[errors.Kind]bool{
	errors.KindValidationFailed:      true,
	errors.KindConfigurationMismatch: true,
	errors.KindInstallationFailed:    true,
}

// DefaultRetryableErrors retries everything except nil, cancellation, breaker
// rejections and faults that need a fix before they can succeed.
func DefaultRetryableErrors(err error) bool {
	switch {
	case err == nil,
		stderrors.Is(err, context.Canceled),
		IsCircuitBreakerError(err):
		return false
	}
	return !permanentKinds[errors.GetKind(err)]
}

// RetryError is returned when every attempt failed.
type RetryError struct {
	Attempts int
	Last     error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("operation failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetryError) Unwrap() error { return e.Last }

// Retrier repeats an operation with exponential backoff.
type Retrier struct {
	cfg    RetryConfig
	policy errors.BackoffPolicy
	logger *logging.Logger
}

// NewRetrier fills unset fields of cfg with defaults.
func NewRetrier(cfg RetryConfig) *Retrier {
	d := DefaultRetryConfig()
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = d.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = d.MaxDelay
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = d.BackoffMultiplier
	}
	if cfg.RetryableErrors == nil {
		cfg.RetryableErrors = DefaultRetryableErrors
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetLogger()
	}
	return &Retrier{
		cfg:    cfg,
		policy: errors.BackoffPolicy{BaseDelay: cfg.InitialDelay, MaxDelay: cfg.MaxDelay, Factor: cfg.BackoffMultiplier},
		logger: cfg.Logger,
	}
}

// Policy is the backoff schedule the retrier follows.
func (r *Retrier) Policy() errors.BackoffPolicy { return r.policy }

// Execute runs op until it succeeds, fails permanently or runs out of
// attempts. A permanent error and a context error are returned as is; running
// out returns a *RetryError.
func (r *Retrier) Execute(ctx context.Context, op func(context.Context) error) error {
	var err error
	for attempt := 1; ; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err = op(ctx); err == nil {
			if attempt > 1 {
				r.logger.Info("Operation recovered", "attempt", attempt)
			}
			return nil
		}
		if !r.cfg.RetryableErrors(err) {
			return err
		}
		if attempt == r.cfg.MaxAttempts {
			break
		}

		delay := r.delay(attempt)
		r.logger.Debug("Attempt failed, backing off",
			"attempt", attempt,
			"max_attempts", r.cfg.MaxAttempts,
			"delay", delay,
			"error", err.Error(),
		)
		if r.cfg.OnRetry != nil {
			r.cfg.OnRetry(ctx, attempt, err, delay)
		}
		if sleepErr := r.cfg.Sleep(ctx, delay); sleepErr != nil {
			return sleepErr
		}
	}

	r.logger.Warn("Retries exhausted", "attempts", r.cfg.MaxAttempts, "error", err.Error())
	return &RetryError{Attempts: r.cfg.MaxAttempts, Last: err}
}

// ExecuteWithResult is Execute for operations that produce a value.
func (r *Retrier) ExecuteWithResult(ctx context.Context, op func(context.Context) (interface{}, error)) (interface{}, error) {
	var v interface{}
	err := r.Execute(ctx, func(ctx context.Context) error {
		var err error
		v, err = op(ctx)
		return err
	})
	return v, err
}

func (r *Retrier) delay(attempt int) time.Duration {
	d := r.policy.Delay(attempt)
	if r.cfg.Jitter {
		d += time.Duration(rand.Int63n(int64(d)/10 + 1))
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Retry runs op under DefaultRetryConfig.
func Retry(ctx context.Context, op func(context.Context) error) error {
	return NewRetrier(DefaultRetryConfig()).Execute(ctx, op)
}

// RetryableOperation sends every attempt through a circuit breaker. Once the
// breaker opens the retry loop stops.
type RetryableOperation struct {
	breaker *CircuitBreaker
	retrier *Retrier
}

func NewRetryableOperation(cb *CircuitBreaker, retrier *Retrier) *RetryableOperation {
	return &RetryableOperation{breaker: cb, retrier: retrier}
}

// Execute runs op with retries, each attempt guarded by the breaker.
func (ro *RetryableOperation) Execute(ctx context.Context, op func(context.Context) (interface{}, error)) (interface{}, error) {
	return ro.retrier.ExecuteWithResult(ctx, func(ctx context.Context) (interface{}, error) {
		return ro.breaker.Execute(ctx, op)
	})
}

// State is the breaker's state.
func (ro *RetryableOperation) State() CircuitState { return ro.breaker.State() }
