// Package retry runs operations with exponential backoff and jitter.
//
// The executor is policy-free: callers supply the Config and a Predicate that
// decides which errors are worth another attempt. Execute blocks the calling
// goroutine between attempts; ExecuteContext waits on a timer and returns early
// when the context is cancelled. Both share the same delay arithmetic.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// Config describes one retry policy. Values are read-only once built and safe
// to share between goroutines.
type Config struct {
	// Name labels log lines and metrics, e.g. "openweathermap" or "cache".
	Name              string
	MaxAttempts       int
	BaseDelay         time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration
	Jitter            bool
	// JitterRange is a fraction of the delay: 0.1 means ±10%.
	JitterRange float64
}

// Validate reports whether the config can drive an executor.
func (c Config) Validate() error {
	switch {
	case c.MaxAttempts < 1:
		return fmt.Errorf("retry %q: max attempts must be >= 1, got %d", c.Name, c.MaxAttempts)
	case c.BaseDelay <= 0:
		return fmt.Errorf("retry %q: base delay must be > 0, got %s", c.Name, c.BaseDelay)
	case c.BackoffMultiplier < 1:
		return fmt.Errorf("retry %q: backoff multiplier must be >= 1, got %g", c.Name, c.BackoffMultiplier)
	case c.MaxDelay < c.BaseDelay:
		return fmt.Errorf("retry %q: max delay %s is below base delay %s", c.Name, c.MaxDelay, c.BaseDelay)
	case c.JitterRange < 0 || c.JitterRange > 1:
		return fmt.Errorf("retry %q: jitter range must be within [0, 1], got %g", c.Name, c.JitterRange)
	}
	return nil
}

// Predicate reports whether err is transient and the operation may be retried.
type Predicate func(err error) bool

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Name     string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: failed after %d attempts: %v", e.Name, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// IsExhausted reports whether err (or anything it wraps) is an ExhaustedError.
func IsExhausted(err error) bool {
	var ex *ExhaustedError
	return errors.As(err, &ex)
}

// RetryHook is called before the executor waits for the next attempt.
type RetryHook func(name string, attempt int, delay time.Duration, err error)

// Executor runs operations under a Config. The zero value is not usable; build
// one with NewExecutor.
type Executor struct {
	logger  *zap.Logger
	sleep   func(time.Duration)
	after   func(time.Duration) <-chan time.Time
	random  func() float64
	onRetry RetryHook
}

// Option customises an Executor.
type Option func(*Executor)

// WithSleep replaces the blocking sleep used by Execute.
func WithSleep(sleep func(time.Duration)) Option {
	return func(e *Executor) { e.sleep = sleep }
}

// WithTimer replaces the timer channel used by ExecuteContext.
func WithTimer(after func(time.Duration) <-chan time.Time) Option {
	return func(e *Executor) { e.after = after }
}

// WithRandom replaces the uniform [0,1) source used for jitter.
func WithRandom(random func() float64) Option {
	return func(e *Executor) { e.random = random }
}

// WithRetryHook registers a callback fired once per scheduled retry.
func WithRetryHook(hook RetryHook) Option {
	return func(e *Executor) { e.onRetry = hook }
}

// NewExecutor builds an Executor that sleeps on the wall clock.
func NewExecutor(logger *zap.Logger, opts ...Option) *Executor {
	e := &Executor{
		logger: logger,
		sleep:  time.Sleep,
		after:  time.After,
		random: rand.Float64,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	return e
}

// Delay returns the wait after the given failed attempt (1-based):
// min(base * multiplier^(attempt-1), max), perturbed by ±JitterRange when
// jitter is enabled and floored at zero.
func (e *Executor) Delay(cfg Config, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(cfg.BaseDelay) * math.Pow(cfg.BackoffMultiplier, float64(attempt-1))
	delay = math.Min(delay, float64(cfg.MaxDelay))

	if cfg.Jitter && cfg.JitterRange > 0 {
		amount := delay * cfg.JitterRange
		delay += (e.random()*2 - 1) * amount
		delay = math.Max(0, delay)
	}
	return time.Duration(delay)
}

// Execute runs op until it succeeds, fails with a non-retryable error, or
// MaxAttempts is reached. The calling goroutine sleeps between attempts.
func (e *Executor) Execute(cfg Config, op func() error, isRetryable Predicate) error {
	return e.run(cfg, op, isRetryable, func(d time.Duration) error {
		e.sleep(d)
		return nil
	})
}

// ExecuteContext is Execute for context-aware operations. Waiting between
// attempts ends early when ctx is done, in which case ctx.Err() is returned.
func (e *Executor) ExecuteContext(ctx context.Context, cfg Config, op func(context.Context) error, isRetryable Predicate) error {
	return e.run(cfg, func() error { return op(ctx) }, isRetryable, func(d time.Duration) error {
		if d <= 0 {
			return ctx.Err()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.after(d):
			return nil
		}
	})
}

func (e *Executor) run(cfg Config, op func() error, isRetryable Predicate, wait func(time.Duration) error) error {
	maxAttempts := max(cfg.MaxAttempts, 1)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := op()
		if err == nil {
			if attempt > 1 {
				e.logger.Info("operation succeeded after retry",
					zap.String("operation", cfg.Name),
					zap.Int("attempt", attempt),
					zap.Int("max_attempts", maxAttempts),
				)
			}
			return nil
		}
		lastErr = err

		if isRetryable == nil || !isRetryable(err) {
			e.logger.Warn("operation failed with non-retryable error",
				zap.String("operation", cfg.Name),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return err
		}

		if attempt == maxAttempts {
			break
		}

		delay := e.Delay(cfg, attempt)
		e.logger.Warn("operation failed, retrying",
			zap.String("operation", cfg.Name),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if e.onRetry != nil {
			e.onRetry(cfg.Name, attempt, delay, err)
		}
		if werr := wait(delay); werr != nil {
			return fmt.Errorf("%s: retry aborted after %d attempts: %w (last error: %v)", cfg.Name, attempt, werr, lastErr)
		}
	}

	e.logger.Error("operation failed after all attempts",
		zap.String("operation", cfg.Name),
		zap.Int("attempts", maxAttempts),
		zap.Error(lastErr),
	)
	return &ExhaustedError{Name: cfg.Name, Attempts: maxAttempts, Err: lastErr}
}

// Do is Execute for operations that produce a value.
func Do[T any](e *Executor, cfg Config, op func() (T, error), isRetryable Predicate) (T, error) {
	var out T
	err := e.Execute(cfg, func() error {
		v, err := op()
		if err != nil {
			return err
		}
		out = v
		return nil
	}, isRetryable)
	return out, err
}

// DoContext is ExecuteContext for operations that produce a value.
func DoContext[T any](ctx context.Context, e *Executor, cfg Config, op func(context.Context) (T, error), isRetryable Predicate) (T, error) {
	var out T
	err := e.ExecuteContext(ctx, cfg, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}, isRetryable)
	return out, err
}
