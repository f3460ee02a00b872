// Package resilience provides retry and circuit breaker primitives used to
// protect the engine's storage and event paths from transient
// infrastructure failures. Step-level retry policy is a scheduling concern
// and lives with the failure controller; this package guards the plumbing
// underneath it.
package resilience

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/praxisworks/praxis/core"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterEnabled bool

	// RetryIf decides whether an error is worth another attempt. Nil
	// retries everything.
	RetryIf func(error) bool

	// OnRetry observes each retry before its backoff sleep. Called with
	// the attempt that just failed, its error and the upcoming delay.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultRetryConfig provides sensible defaults for storage operations
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
}

// Retry executes a function with exponential backoff. The context is
// honored both between attempts and while sleeping.
func Retry(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if config.RetryIf != nil && !config.RetryIf(lastErr) {
			return lastErr
		}

		// Don't sleep after the last attempt
		if attempt == config.MaxAttempts {
			break
		}

		delay := backoffDelay(config, attempt)
		if config.OnRetry != nil {
			config.OnRetry(attempt, lastErr, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("max retry attempts (%d) exceeded for %v: %w", config.MaxAttempts, lastErr, core.ErrMaxRetriesExceeded)
}

// backoffDelay computes the sleep before the next attempt: exponential in
// the attempt number, capped at MaxDelay, plus up to 10% random jitter so
// concurrent clients spread out.
func backoffDelay(config *RetryConfig, attempt int) time.Duration {
	delay := config.InitialDelay
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * config.BackoffFactor)
		if delay >= config.MaxDelay {
			delay = config.MaxDelay
			break
		}
	}
	if config.JitterEnabled && delay > 0 {
		delay += time.Duration(rand.Int63n(int64(delay)/10 + 1))
	}
	return delay
}

// RetryWithCircuitBreaker combines retry logic with circuit breaker
// protection. Rejections by an open breaker count as attempts.
func RetryWithCircuitBreaker(ctx context.Context, config *RetryConfig, cb *CircuitBreaker, fn func() error) error {
	return Retry(ctx, config, func() error {
		if !cb.CanExecute() {
			return core.ErrCircuitBreakerOpen
		}

		err := fn()
		if err != nil {
			cb.RecordFailure()
			return err
		}

		cb.RecordSuccess()
		return nil
	})
}
