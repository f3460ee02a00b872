package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/praxisworks/praxis/core"
)

func fastConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  5 * time.Millisecond,
		MaxDelay:      50 * time.Millisecond,
		BackoffFactor: 2.0,
		JitterEnabled: false,
	}
}

// TestRetryBasicSuccess tests successful execution on first attempt
func TestRetryBasicSuccess(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastConfig(), func() error {
		attempts++
		return nil
	})

	if err != nil {
		t.Errorf("Expected success, got error: %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

// TestRetryEventualSuccess tests success after transient failures
func TestRetryEventualSuccess(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastConfig(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected eventual success, got error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

// TestRetryExhaustion tests the sentinel wrapping after all attempts fail
func TestRetryExhaustion(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastConfig(), func() error {
		attempts++
		return errors.New("persistent failure")
	})

	if err == nil {
		t.Fatal("Expected an error after exhausting attempts")
	}
	if !errors.Is(err, core.ErrMaxRetriesExceeded) {
		t.Errorf("Expected ErrMaxRetriesExceeded, got: %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

// TestRetryIfStopsOnPermanentError tests the retry predicate
func TestRetryIfStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("permanent")
	config := fastConfig()
	config.RetryIf = func(err error) bool {
		return !errors.Is(err, permanent)
	}

	attempts := 0
	err := Retry(context.Background(), config, func() error {
		attempts++
		return permanent
	})

	if !errors.Is(err, permanent) {
		t.Errorf("Expected the permanent error back unwrapped, got: %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected a single attempt for a permanent error, got %d", attempts)
	}
}

// TestRetryContextCancellation tests cancellation during backoff sleep
func TestRetryContextCancellation(t *testing.T) {
	config := fastConfig()
	config.InitialDelay = 500 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())

	attempts := 0
	done := make(chan error, 1)
	go func() {
		done <- Retry(ctx, config, func() error {
			attempts++
			return errors.New("failing")
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Retry did not return after cancellation")
	}

	if attempts != 1 {
		t.Errorf("Expected 1 attempt before cancellation, got %d", attempts)
	}
}

// TestRetryNilConfigUsesDefaults tests the nil-config path
func TestRetryNilConfigUsesDefaults(t *testing.T) {
	err := Retry(context.Background(), nil, func() error { return nil })
	if err != nil {
		t.Errorf("Expected success with default config, got: %v", err)
	}
}

// TestRetryOnRetryHook tests the hook fires once per backoff sleep
func TestRetryOnRetryHook(t *testing.T) {
	config := fastConfig()

	var hooked []int
	config.OnRetry = func(attempt int, err error, delay time.Duration) {
		hooked = append(hooked, attempt)
		if err == nil {
			t.Error("Expected the hook to carry the attempt error")
		}
		if delay <= 0 {
			t.Errorf("Expected a positive delay, got %v", delay)
		}
	}

	_ = Retry(context.Background(), config, func() error {
		return errors.New("failing")
	})

	// 3 attempts leave 2 sleeps between them.
	if len(hooked) != 2 {
		t.Fatalf("Expected 2 hook calls, got %d", len(hooked))
	}
	if hooked[0] != 1 || hooked[1] != 2 {
		t.Errorf("Expected hooks after attempts 1 and 2, got %v", hooked)
	}
}

// TestBackoffDelayProgression tests the exponential schedule and its cap
func TestBackoffDelayProgression(t *testing.T) {
	config := fastConfig() // 5ms initial, x2, capped at 50ms, no jitter

	testCases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 5 * time.Millisecond},
		{2, 10 * time.Millisecond},
		{3, 20 * time.Millisecond},
		{4, 40 * time.Millisecond},
		{5, 50 * time.Millisecond},
		{9, 50 * time.Millisecond},
	}
	for _, tc := range testCases {
		if got := backoffDelay(config, tc.attempt); got != tc.want {
			t.Errorf("attempt %d: expected %v, got %v", tc.attempt, tc.want, got)
		}
	}
}

// TestBackoffDelayJitterBounds tests jitter stays within 10% of the base
func TestBackoffDelayJitterBounds(t *testing.T) {
	config := fastConfig()
	config.JitterEnabled = true

	base := config.InitialDelay
	for i := 0; i < 50; i++ {
		d := backoffDelay(config, 1)
		if d < base || d > base+base/10 {
			t.Fatalf("Jitter out of bounds: %v", d)
		}
	}
}

// TestRetryWithCircuitBreaker tests the combined path counting rejections
func TestRetryWithCircuitBreaker(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:        "test",
		MaxFailures: 2,
	})

	config := fastConfig()
	config.MaxAttempts = 4

	calls := 0
	err := RetryWithCircuitBreaker(context.Background(), config, cb, func() error {
		calls++
		return errors.New("backend down")
	})

	if err == nil {
		t.Fatal("Expected failure")
	}
	// Breaker opens after 2 failures; remaining attempts are rejected
	// without reaching the function.
	if calls != 2 {
		t.Errorf("Expected 2 executed calls before the breaker opened, got %d", calls)
	}
	if cb.State() != StateOpen {
		t.Errorf("Expected open breaker, got %s", cb.State())
	}
}
