package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/praxisworks/praxis/core"
)

// TestCircuitBreakerOpensAfterThreshold verifies closed -> open transition
func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "redis", MaxFailures: 3})

	if cb.State() != StateClosed {
		t.Fatalf("Expected closed initially, got %s", cb.State())
	}

	for i := 0; i < 3; i++ {
		if !cb.CanExecute() {
			t.Fatalf("Expected execution allowed at failure %d", i)
		}
		cb.RecordFailure()
	}

	if cb.State() != StateOpen {
		t.Errorf("Expected open after threshold, got %s", cb.State())
	}
	if cb.CanExecute() {
		t.Error("Open breaker must reject execution")
	}
}

// TestCircuitBreakerSuccessResetsFailures verifies failure counter reset
func TestCircuitBreakerSuccessResetsFailures(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "redis", MaxFailures: 3})

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	if cb.State() != StateClosed {
		t.Errorf("Interleaved successes must keep the circuit closed, got %s", cb.State())
	}
}

// TestCircuitBreakerRecovery verifies open -> half-open -> closed
func TestCircuitBreakerRecovery(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "redis",
		MaxFailures:  1,
		RecoveryTime: 20 * time.Millisecond,
		HalfOpenMax:  2,
	})

	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatalf("Expected open, got %s", cb.State())
	}

	time.Sleep(30 * time.Millisecond)

	// First check after recovery time transitions to half-open
	if !cb.CanExecute() {
		t.Fatal("Expected probe allowed after recovery time")
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("Expected half-open, got %s", cb.State())
	}

	cb.RecordSuccess()
	cb.RecordSuccess()

	if cb.State() != StateClosed {
		t.Errorf("Expected closed after successful probes, got %s", cb.State())
	}
}

// TestCircuitBreakerFailedProbeReopens verifies half-open -> open on failure
func TestCircuitBreakerFailedProbeReopens(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "redis",
		MaxFailures:  1,
		RecoveryTime: 10 * time.Millisecond,
		HalfOpenMax:  3,
	})

	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)

	if !cb.CanExecute() {
		t.Fatal("Expected probe allowed")
	}
	cb.RecordFailure()

	if cb.State() != StateOpen {
		t.Errorf("Failed probe must reopen the circuit, got %s", cb.State())
	}
}

// TestCircuitBreakerExecute verifies the Execute wrapper
func TestCircuitBreakerExecute(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "redis", MaxFailures: 1})

	err := cb.Execute(context.Background(), func() error { return nil })
	if err != nil {
		t.Errorf("Expected success, got %v", err)
	}

	_ = cb.Execute(context.Background(), func() error { return errors.New("down") })

	err = cb.Execute(context.Background(), func() error { return nil })
	if !errors.Is(err, core.ErrCircuitBreakerOpen) {
		t.Errorf("Expected ErrCircuitBreakerOpen from open breaker, got %v", err)
	}
}

// TestCircuitBreakerReset verifies manual reset
func TestCircuitBreakerReset(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "redis", MaxFailures: 1})
	cb.RecordFailure()

	cb.Reset()

	if cb.State() != StateClosed {
		t.Errorf("Expected closed after reset, got %s", cb.State())
	}
	if !cb.CanExecute() {
		t.Error("Reset breaker must allow execution")
	}
}

// TestNilCircuitBreakerIsTransparent verifies nil receiver behavior
func TestNilCircuitBreakerIsTransparent(t *testing.T) {
	var cb *CircuitBreaker
	if !cb.CanExecute() {
		t.Error("Nil breaker must allow execution")
	}
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.Reset()
	if cb.State() != "disabled" {
		t.Errorf("Expected disabled state for nil breaker, got %s", cb.State())
	}
}
