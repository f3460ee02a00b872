package resilience

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/praxisworks/praxis/core"
)

// Circuit breaker states
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half-open"
)

// CircuitBreakerConfig configures the counting circuit breaker
type CircuitBreakerConfig struct {
	// Name identifies the breaker in logs
	Name string

	// MaxFailures is the consecutive failure count that opens the circuit
	MaxFailures int

	// RecoveryTime is how long the circuit stays open before probing
	RecoveryTime time.Duration

	// HalfOpenMax is the number of successful probes required to close
	HalfOpenMax int

	// Logger for state transitions. Nil disables logging.
	Logger core.Logger
}

// CircuitBreaker is a counting breaker protecting a single downstream
// resource such as a Redis connection or event subscription. Consecutive
// failures open the circuit; after RecoveryTime it admits probe requests
// and closes again once enough of them succeed.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	state           atomic.Value // string
	failures        atomic.Int64
	successes       atomic.Int64
	lastFailureTime atomic.Value // time.Time

	mu sync.Mutex
}

// NewCircuitBreaker creates a breaker with defaults applied
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.MaxFailures == 0 {
		config.MaxFailures = 10
	}
	if config.RecoveryTime == 0 {
		config.RecoveryTime = 30 * time.Second
	}
	if config.HalfOpenMax == 0 {
		config.HalfOpenMax = 5
	}

	cb := &CircuitBreaker{config: config}
	cb.state.Store(StateClosed)
	cb.lastFailureTime.Store(time.Time{})
	return cb
}

// CanExecute reports whether a request would be admitted right now.
func (cb *CircuitBreaker) CanExecute() bool {
	if cb == nil {
		return true
	}

	switch cb.State() {
	case StateOpen:
		lastFailure, _ := cb.lastFailureTime.Load().(time.Time)
		if !lastFailure.IsZero() && time.Since(lastFailure) > cb.config.RecoveryTime {
			cb.mu.Lock()
			if cb.state.Load().(string) == StateOpen {
				cb.state.Store(StateHalfOpen)
				cb.successes.Store(0)
				if cb.config.Logger != nil {
					cb.config.Logger.Info("Circuit breaker entering half-open state", map[string]interface{}{
						"operation":     "circuit_half_open",
						"breaker":       cb.config.Name,
						"recovery_wait": cb.config.RecoveryTime.String(),
						"max_probes":    cb.config.HalfOpenMax,
					})
				}
			}
			cb.mu.Unlock()
			return true
		}
		return false

	case StateHalfOpen:
		return cb.successes.Load() < int64(cb.config.HalfOpenMax)

	default:
		return true
	}
}

// RecordSuccess records a successful operation. Enough successes in
// half-open close the circuit; in closed state the failure count resets.
func (cb *CircuitBreaker) RecordSuccess() {
	if cb == nil {
		return
	}

	cb.successes.Add(1)

	switch cb.State() {
	case StateHalfOpen:
		if cb.successes.Load() >= int64(cb.config.HalfOpenMax) {
			cb.mu.Lock()
			if cb.state.Load().(string) == StateHalfOpen {
				cb.state.Store(StateClosed)
				cb.failures.Store(0)
				if cb.config.Logger != nil {
					cb.config.Logger.Info("Circuit breaker closed after recovery", map[string]interface{}{
						"operation": "circuit_closed",
						"breaker":   cb.config.Name,
					})
				}
			}
			cb.mu.Unlock()
		}
	case StateClosed:
		cb.failures.Store(0)
	}
}

// RecordFailure records a failed operation and opens the circuit once the
// threshold is crossed.
func (cb *CircuitBreaker) RecordFailure() {
	if cb == nil {
		return
	}

	failures := cb.failures.Add(1)
	cb.lastFailureTime.Store(time.Now())

	if failures >= int64(cb.config.MaxFailures) {
		cb.mu.Lock()
		if cb.state.Load().(string) != StateOpen {
			previousState := cb.state.Load().(string)
			cb.state.Store(StateOpen)
			cb.successes.Store(0)
			if cb.config.Logger != nil {
				cb.config.Logger.Warn("Circuit breaker opened", map[string]interface{}{
					"operation":      "circuit_opened",
					"breaker":        cb.config.Name,
					"previous_state": previousState,
					"failure_count":  failures,
					"max_failures":   cb.config.MaxFailures,
					"recovery_time":  cb.config.RecoveryTime.String(),
				})
			}
		}
		cb.mu.Unlock()
	}

	if cb.State() == StateHalfOpen {
		// A failed probe sends the circuit straight back to open.
		cb.mu.Lock()
		if cb.state.Load().(string) == StateHalfOpen {
			cb.state.Store(StateOpen)
			cb.successes.Store(0)
		}
		cb.mu.Unlock()
	}
}

// Execute runs fn with breaker protection.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !cb.CanExecute() {
		return core.ErrCircuitBreakerOpen
	}

	if err := fn(); err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// State returns the current state string.
func (cb *CircuitBreaker) State() string {
	if cb == nil {
		return "disabled"
	}
	return cb.state.Load().(string)
}

// Reset returns the breaker to closed and clears its counters.
func (cb *CircuitBreaker) Reset() {
	if cb == nil {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state.Store(StateClosed)
	cb.failures.Store(0)
	cb.successes.Store(0)
	cb.lastFailureTime.Store(time.Time{})
}
