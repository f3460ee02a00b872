package core

import (
	"context"
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is().
// These are generic errors that can be wrapped with additional context.
var (
	// Task store errors
	ErrTaskNotFound = errors.New("task not found")
	ErrTaskConflict = errors.New("task write conflict")
	ErrTaskTerminal = errors.New("task is in a terminal state")
	ErrStepNotFound = errors.New("step not found")
	ErrStepTerminal = errors.New("step is in a terminal state")

	// Plan errors
	ErrPlanInvalid = errors.New("invalid plan")

	// Capability errors
	ErrCapabilityNotFound = errors.New("capability not found")

	// Checkpoint errors
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// Preference errors
	ErrPreferenceNotFound = errors.New("preference not found")

	// Infrastructure errors
	ErrStorageUnavailable   = errors.New("storage unavailable")
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrConnectionFailed     = errors.New("connection failed")

	// Resilience errors
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
)

// ═══════════════════════════════════════════════════════════════════════════
// Error Taxonomy
// ═══════════════════════════════════════════════════════════════════════════

// ErrorKind classifies a step failure for the failure controller. Kinds are
// stable strings persisted in task documents and findings.
type ErrorKind string

const (
	// Transient kinds; retry-safe by default.
	ErrorKindTimeout          ErrorKind = "timeout"
	ErrorKindRateLimit        ErrorKind = "rate_limit"
	ErrorKindTransientNetwork ErrorKind = "transient_network"

	// Recoverable via a MODIFY proposal.
	ErrorKindContentFilter        ErrorKind = "content_filter"
	ErrorKindInputValidationRecov ErrorKind = "input_validation_recoverable"

	// Structural kinds; never retried.
	ErrorKindCapabilityNotFound ErrorKind = "capability_not_found"
	ErrorKindInputInvalid       ErrorKind = "input_invalid"
	ErrorKindOutputInvalid      ErrorKind = "output_invalid"

	// ErrorKindNonIdempotent marks a failure of a handler with external side
	// effects; not retried unless the fallback config opts in.
	ErrorKindNonIdempotent ErrorKind = "non_idempotent_side_effect_failed"

	// ErrorKindCancelled is not a failure; the failure controller is never
	// consulted for it.
	ErrorKindCancelled ErrorKind = "cancelled"

	// ErrorKindExecutionLost is assigned when a step stuck in running is
	// reclassified after a crash.
	ErrorKindExecutionLost ErrorKind = "execution_lost"

	// ErrorKindInternal is an unexpected defect; treated as structural.
	ErrorKindInternal ErrorKind = "internal"
)

// Transient reports whether the kind is retry-safe by default.
func (k ErrorKind) Transient() bool {
	switch k {
	case ErrorKindTimeout, ErrorKindRateLimit, ErrorKindTransientNetwork:
		return true
	}
	return false
}

// Recoverable reports whether the kind is a candidate for a MODIFY proposal.
func (k ErrorKind) Recoverable() bool {
	return k == ErrorKindContentFilter || k == ErrorKindInputValidationRecov
}

// Structural reports whether the kind indicates the plan itself is wrong.
func (k ErrorKind) Structural() bool {
	switch k {
	case ErrorKindCapabilityNotFound, ErrorKindInputInvalid, ErrorKindOutputInvalid, ErrorKindInternal:
		return true
	}
	return false
}

// StepError is the value every handler failure is normalized to before the
// failure controller sees it. Handlers may return one directly to control
// classification; anything else passes through Classify.
type StepError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Detail  string    `json:"detail,omitempty"`
}

// Error implements the error interface.
func (e *StepError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Retryable reports whether the error is retry-safe by default.
func (e *StepError) Retryable() bool {
	return e.Kind.Transient()
}

// NewStepError creates a classified step error.
func NewStepError(kind ErrorKind, format string, args ...interface{}) *StepError {
	return &StepError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// AsStepError extracts a StepError from an error chain, normalizing context
// errors and unknown errors along the way. A nil error returns nil.
func AsStepError(err error) *StepError {
	if err == nil {
		return nil
	}
	var se *StepError
	if errors.As(err, &se) {
		return se
	}
	return &StepError{Kind: Classify(err), Message: err.Error()}
}

// Classify maps an arbitrary error to a kind. Deadline expiry becomes
// timeout, cancellation becomes cancelled, known sentinels map to their
// structural kinds, and everything else is internal.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorKindTimeout
	case errors.Is(err, context.Canceled):
		return ErrorKindCancelled
	case errors.Is(err, ErrCapabilityNotFound):
		return ErrorKindCapabilityNotFound
	case errors.Is(err, ErrStorageUnavailable), errors.Is(err, ErrConnectionFailed):
		return ErrorKindTransientNetwork
	}
	var se *StepError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ErrorKindInternal
}

// ═══════════════════════════════════════════════════════════════════════════
// Structured Engine Errors
// ═══════════════════════════════════════════════════════════════════════════

// EngineError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type EngineError struct {
	Op      string // Operation that failed (e.g., "task_store.Update")
	Kind    string // Error kind (e.g., "task", "checkpoint", "storage")
	ID      string // Optional id of the entity involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error.
func (e *EngineError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// NewEngineError creates a new EngineError.
func NewEngineError(op, kind string, err error) *EngineError {
	return &EngineError{Op: op, Kind: kind, Err: err}
}
