package orchestration

import (
	"errors"
	"fmt"

	"github.com/praxisworks/praxis/core"
)

// ErrCheckpointPending signals that dispatch of a step is gated on a human
// decision. It is a control-flow signal, not a failure: callers detect it
// with IsCheckpointPending and suspend the task instead of routing the step
// through failure handling.
type ErrCheckpointPending struct {
	// CheckpointID identifies the gate awaiting resolution.
	CheckpointID string

	// Checkpoint is the full pending record.
	Checkpoint *CheckpointRecord
}

// Error implements the error interface.
func (e *ErrCheckpointPending) Error() string {
	return fmt.Sprintf("execution gated on checkpoint %s", e.CheckpointID)
}

// NewCheckpointPending creates a gating signal from a pending record.
func NewCheckpointPending(record *CheckpointRecord) *ErrCheckpointPending {
	return &ErrCheckpointPending{
		CheckpointID: record.ID,
		Checkpoint:   record,
	}
}

// IsCheckpointPending checks if an error is a checkpoint gating signal.
func IsCheckpointPending(err error) bool {
	var pending *ErrCheckpointPending
	return errors.As(err, &pending)
}

// PendingCheckpoint extracts the checkpoint record from a gating signal.
// Returns nil if the error is not an ErrCheckpointPending.
func PendingCheckpoint(err error) *CheckpointRecord {
	var pending *ErrCheckpointPending
	if errors.As(err, &pending) {
		return pending.Checkpoint
	}
	return nil
}

// PendingCheckpointID extracts the checkpoint id from a gating signal.
// Returns empty string if the error is not an ErrCheckpointPending.
func PendingCheckpointID(err error) string {
	var pending *ErrCheckpointPending
	if errors.As(err, &pending) {
		return pending.CheckpointID
	}
	return ""
}

// ErrInvalidResolution reports a resolution payload that fails the
// checkpoint's validation rules. The checkpoint keeps its pending state.
type ErrInvalidResolution struct {
	// CheckpointType is the interaction shape being resolved.
	CheckpointType core.CheckpointType

	// Reason explains what the payload got wrong.
	Reason string
}

// Error implements the error interface.
func (e *ErrInvalidResolution) Error() string {
	return fmt.Sprintf("validation_failed: invalid %s resolution: %s", e.CheckpointType, e.Reason)
}

// IsInvalidResolution checks if an error is a resolution validation failure.
func IsInvalidResolution(err error) bool {
	var invalid *ErrInvalidResolution
	return errors.As(err, &invalid)
}

// ErrCheckpointDecided reports a second decision against a checkpoint that
// already reached a terminal status. The stored decision is not altered.
type ErrCheckpointDecided struct {
	// CheckpointID identifies the checkpoint.
	CheckpointID string

	// Status is the terminal status already recorded.
	Status CheckpointStatus
}

// Error implements the error interface.
func (e *ErrCheckpointDecided) Error() string {
	return fmt.Sprintf("checkpoint %s already decided (status: %s)", e.CheckpointID, e.Status)
}

// IsCheckpointDecided checks if an error is a terminal-decision conflict.
func IsCheckpointDecided(err error) bool {
	var decided *ErrCheckpointDecided
	return errors.As(err, &decided)
}
