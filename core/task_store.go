package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// TaskStore persists task documents, step mutations, the finding log and the
// version lineage. All mutations are atomic per task; concurrent updaters
// race on the document's Revision counter and the loser receives
// ErrTaskConflict, after which it must reload and re-decide.
type TaskStore interface {
	// CreateTask persists a new task after validating the plan DAG.
	// Returns an error wrapping ErrPlanInvalid on a structural defect and
	// one wrapping ErrTaskConflict when the id already exists.
	CreateTask(ctx context.Context, task *Task) error

	// GetTask retrieves a committed task snapshot.
	// Returns ErrTaskNotFound if the task doesn't exist.
	GetTask(ctx context.Context, taskID string) (*Task, error)

	// UpdateTask merges top-level fields into the task. Terminal tasks
	// reject everything except the SupersededBy link.
	UpdateTask(ctx context.Context, taskID string, patch TaskPatch) (*Task, error)

	// UpdateStep merges fields into one step. A step already in a terminal
	// status rejects the write with ErrStepTerminal unless the task has
	// been superseded.
	UpdateStep(ctx context.Context, taskID, stepID string, patch StepPatch) (*Task, error)

	// AppendFinding appends to the task's finding log.
	AppendFinding(ctx context.Context, taskID string, finding *Finding) error

	// ListByUser returns tasks owned by the user, optionally filtered by
	// status, newest first.
	ListByUser(ctx context.Context, userID string, status *TaskStatus, limit int) ([]*Task, error)

	// VersionHistory walks the parent_task_id chain starting at taskID and
	// returns the lineage, newest first.
	VersionHistory(ctx context.Context, taskID string, limit int) ([]*Task, error)

	// DeleteTask removes a task and everything it owns.
	DeleteTask(ctx context.Context, taskID string) error
}

// TaskPatch is a partial merge of top-level task fields. Nil pointers leave
// the field untouched; Metadata entries are merged key-wise.
type TaskPatch struct {
	Status           *TaskStatus
	CurrentStep      *int
	MaxParallelSteps *int
	Metadata         map[string]interface{}
	SupersededBy     *string
	CompletedAt      *time.Time
}

// Apply merges the patch into the task. Callers are responsible for
// terminal-state checks; Apply itself is unconditional.
func (p TaskPatch) Apply(t *Task) {
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.CurrentStep != nil {
		t.CurrentStep = *p.CurrentStep
	}
	if p.MaxParallelSteps != nil {
		t.MaxParallelSteps = *p.MaxParallelSteps
	}
	if len(p.Metadata) > 0 {
		if t.Metadata == nil {
			t.Metadata = make(map[string]interface{}, len(p.Metadata))
		}
		for k, v := range p.Metadata {
			t.Metadata[k] = v
		}
	}
	if p.SupersededBy != nil {
		t.SupersededBy = *p.SupersededBy
	}
	if p.CompletedAt != nil {
		t.CompletedAt = p.CompletedAt
	}
}

// StepPatch is a partial merge of step fields. Inputs are merged key-wise
// (fallback rebinding touches single keys); the remaining maps are replaced
// wholesale. CheckpointRequired is cleared once a gate resolves so a retry
// of the same step never re-gates.
type StepPatch struct {
	Status             *StepStatus
	Error              *string
	Inputs             map[string]interface{}
	InputsOverride     map[string]interface{}
	CheckpointInputs   map[string]interface{}
	Outputs            map[string]interface{}
	RetryCount         *int
	Fallback           *FallbackConfig
	CheckpointRequired *bool
	StartedAt          *time.Time
	CompletedAt        *time.Time
	DurationSeconds    *float64
}

// Apply merges the patch into the step.
func (p StepPatch) Apply(s *Step) {
	if p.Status != nil {
		s.Status = *p.Status
	}
	if p.Error != nil {
		s.Error = *p.Error
	}
	if len(p.Inputs) > 0 {
		if s.Inputs == nil {
			s.Inputs = make(map[string]interface{}, len(p.Inputs))
		}
		for k, v := range p.Inputs {
			s.Inputs[k] = v
		}
	}
	if p.InputsOverride != nil {
		s.InputsOverride = p.InputsOverride
	}
	if p.CheckpointInputs != nil {
		s.CheckpointInputs = p.CheckpointInputs
	}
	if p.Outputs != nil {
		s.Outputs = p.Outputs
	}
	if p.RetryCount != nil {
		s.RetryCount = *p.RetryCount
	}
	if p.Fallback != nil {
		s.Fallback = p.Fallback
	}
	if p.CheckpointRequired != nil {
		s.CheckpointRequired = *p.CheckpointRequired
	}
	if p.StartedAt != nil {
		s.StartedAt = p.StartedAt
	}
	if p.CompletedAt != nil {
		s.CompletedAt = p.CompletedAt
	}
	if p.DurationSeconds != nil {
		s.DurationSeconds = *p.DurationSeconds
	}
}

// CopyTask returns a deep copy of the task via a JSON round trip. Stores use
// it to keep returned snapshots isolated from their internal state; the
// trigger binding uses it to clone template tasks.
func CopyTask(t *Task) (*Task, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("copy task %s: %w", t.ID, err)
	}
	var out Task
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("copy task %s: %w", t.ID, err)
	}
	return &out, nil
}
