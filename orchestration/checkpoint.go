// Package orchestration implements the execution engine: DAG scheduling,
// step running, checkpoint coordination, failure recovery, strategic replan,
// trigger binding and the Redis-backed stores behind them.
//
// The orchestrator is the sole mutator of a task document. Step runners and
// background sweeps report outcomes through channels; every durable write is
// funneled through the task store's compare-and-swap.
package orchestration

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/praxisworks/praxis/core"
)

// =============================================================================
// Checkpoint State Machine
// =============================================================================
//
// A checkpoint gates dispatch of one step on a human decision:
//
//	pending ──→ approved       (explicit user decision)
//	        ──→ auto_approved  (learned preference, confidence ≥ 0.9)
//	        ──→ rejected       (user rejection; step and task fail)
//	        ──→ expired        (timeout sweep; step and task fail)
//
// Terminal statuses are final. A second decision against a terminal record
// returns ErrCheckpointDecided without altering state.
//
// =============================================================================

// CheckpointStatus represents the lifecycle state of a checkpoint record.
type CheckpointStatus string

const (
	// CheckpointStatusPending indicates the gate awaits a decision.
	CheckpointStatusPending CheckpointStatus = "pending"

	// CheckpointStatusApproved indicates a human approved the step.
	CheckpointStatusApproved CheckpointStatus = "approved"

	// CheckpointStatusAutoApproved indicates a learned preference approved
	// the step without pausing.
	CheckpointStatusAutoApproved CheckpointStatus = "auto_approved"

	// CheckpointStatusRejected indicates a human rejected the step.
	CheckpointStatusRejected CheckpointStatus = "rejected"

	// CheckpointStatusExpired indicates the gate timed out undecided.
	CheckpointStatusExpired CheckpointStatus = "expired"
)

// IsTerminal returns true once a decision (or expiry) is recorded.
func (s CheckpointStatus) IsTerminal() bool {
	return s != CheckpointStatusPending && s != ""
}

// Resolution is the user-supplied payload resolving a typed checkpoint.
// Exactly one of the typed fields is consulted, selected by the checkpoint's
// type; Feedback rides along on any decision.
type Resolution struct {
	// Inputs answers an INPUT checkpoint; validated against the record's
	// InputSchema and stored on the step as checkpoint_inputs.
	Inputs map[string]interface{} `json:"inputs,omitempty"`

	// ModifiedInputs answers a MODIFY checkpoint; keys must be a subset of
	// ModifiableFields and are stored as the step's inputs_override.
	ModifiedInputs map[string]interface{} `json:"modified_inputs,omitempty"`

	// SelectedAlternative answers a SELECT checkpoint by index.
	SelectedAlternative *int `json:"selected_alternative,omitempty"`

	// Answers answers a QA checkpoint, aligned with Questions by index.
	Answers []string `json:"answers,omitempty"`

	// Feedback is free-form commentary recorded with the decision.
	Feedback string `json:"feedback,omitempty"`
}

// CheckpointRecord is the durable state of one gate. It snapshots everything
// the approver needs (preview, context, the typed interaction shape) so the
// UI never has to load the task document.
type CheckpointRecord struct {
	ID     string `json:"id"`
	TaskID string `json:"task_id"`
	StepID string `json:"step_id"`
	UserID string `json:"user_id"`

	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// Type is the interaction shape (approval, input, modify, select, qa).
	Type core.CheckpointType `json:"checkpoint_type"`

	// ApprovalType records how the gate was configured to resolve.
	ApprovalType core.ApprovalType `json:"approval_type,omitempty"`

	Status CheckpointStatus `json:"status"`

	// Preview is the whitelisted snapshot shown to the approver:
	// agent_type, step_name and the configured preview fields.
	Preview map[string]interface{} `json:"preview,omitempty"`

	// ContextData is free-form material from the checkpoint config.
	ContextData map[string]interface{} `json:"context_data,omitempty"`

	// InputSchema, ModifiableFields, Alternatives and Questions carry the
	// typed interaction payloads copied from the step's checkpoint config.
	InputSchema      map[string]interface{}   `json:"input_schema,omitempty"`
	ModifiableFields []string                 `json:"modifiable_fields,omitempty"`
	Alternatives     []map[string]interface{} `json:"alternatives,omitempty"`
	Questions        []string                 `json:"questions,omitempty"`

	// PreferenceKey and LearnPreference mirror the step's checkpoint
	// config; PreferenceUsed marks an auto-approval from a stored
	// preference.
	PreferenceKey   string `json:"preference_key,omitempty"`
	LearnPreference bool   `json:"learn_preference,omitempty"`
	PreferenceUsed  bool   `json:"preference_used,omitempty"`

	// Resolution is the accepted payload, set when Status is terminal.
	Resolution *Resolution `json:"resolution,omitempty"`

	// DecidedBy names the resolving user; Reason records a rejection
	// reason.
	DecidedBy string `json:"decided_by,omitempty"`
	Reason    string `json:"reason,omitempty"`

	// Feedback is free-form commentary recorded with the decision.
	Feedback string `json:"feedback,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	DecidedAt *time.Time `json:"decided_at,omitempty"`

	// TraceID and SpanID preserve the gating trace for cross-trace links
	// when resolution arrives on a different request.
	TraceID string `json:"trace_id,omitempty"`
	SpanID  string `json:"span_id,omitempty"`
}

// NewCheckpointRecord builds a pending record from a step's checkpoint
// config. The defaultTimeout applies when the config carries no timeout.
func NewCheckpointRecord(task *core.Task, step *core.Step, cfg *core.CheckpointConfig, defaultTimeout time.Duration) *CheckpointRecord {
	now := time.Now().UTC()

	timeout := defaultTimeout
	if cfg.TimeoutMinutes > 0 {
		timeout = cfg.Timeout()
	}
	if timeout <= 0 {
		timeout = time.Duration(core.DefaultCheckpointTimeoutMinutes) * time.Minute
	}

	preview := map[string]interface{}{
		"agent_type": step.AgentType,
		"step_name":  step.Name,
	}
	for _, field := range cfg.PreviewFields {
		if v, ok := step.Inputs[field]; ok {
			preview[field] = v
		}
	}

	name := cfg.Name
	if name == "" {
		name = step.Name
	}

	return &CheckpointRecord{
		ID:               fmt.Sprintf("cp-%s", uuid.New().String()[:16]),
		TaskID:           task.ID,
		StepID:           step.ID,
		UserID:           task.UserID,
		Name:             name,
		Description:      cfg.Description,
		Type:             cfg.Type(),
		ApprovalType:     cfg.ApprovalType,
		Status:           CheckpointStatusPending,
		Preview:          preview,
		ContextData:      cfg.ContextData,
		InputSchema:      cfg.InputSchema,
		ModifiableFields: cfg.ModifiableFields,
		Alternatives:     cfg.Alternatives,
		Questions:        cfg.Questions,
		PreferenceKey:    cfg.PreferenceKey,
		LearnPreference:  cfg.LearnPreference,
		CreatedAt:        now,
		ExpiresAt:        now.Add(timeout),
	}
}

// WaitDuration returns how long the record sat undecided. Zero until a
// decision is recorded.
func (r *CheckpointRecord) WaitDuration() time.Duration {
	if r.DecidedAt == nil {
		return 0
	}
	return r.DecidedAt.Sub(r.CreatedAt)
}

// Expired reports whether a pending record is past its deadline.
func (r *CheckpointRecord) Expired(now time.Time) bool {
	return r.Status == CheckpointStatusPending && now.After(r.ExpiresAt)
}

// =============================================================================
// Store and Notification Contracts
// =============================================================================

// CheckpointFilter narrows ListPending. Zero values match everything.
type CheckpointFilter struct {
	UserID string
	TaskID string
}

// CheckpointStore persists checkpoint records. Decide is the only mutation
// path for resolutions so concurrent deciders serialize on the record; the
// loser of a terminal-status race receives ErrCheckpointDecided from its own
// decide callback on reload.
type CheckpointStore interface {
	// SaveCheckpoint persists a record, maintaining the pending index.
	SaveCheckpoint(ctx context.Context, record *CheckpointRecord) error

	// GetCheckpoint returns the record or core.ErrCheckpointNotFound.
	GetCheckpoint(ctx context.Context, checkpointID string) (*CheckpointRecord, error)

	// Decide atomically applies the callback to the current record and
	// persists the result. The callback runs against a private copy and
	// may be invoked more than once under contention; it must return
	// ErrCheckpointDecided when the record is already terminal.
	Decide(ctx context.Context, checkpointID string, decide func(*CheckpointRecord) error) (*CheckpointRecord, error)

	// ListPending returns pending records matching the filter, oldest
	// first.
	ListPending(ctx context.Context, filter CheckpointFilter) ([]*CheckpointRecord, error)

	// ClaimExpiry atomically claims an expired record for processing so
	// concurrent sweepers never double-fail a task. The claim auto-expires
	// after ttl.
	ClaimExpiry(ctx context.Context, checkpointID string, ttl time.Duration) (bool, error)

	// DeleteCheckpoint removes a record and its index entries.
	DeleteCheckpoint(ctx context.Context, checkpointID string) error
}

// CheckpointNotifier delivers best-effort notifications when a gate opens.
// Failures are logged and never block gating.
type CheckpointNotifier interface {
	NotifyCheckpoint(ctx context.Context, record *CheckpointRecord) error
}

// NotifierFunc adapts a plain function to CheckpointNotifier.
type NotifierFunc func(ctx context.Context, record *CheckpointRecord) error

// NotifyCheckpoint implements CheckpointNotifier.
func (f NotifierFunc) NotifyCheckpoint(ctx context.Context, record *CheckpointRecord) error {
	return f(ctx, record)
}

// NoOpNotifier discards notifications. It is the default when no notifier
// is configured.
type NoOpNotifier struct{}

// NotifyCheckpoint implements CheckpointNotifier.
func (NoOpNotifier) NotifyCheckpoint(ctx context.Context, record *CheckpointRecord) error {
	return nil
}
