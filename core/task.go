// Package core provides the task document model and the contracts shared by
// every engine package.
//
// This file defines the durable task document: a DAG of typed steps, the
// append-only finding log, checkpoint and trigger configuration, and the
// version lineage produced by strategic replans. The task document is the
// source of truth for one execution; everything the scheduler, step runner,
// checkpoint coordinator and failure controller decide is derived from it and
// written back through the TaskStore.
//
// # Architecture Overview
//
// The task system consists of:
//   - Task: the persistent document (steps, findings, lineage, status)
//   - Step: one DAG node bound to a capability by agent_type (+ domain)
//   - Finding: append-only observation record produced by handlers
//   - TaskStore: persistence contract (Redis-backed by default)
//
// # Distributed Tracing
//
// The Task struct includes TraceID and ParentSpanID fields to preserve
// distributed trace context across dispatch boundaries. The orchestrator
// restores this context using telemetry.StartLinkedSpan().
package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ═══════════════════════════════════════════════════════════════════════════
// Defaults
// ═══════════════════════════════════════════════════════════════════════════

const (
	// DefaultMaxParallelSteps caps simultaneous step executions per task.
	DefaultMaxParallelSteps = 5

	// DefaultMaxRetries is the per-step retry budget applied when a step
	// declares none.
	DefaultMaxRetries = 3

	// DefaultCheckpointTimeoutMinutes is how long a pending checkpoint waits
	// for a human decision before expiring (48 hours).
	DefaultCheckpointTimeoutMinutes = 2880
)

// ═══════════════════════════════════════════════════════════════════════════
// Status Enums
// ═══════════════════════════════════════════════════════════════════════════

// TaskStatus represents the lifecycle state of a task document.
type TaskStatus string

const (
	// TaskStatusPlanning indicates the plan is still being produced.
	TaskStatusPlanning TaskStatus = "planning"

	// TaskStatusReady indicates the plan is accepted and waiting to start.
	TaskStatusReady TaskStatus = "ready"

	// TaskStatusExecuting indicates steps are being dispatched.
	TaskStatusExecuting TaskStatus = "executing"

	// TaskStatusPaused indicates execution is suspended by request.
	TaskStatusPaused TaskStatus = "paused"

	// TaskStatusCheckpoint indicates execution is gated on a human decision.
	TaskStatusCheckpoint TaskStatus = "checkpoint"

	// TaskStatusCompleted indicates every step reached done or skipped.
	TaskStatusCompleted TaskStatus = "completed"

	// TaskStatusFailed indicates an unrecovered critical failure.
	TaskStatusFailed TaskStatus = "failed"

	// TaskStatusCancelled indicates the user cancelled the task.
	TaskStatusCancelled TaskStatus = "cancelled"

	// TaskStatusSuperseded indicates a replan replaced this task. The
	// successor is referenced by SupersededBy.
	TaskStatusSuperseded TaskStatus = "superseded"
)

// IsTerminal returns true for completed, failed, cancelled and superseded.
// A terminal task is immutable except for the SupersededBy link.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled, TaskStatusSuperseded:
		return true
	}
	return false
}

// StepStatus represents the execution state of a single step.
type StepStatus string

const (
	// StepStatusPending indicates the step has not been dispatched.
	StepStatusPending StepStatus = "pending"

	// StepStatusRunning indicates a step runner is executing the step.
	StepStatusRunning StepStatus = "running"

	// StepStatusDone indicates the step completed and recorded outputs.
	StepStatusDone StepStatus = "done"

	// StepStatusFailed indicates the step failed and recovery was exhausted
	// or is pending.
	StepStatusFailed StepStatus = "failed"

	// StepStatusCheckpoint indicates the step is gated on a human decision.
	StepStatusCheckpoint StepStatus = "checkpoint"

	// StepStatusSkipped indicates a non-critical step was skipped; dependents
	// treat it as satisfied.
	StepStatusSkipped StepStatus = "skipped"

	// StepStatusExpanded indicates the step was replaced by a dynamic
	// fan-out; dependents treat it as satisfied.
	StepStatusExpanded StepStatus = "expanded"
)

// IsTerminal returns true for done, failed and skipped. Checkpoint is a gate,
// not a terminal state: an approved step returns to pending.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusDone || s == StepStatusFailed || s == StepStatusSkipped
}

// SatisfiesDependency returns true when a dependent step may treat this
// status as completed.
func (s StepStatus) SatisfiesDependency() bool {
	return s == StepStatusDone || s == StepStatusSkipped || s == StepStatusExpanded
}

// FailurePolicy governs how a parallel group reacts to a member failing.
type FailurePolicy string

const (
	// FailurePolicyAllOrNothing fails the whole group when any member fails.
	// Siblings that already completed keep their outputs.
	FailurePolicyAllOrNothing FailurePolicy = "all_or_nothing"

	// FailurePolicyBestEffort lets remaining members continue; non-critical
	// failures are not escalated to the task.
	FailurePolicyBestEffort FailurePolicy = "best_effort"

	// FailurePolicyFailFast cancels in-flight siblings on the first failure.
	FailurePolicyFailFast FailurePolicy = "fail_fast"
)

// ═══════════════════════════════════════════════════════════════════════════
// Checkpoint and Trigger Configuration
// ═══════════════════════════════════════════════════════════════════════════

// ApprovalType selects how a checkpoint resolves.
type ApprovalType string

const (
	// ApprovalExplicit requires a human decision.
	ApprovalExplicit ApprovalType = "explicit"

	// ApprovalTimeout behaves like explicit but documents that expiry is the
	// expected path.
	ApprovalTimeout ApprovalType = "timeout"

	// ApprovalAuto approves immediately without consulting preferences.
	ApprovalAuto ApprovalType = "auto"
)

// CheckpointType selects the interaction shape of a checkpoint.
type CheckpointType string

const (
	// CheckpointApproval is a binary approve/reject gate.
	CheckpointApproval CheckpointType = "approval"

	// CheckpointInput collects user-supplied fields described by InputSchema.
	CheckpointInput CheckpointType = "input"

	// CheckpointModify lets the user rewrite whitelisted step inputs.
	CheckpointModify CheckpointType = "modify"

	// CheckpointSelect lets the user pick one of the listed alternatives.
	CheckpointSelect CheckpointType = "select"

	// CheckpointQA collects answers to a list of questions.
	CheckpointQA CheckpointType = "qa"
)

// CheckpointConfig declares a human gate on a step.
type CheckpointConfig struct {
	// Name is the short label shown to the approver.
	Name string `json:"name"`

	// Description explains what is being approved.
	Description string `json:"description,omitempty"`

	// PreviewFields whitelists step-input fields shown to the user.
	PreviewFields []string `json:"preview_fields,omitempty"`

	// ApprovalType selects explicit, timeout or auto resolution.
	ApprovalType ApprovalType `json:"approval_type,omitempty"`

	// TimeoutMinutes bounds how long the gate stays pending.
	// Zero uses DefaultCheckpointTimeoutMinutes.
	TimeoutMinutes int `json:"timeout_minutes,omitempty"`

	// PreferenceKey enables auto-approval lookup in the preference store.
	PreferenceKey string `json:"preference_key,omitempty"`

	// LearnPreference records the decision as a preference when resolved.
	LearnPreference bool `json:"learn_preference,omitempty"`

	// CheckpointType selects the interaction shape. Defaults to approval.
	CheckpointType CheckpointType `json:"checkpoint_type,omitempty"`

	// InputSchema is a JSON-Schema document describing the fields an INPUT
	// checkpoint collects.
	InputSchema map[string]interface{} `json:"input_schema,omitempty"`

	// ModifiableFields whitelists the step-input keys a MODIFY checkpoint
	// may rewrite.
	ModifiableFields []string `json:"modifiable_fields,omitempty"`

	// Alternatives is the ordered option list for a SELECT checkpoint.
	Alternatives []map[string]interface{} `json:"alternatives,omitempty"`

	// Questions is the prompt list for a QA checkpoint.
	Questions []string `json:"questions,omitempty"`

	// ContextData is free-form material shown to the user.
	ContextData map[string]interface{} `json:"context_data,omitempty"`
}

// Timeout returns the configured gate timeout as a duration.
func (c *CheckpointConfig) Timeout() time.Duration {
	minutes := c.TimeoutMinutes
	if minutes <= 0 {
		minutes = DefaultCheckpointTimeoutMinutes
	}
	return time.Duration(minutes) * time.Minute
}

// Type returns the checkpoint type, defaulting to approval.
func (c *CheckpointConfig) Type() CheckpointType {
	if c.CheckpointType == "" {
		return CheckpointApproval
	}
	return c.CheckpointType
}

// TriggerConfig maps external events to cloned task instances. It is stored
// under task.Metadata["trigger"].
type TriggerConfig struct {
	// Type names the trigger kind (informational).
	Type string `json:"type,omitempty"`

	// EventPattern is a glob over the event type, matched per dot-separated
	// segment ("file.*" matches "file.created").
	EventPattern string `json:"event_pattern"`

	// SourceFilter, when set, must prefix the event source.
	SourceFilter string `json:"source_filter,omitempty"`

	// Condition is a minimal JSONLogic expression evaluated against the
	// event. Nil means always true.
	Condition map[string]interface{} `json:"condition,omitempty"`

	// Enabled gates the trigger without deleting it.
	Enabled bool `json:"enabled"`
}

// MetadataKeyTrigger and MetadataKeyTriggerEvent are the well-known metadata
// keys for trigger configuration and injected event payloads.
const (
	MetadataKeyTrigger      = "trigger"
	MetadataKeyTriggerEvent = "trigger_event"
)

// ═══════════════════════════════════════════════════════════════════════════
// Fallback Configuration
// ═══════════════════════════════════════════════════════════════════════════

// FallbackOption is one alternative binding consumed during recovery.
// Non-empty fields are merged into the step inputs when the option is used.
type FallbackOption struct {
	Model    string `json:"model,omitempty"`
	API      string `json:"api,omitempty"`
	Strategy string `json:"strategy,omitempty"`
}

// FallbackConfig lists ordered alternatives consumed left-to-right when a
// step fails. Consumed tracks the next unused option.
type FallbackConfig struct {
	Options []FallbackOption `json:"options"`

	// RetrySafe opts a non-idempotent handler into retry and fallback
	// re-dispatch. Without it, non-idempotent failures are never retried.
	RetrySafe bool `json:"retry_safe,omitempty"`

	// Consumed is the count of options already used.
	Consumed int `json:"consumed,omitempty"`
}

// Next returns the next unused option, or nil when exhausted.
func (f *FallbackConfig) Next() *FallbackOption {
	if f == nil || f.Consumed >= len(f.Options) {
		return nil
	}
	return &f.Options[f.Consumed]
}

// ═══════════════════════════════════════════════════════════════════════════
// Step
// ═══════════════════════════════════════════════════════════════════════════

// Step is one node of a task's DAG, bound to a capability by AgentType and
// optional Domain. Dependencies refer to earlier-declared step ids only.
type Step struct {
	// ID is unique within the task.
	ID string `json:"id"`

	// Name is the human label shown in the execution tree.
	Name string `json:"name"`

	// Description explains the step's intent.
	Description string `json:"description,omitempty"`

	// AgentType is the logical capability name.
	AgentType string `json:"agent_type"`

	// Domain optionally disambiguates capabilities sharing an agent type.
	Domain string `json:"domain,omitempty"`

	// Inputs are the declared step inputs. Values may reference prior step
	// outputs as "${<step_id>.outputs.<field>}" and trigger payloads as
	// "${trigger_event.<path>}"; references resolve at dispatch time.
	Inputs map[string]interface{} `json:"inputs,omitempty"`

	// InputsOverride is applied over Inputs after a MODIFY checkpoint.
	InputsOverride map[string]interface{} `json:"inputs_override,omitempty"`

	// CheckpointInputs holds the fields collected by an INPUT checkpoint.
	CheckpointInputs map[string]interface{} `json:"checkpoint_inputs,omitempty"`

	// DeclaredOutputs names the output fields the capability promises.
	DeclaredOutputs map[string]interface{} `json:"declared_outputs,omitempty"`

	// Outputs are the recorded handler outputs after a successful run.
	Outputs map[string]interface{} `json:"outputs,omitempty"`

	// Dependencies lists predecessor step ids. Every entry must refer to an
	// earlier-declared step.
	Dependencies []string `json:"dependencies,omitempty"`

	// ParallelGroup marks steps that may be dispatched concurrently. Empty
	// means the step forms a singleton group.
	ParallelGroup string `json:"parallel_group,omitempty"`

	// IsCritical escalates failures when true. Nil means true.
	IsCritical *bool `json:"is_critical,omitempty"`

	// MaxRetries is the retry budget. Zero uses DefaultMaxRetries; a
	// negative value disables retries.
	MaxRetries int `json:"max_retries,omitempty"`

	// RetryCount is the cumulative number of retries already spent.
	RetryCount int `json:"retry_count,omitempty"`

	// FailurePolicy governs the parallel group this step belongs to.
	FailurePolicy FailurePolicy `json:"failure_policy,omitempty"`

	// Fallback lists alternative bindings consumed during recovery.
	Fallback *FallbackConfig `json:"fallback_config,omitempty"`

	// CheckpointRequired gates dispatch on the checkpoint coordinator.
	CheckpointRequired bool `json:"checkpoint_required,omitempty"`

	// Checkpoint configures the gate when CheckpointRequired is set.
	Checkpoint *CheckpointConfig `json:"checkpoint_config,omitempty"`

	// Status is the current execution state.
	Status StepStatus `json:"status"`

	// Error holds the most recent failure message.
	Error string `json:"error,omitempty"`

	// StartedAt is when the most recent run began.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt is when the step reached a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// DurationSeconds is the execution time of the most recent run.
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
}

// Critical reports whether a failure of this step escalates. Steps are
// critical unless they opt out.
func (s *Step) Critical() bool {
	if s.IsCritical == nil {
		return true
	}
	return *s.IsCritical
}

// RetryBudget returns the effective retry budget for this step.
func (s *Step) RetryBudget() int {
	if s.MaxRetries == 0 {
		return DefaultMaxRetries
	}
	if s.MaxRetries < 0 {
		return 0
	}
	return s.MaxRetries
}

// ═══════════════════════════════════════════════════════════════════════════
// Finding
// ═══════════════════════════════════════════════════════════════════════════

const (
	// FindingTypeReplan marks findings written by the engine when a
	// strategic replan supersedes a task.
	FindingTypeReplan = "replan"

	// FindingTypeProgress marks partial progress reported by a handler
	// while its step is still running.
	FindingTypeProgress = "progress"

	// FindingTypeWarning marks engine warnings, such as outputs carrying
	// fields the capability never declared.
	FindingTypeWarning = "warning"
)

// Finding is an append-only observation produced by a handler or by the
// engine itself. Findings are the only channel by which handler output
// survives beyond a single step when not explicitly consumed.
type Finding struct {
	ID        string    `json:"id"`
	StepID    string    `json:"step_id"`
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// NewFinding creates a finding with a fresh id and the current time.
func NewFinding(stepID, findingType, content string) *Finding {
	return &Finding{
		ID:        fmt.Sprintf("fnd-%s", uuid.New().String()[:16]),
		StepID:    stepID,
		Type:      findingType,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Task
// ═══════════════════════════════════════════════════════════════════════════

// Task is the durable document for one execution: identity, intent, the step
// DAG, the finding log, lineage links and timing. Version is 1 for an
// original task; each replan produces a successor with version parent+1.
type Task struct {
	ID             string `json:"id"`
	Version        int    `json:"version"`
	ParentTaskID   string `json:"parent_task_id,omitempty"`
	SupersededBy   string `json:"superseded_by,omitempty"`
	UserID         string `json:"user_id"`
	OrganizationID string `json:"organization_id,omitempty"`

	// Goal is the natural-language intent the plan was produced from.
	Goal            string                 `json:"goal"`
	Constraints     map[string]interface{} `json:"constraints,omitempty"`
	SuccessCriteria []string               `json:"success_criteria,omitempty"`

	Status TaskStatus `json:"status"`

	// CurrentStep is an advisory cursor; true readiness is computed from
	// step statuses.
	CurrentStep int `json:"current_step,omitempty"`

	// MaxParallelSteps caps simultaneous step executions. Zero uses
	// DefaultMaxParallelSteps.
	MaxParallelSteps int `json:"max_parallel_steps,omitempty"`

	// TreeID names the execution-tree projection for observers.
	TreeID string `json:"tree_id,omitempty"`

	// Metadata is free-form. Well-known keys: "trigger" (TriggerConfig) and
	// "trigger_event" (injected event payload on cloned instances).
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	Steps    []*Step    `json:"steps"`
	Findings []*Finding `json:"accumulated_findings,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// TraceID and ParentSpanID preserve the submitting request's trace chain
	// across dispatch boundaries (restored via telemetry.StartLinkedSpan).
	TraceID      string `json:"trace_id,omitempty"`
	ParentSpanID string `json:"parent_span_id,omitempty"`

	// Revision is the optimistic-concurrency counter. Every committed write
	// increments it; a compare-and-swap loser returns ErrTaskConflict.
	Revision int64 `json:"revision"`
}

// NewTask creates a task document with a fresh id, version 1 and status
// planning.
func NewTask(userID, orgID, goal string) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:               fmt.Sprintf("task-%s", uuid.New().String()),
		Version:          1,
		UserID:           userID,
		OrganizationID:   orgID,
		Goal:             goal,
		Status:           TaskStatusPlanning,
		MaxParallelSteps: DefaultMaxParallelSteps,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// Step returns the step with the given id.
func (t *Task) Step(id string) (*Step, bool) {
	for _, s := range t.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}

// ParallelCap returns the effective concurrency cap for this task.
func (t *Task) ParallelCap() int {
	if t.MaxParallelSteps <= 0 {
		return DefaultMaxParallelSteps
	}
	return t.MaxParallelSteps
}

// RunningCount returns the number of steps currently in running status.
func (t *Task) RunningCount() int {
	n := 0
	for _, s := range t.Steps {
		if s.Status == StepStatusRunning {
			n++
		}
	}
	return n
}

// IsTerminal reports whether the task has reached a terminal status.
func (t *Task) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// Trigger decodes the trigger configuration from Metadata, if present.
func (t *Task) Trigger() (*TriggerConfig, bool) {
	raw, ok := t.Metadata[MetadataKeyTrigger]
	if !ok || raw == nil {
		return nil, false
	}
	switch v := raw.(type) {
	case *TriggerConfig:
		return v, true
	case TriggerConfig:
		return &v, true
	case map[string]interface{}:
		cfg := &TriggerConfig{}
		if s, ok := v["type"].(string); ok {
			cfg.Type = s
		}
		if s, ok := v["event_pattern"].(string); ok {
			cfg.EventPattern = s
		}
		if s, ok := v["source_filter"].(string); ok {
			cfg.SourceFilter = s
		}
		if c, ok := v["condition"].(map[string]interface{}); ok {
			cfg.Condition = c
		}
		if b, ok := v["enabled"].(bool); ok {
			cfg.Enabled = b
		}
		return cfg, true
	}
	return nil, false
}

// Validate enforces structural plan correctness at acceptance time: step ids
// are unique, every dependency refers to an earlier-declared step, and the
// graph is acyclic.
func (t *Task) Validate() error {
	if len(t.Steps) == 0 {
		return fmt.Errorf("%w: task has no steps", ErrPlanInvalid)
	}

	declared := make(map[string]int, len(t.Steps))
	for i, s := range t.Steps {
		if s.ID == "" {
			return fmt.Errorf("%w: step %d has no id", ErrPlanInvalid, i)
		}
		if _, dup := declared[s.ID]; dup {
			return fmt.Errorf("%w: duplicate step id %q", ErrPlanInvalid, s.ID)
		}
		declared[s.ID] = i
	}

	for i, s := range t.Steps {
		for _, dep := range s.Dependencies {
			pos, ok := declared[dep]
			if !ok {
				return fmt.Errorf("%w: step %q depends on unknown step %q", ErrPlanInvalid, s.ID, dep)
			}
			if pos >= i {
				return fmt.Errorf("%w: step %q depends on later-declared step %q", ErrPlanInvalid, s.ID, dep)
			}
		}
	}

	// Earlier-declared dependencies cannot form a cycle, but documents built
	// by hand may bypass declaration order. Walk the graph anyway.
	const (
		unvisited = 0
		visiting  = 1
		visited   = 2
	)
	state := make(map[string]int, len(t.Steps))
	adjacency := make(map[string][]string, len(t.Steps))
	for _, s := range t.Steps {
		adjacency[s.ID] = s.Dependencies
	}

	var walk func(id string) error
	walk = func(id string) error {
		state[id] = visiting
		for _, dep := range adjacency[id] {
			switch state[dep] {
			case visiting:
				return fmt.Errorf("%w: cycle through step %q", ErrPlanInvalid, dep)
			case unvisited:
				if err := walk(dep); err != nil {
					return err
				}
			}
		}
		state[id] = visited
		return nil
	}

	for _, s := range t.Steps {
		if state[s.ID] == unvisited {
			if err := walk(s.ID); err != nil {
				return err
			}
		}
	}
	return nil
}
