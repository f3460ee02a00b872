package orchestration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/praxisworks/praxis/core"
	"github.com/praxisworks/praxis/telemetry"
)

// ============================================================================
// Checkpoint coordinator
// ============================================================================

// Preference learning constants. A fresh decision starts below the
// auto-approval threshold, so auto-approval only kicks in once the user has
// resolved the same gate the same way several times.
const (
	learnStartConfidence = 0.6
	learnConfidenceStep  = 0.1
)

// decidedBySystemPreference labels auto-approvals driven by a learned
// preference; decidedBySystemTimeout labels approvals granted when a
// timeout-type checkpoint expires; decidedBySystemPolicy labels checkpoints
// whose approval type is auto.
const (
	decidedBySystemPreference = "system:preference"
	decidedBySystemTimeout    = "system:timeout"
	decidedBySystemPolicy     = "system:policy"
)

// expiryClaimTTL is how long an expiry claim stays held. A sweep that dies
// mid-expiry releases the checkpoint for another instance after this long.
const expiryClaimTTL = 5 * time.Minute

// CheckpointCoordinator implements human-gated step dispatch: auto-approval
// from learned preferences, pending gates with notification, typed
// resolution and background expiration.
//
// The coordinator writes the task document through the task store, so its
// transitions ride the same optimistic concurrency as the rest of the
// engine.
type CheckpointCoordinator struct {
	tasks       core.TaskStore
	checkpoints CheckpointStore
	prefs       core.PreferenceStore
	notifier    CheckpointNotifier
	config      EngineConfig
	logger      core.Logger
}

// CoordinatorOption configures a CheckpointCoordinator.
type CoordinatorOption func(*CheckpointCoordinator)

// WithCoordinatorPreferences wires the preference store enabling
// auto-approval and learning.
func WithCoordinatorPreferences(prefs core.PreferenceStore) CoordinatorOption {
	return func(c *CheckpointCoordinator) {
		c.prefs = prefs
	}
}

// WithCoordinatorNotifier wires the checkpoint notification channel.
func WithCoordinatorNotifier(notifier CheckpointNotifier) CoordinatorOption {
	return func(c *CheckpointCoordinator) {
		c.notifier = notifier
	}
}

// WithCoordinatorConfig overrides the engine configuration.
func WithCoordinatorConfig(config EngineConfig) CoordinatorOption {
	return func(c *CheckpointCoordinator) {
		c.config = config.normalize()
	}
}

// WithCoordinatorLogger sets the coordinator's logger.
func WithCoordinatorLogger(logger core.Logger) CoordinatorOption {
	return func(c *CheckpointCoordinator) {
		if logger != nil {
			if cal, ok := logger.(core.ComponentAwareLogger); ok {
				c.logger = cal.WithComponent("praxis/orchestration")
			} else {
				c.logger = logger
			}
		}
	}
}

// NewCheckpointCoordinator creates a coordinator over the given stores.
func NewCheckpointCoordinator(tasks core.TaskStore, checkpoints CheckpointStore, opts ...CoordinatorOption) *CheckpointCoordinator {
	c := &CheckpointCoordinator{
		tasks:       tasks,
		checkpoints: checkpoints,
		notifier:    NoOpNotifier{},
		config:      DefaultEngineConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ============================================================================
// Gating
// ============================================================================

// Evaluate is consulted before a checkpoint-required step is dispatched. It
// returns the checkpoint record and whether the step may proceed now. When
// proceed is false the task has been parked in checkpoint status and a
// pending record awaits resolution.
func (c *CheckpointCoordinator) Evaluate(ctx context.Context, task *core.Task, step *core.Step) (*CheckpointRecord, bool, error) {
	cfg := step.Checkpoint
	if cfg == nil {
		cfg = &core.CheckpointConfig{}
	}

	// Approval type auto keeps the audit trail without ever gating.
	if cfg.ApprovalType == core.ApprovalAuto {
		record := c.newRecord(ctx, task, step, cfg)
		c.markDecided(record, CheckpointStatusAutoApproved, decidedBySystemPolicy)
		if err := c.checkpoints.SaveCheckpoint(ctx, record); err != nil {
			return nil, false, err
		}
		EmitCheckpointAutoApproved(ctx, record)
		return record, true, nil
	}

	if record, ok := c.tryPreferenceApproval(ctx, task, step, cfg); ok {
		return record, true, nil
	}

	record, err := c.Gate(ctx, task, step, cfg)
	if err != nil {
		return nil, false, err
	}
	return record, false, nil
}

// tryPreferenceApproval consults the preference store. Store errors are
// non-fatal: the checkpoint falls back to an explicit gate.
func (c *CheckpointCoordinator) tryPreferenceApproval(ctx context.Context, task *core.Task, step *core.Step, cfg *core.CheckpointConfig) (*CheckpointRecord, bool) {
	if c.prefs == nil || cfg.PreferenceKey == "" {
		return nil, false
	}

	pref, err := c.prefs.GetPreference(ctx, task.UserID, cfg.PreferenceKey)
	if err != nil {
		if !errors.Is(err, core.ErrPreferenceNotFound) && c.logger != nil {
			c.logger.WarnWithContext(ctx, "Preference lookup failed, falling back to explicit gate", map[string]interface{}{
				"operation":      "checkpoint_evaluate",
				"task_id":        task.ID,
				"step_id":        step.ID,
				"preference_key": cfg.PreferenceKey,
				"error":          err.Error(),
			})
		}
		return nil, false
	}

	if preferenceDecision(pref.Value) != "approved" || pref.Confidence < core.DefaultAutoApproveConfidence {
		return nil, false
	}

	record := c.newRecord(ctx, task, step, cfg)
	c.markDecided(record, CheckpointStatusAutoApproved, decidedBySystemPreference)
	record.PreferenceUsed = true
	if err := c.checkpoints.SaveCheckpoint(ctx, record); err != nil {
		if c.logger != nil {
			c.logger.WarnWithContext(ctx, "Failed to record auto-approval, falling back to explicit gate", map[string]interface{}{
				"operation": "checkpoint_evaluate",
				"task_id":   task.ID,
				"step_id":   step.ID,
				"error":     err.Error(),
			})
		}
		return nil, false
	}

	if err := c.prefs.RecordUsage(ctx, task.UserID, cfg.PreferenceKey); err != nil && c.logger != nil {
		c.logger.WarnWithContext(ctx, "Failed to record preference usage", map[string]interface{}{
			"operation":      "checkpoint_evaluate",
			"preference_key": cfg.PreferenceKey,
			"error":          err.Error(),
		})
	}

	if c.logger != nil {
		c.logger.InfoWithContext(ctx, "Checkpoint auto-approved from learned preference", map[string]interface{}{
			"operation":      "checkpoint_evaluate",
			"task_id":        task.ID,
			"step_id":        step.ID,
			"checkpoint_id":  record.ID,
			"preference_key": cfg.PreferenceKey,
			"confidence":     pref.Confidence,
		})
	}
	EmitCheckpointAutoApproved(ctx, record)
	return record, true
}

// Gate creates a pending checkpoint and parks the task. The record is
// durable before any task transition, so a crash between the writes leaves a
// resumable state rather than a lost gate.
func (c *CheckpointCoordinator) Gate(ctx context.Context, task *core.Task, step *core.Step, cfg *core.CheckpointConfig) (*CheckpointRecord, error) {
	record := c.newRecord(ctx, task, step, cfg)

	if err := c.checkpoints.SaveCheckpoint(ctx, record); err != nil {
		return nil, core.NewEngineError("checkpoint_coordinator.Gate", "checkpoint", err)
	}

	stepStatus := core.StepStatusCheckpoint
	if _, err := c.tasks.UpdateStep(ctx, task.ID, step.ID, core.StepPatch{Status: &stepStatus}); err != nil {
		return nil, err
	}
	taskStatus := core.TaskStatusCheckpoint
	if _, err := c.tasks.UpdateTask(ctx, task.ID, core.TaskPatch{Status: &taskStatus}); err != nil {
		return nil, err
	}

	if err := c.notifier.NotifyCheckpoint(ctx, record); err != nil && c.logger != nil {
		c.logger.WarnWithContext(ctx, "Checkpoint notification failed", map[string]interface{}{
			"operation":     "checkpoint_gate",
			"checkpoint_id": record.ID,
			"error":         err.Error(),
		})
	}

	if c.logger != nil {
		c.logger.InfoWithContext(ctx, "Checkpoint gate created", map[string]interface{}{
			"operation":     "checkpoint_gate",
			"task_id":       task.ID,
			"step_id":       step.ID,
			"checkpoint_id": record.ID,
			"type":          record.Type,
			"expires_at":    record.ExpiresAt,
		})
	}
	EmitCheckpointCreated(ctx, record)
	return record, nil
}

func (c *CheckpointCoordinator) newRecord(ctx context.Context, task *core.Task, step *core.Step, cfg *core.CheckpointConfig) *CheckpointRecord {
	record := NewCheckpointRecord(task, step, cfg, c.config.CheckpointTimeout)
	tc := telemetry.GetTraceContext(ctx)
	record.TraceID = tc.TraceID
	record.SpanID = tc.SpanID
	return record
}

func (c *CheckpointCoordinator) markDecided(record *CheckpointRecord, status CheckpointStatus, decidedBy string) {
	now := time.Now().UTC()
	record.Status = status
	record.DecidedBy = decidedBy
	record.DecidedAt = &now
}

// ============================================================================
// Resolution
// ============================================================================

// Approve resolves a pending checkpoint in favor of dispatch: the record
// becomes approved, the gated step returns to pending and the task resumes
// executing. A second decision on the same checkpoint returns
// ErrCheckpointDecided without altering state.
func (c *CheckpointCoordinator) Approve(ctx context.Context, checkpointID, userID, feedback string) (*CheckpointRecord, error) {
	record, err := c.checkpoints.Decide(ctx, checkpointID, func(r *CheckpointRecord) error {
		if r.Status.IsTerminal() {
			return &ErrCheckpointDecided{CheckpointID: r.ID, Status: r.Status}
		}
		c.markDecided(r, CheckpointStatusApproved, userID)
		r.Feedback = feedback
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := c.resumeStep(ctx, record, core.StepPatch{}); err != nil {
		return record, err
	}

	c.learnDecision(ctx, record, "approved")
	c.logResolved(ctx, record, "approve")
	EmitCheckpointResolved(ctx, record)
	return record, nil
}

// Reject resolves a pending checkpoint against dispatch: the gated step
// fails with the user's reason and the task fails with it.
func (c *CheckpointCoordinator) Reject(ctx context.Context, checkpointID, userID, reason string) (*CheckpointRecord, error) {
	record, err := c.checkpoints.Decide(ctx, checkpointID, func(r *CheckpointRecord) error {
		if r.Status.IsTerminal() {
			return &ErrCheckpointDecided{CheckpointID: r.ID, Status: r.Status}
		}
		c.markDecided(r, CheckpointStatusRejected, userID)
		r.Reason = reason
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := c.failGatedStep(ctx, record, fmt.Sprintf("Rejected by user: %s", reason)); err != nil {
		return record, err
	}

	c.learnDecision(ctx, record, "rejected")
	c.logResolved(ctx, record, "reject")
	EmitCheckpointResolved(ctx, record)
	return record, nil
}

// Resolve applies a typed response to a pending checkpoint. The response is
// validated against the checkpoint's own contract before any state changes;
// a validation failure returns ErrInvalidResolution and leaves the
// checkpoint pending.
func (c *CheckpointCoordinator) Resolve(ctx context.Context, checkpointID, userID string, res Resolution) (*CheckpointRecord, error) {
	record, err := c.checkpoints.Decide(ctx, checkpointID, func(r *CheckpointRecord) error {
		if r.Status.IsTerminal() {
			return &ErrCheckpointDecided{CheckpointID: r.ID, Status: r.Status}
		}
		if err := validateResolution(r, &res); err != nil {
			return err
		}
		c.markDecided(r, CheckpointStatusApproved, userID)
		r.Resolution = &res
		r.Feedback = res.Feedback
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := c.resumeStep(ctx, record, resolutionStepPatch(record, &res)); err != nil {
		return record, err
	}

	c.learnDecision(ctx, record, "approved")
	c.logResolved(ctx, record, "resolve")
	EmitCheckpointResolved(ctx, record)
	return record, nil
}

// validateResolution enforces the per-type response contract.
func validateResolution(record *CheckpointRecord, res *Resolution) error {
	switch record.Type {
	case core.CheckpointInput:
		if len(res.Inputs) == 0 {
			return &ErrInvalidResolution{CheckpointType: record.Type, Reason: "inputs are required"}
		}
		if record.InputSchema != nil {
			if err := validateAgainstSchema(record.InputSchema, res.Inputs); err != nil {
				return &ErrInvalidResolution{CheckpointType: record.Type, Reason: err.Error()}
			}
		}
	case core.CheckpointModify:
		if len(res.ModifiedInputs) == 0 {
			return &ErrInvalidResolution{CheckpointType: record.Type, Reason: "modified_inputs are required"}
		}
		allowed := make(map[string]bool, len(record.ModifiableFields))
		for _, f := range record.ModifiableFields {
			allowed[f] = true
		}
		for key := range res.ModifiedInputs {
			if !allowed[key] {
				return &ErrInvalidResolution{CheckpointType: record.Type, Reason: fmt.Sprintf("field %q is not modifiable", key)}
			}
		}
	case core.CheckpointSelect:
		if res.SelectedAlternative == nil {
			return &ErrInvalidResolution{CheckpointType: record.Type, Reason: "selected_alternative is required"}
		}
		idx := *res.SelectedAlternative
		if idx < 0 || idx >= len(record.Alternatives) {
			return &ErrInvalidResolution{CheckpointType: record.Type, Reason: fmt.Sprintf("selected_alternative %d out of range [0, %d)", idx, len(record.Alternatives))}
		}
	case core.CheckpointQA:
		if len(res.Answers) != len(record.Questions) {
			return &ErrInvalidResolution{CheckpointType: record.Type, Reason: fmt.Sprintf("expected %d answers, got %d", len(record.Questions), len(res.Answers))}
		}
		for i, answer := range res.Answers {
			if answer == "" {
				return &ErrInvalidResolution{CheckpointType: record.Type, Reason: fmt.Sprintf("question %d is unanswered", i)}
			}
		}
	}
	return nil
}

// resolutionStepPatch maps an approved typed resolution onto the gated step.
// INPUT responses land under checkpoint_inputs, MODIFY responses under
// inputs_override; a SELECT choice is merged into inputs_override so the
// dispatched step actually uses it, and QA answers ride along under
// checkpoint_inputs.
func resolutionStepPatch(record *CheckpointRecord, res *Resolution) core.StepPatch {
	switch record.Type {
	case core.CheckpointInput:
		return core.StepPatch{CheckpointInputs: res.Inputs}
	case core.CheckpointModify:
		return core.StepPatch{InputsOverride: res.ModifiedInputs}
	case core.CheckpointSelect:
		if res.SelectedAlternative != nil {
			return core.StepPatch{InputsOverride: record.Alternatives[*res.SelectedAlternative]}
		}
	case core.CheckpointQA:
		return core.StepPatch{CheckpointInputs: map[string]interface{}{"answers": res.Answers}}
	}
	return core.StepPatch{}
}

// resumeStep returns the gated step to pending and the task to executing,
// applying any resolution payload in the same step write. The gate flag is
// cleared so a later retry of the step does not create a second checkpoint.
func (c *CheckpointCoordinator) resumeStep(ctx context.Context, record *CheckpointRecord, patch core.StepPatch) error {
	stepStatus := core.StepStatusPending
	gateCleared := false
	patch.Status = &stepStatus
	patch.CheckpointRequired = &gateCleared
	if _, err := c.tasks.UpdateStep(ctx, record.TaskID, record.StepID, patch); err != nil {
		return err
	}
	taskStatus := core.TaskStatusExecuting
	if _, err := c.tasks.UpdateTask(ctx, record.TaskID, core.TaskPatch{Status: &taskStatus}); err != nil {
		return err
	}
	return nil
}

// failGatedStep fails the gated step and the task with the given message.
func (c *CheckpointCoordinator) failGatedStep(ctx context.Context, record *CheckpointRecord, message string) error {
	now := time.Now().UTC()
	stepStatus := core.StepStatusFailed
	if _, err := c.tasks.UpdateStep(ctx, record.TaskID, record.StepID, core.StepPatch{
		Status:      &stepStatus,
		Error:       &message,
		CompletedAt: &now,
	}); err != nil {
		return err
	}
	taskStatus := core.TaskStatusFailed
	if _, err := c.tasks.UpdateTask(ctx, record.TaskID, core.TaskPatch{
		Status:      &taskStatus,
		CompletedAt: &now,
	}); err != nil {
		return err
	}
	return nil
}

func (c *CheckpointCoordinator) logResolved(ctx context.Context, record *CheckpointRecord, via string) {
	if c.logger == nil {
		return
	}
	c.logger.InfoWithContext(ctx, "Checkpoint resolved", map[string]interface{}{
		"operation":     "checkpoint_resolve",
		"checkpoint_id": record.ID,
		"task_id":       record.TaskID,
		"step_id":       record.StepID,
		"status":        record.Status,
		"via":           via,
		"decided_by":    record.DecidedBy,
		"wait_ms":       record.WaitDuration().Milliseconds(),
	})
}

// ============================================================================
// Preference learning
// ============================================================================

// learnDecision records the resolution as a preference when the checkpoint
// opted in. Confidence climbs while the user keeps deciding the same way and
// resets when they diverge; the threshold in Evaluate does the rest.
func (c *CheckpointCoordinator) learnDecision(ctx context.Context, record *CheckpointRecord, decision string) {
	if c.prefs == nil || !record.LearnPreference || record.PreferenceKey == "" {
		return
	}

	pref := &core.Preference{
		Key:        record.PreferenceKey,
		Confidence: learnStartConfidence,
		Value: map[string]interface{}{
			"decision": decision,
			"context":  record.Preview,
		},
	}

	existing, err := c.prefs.GetPreference(ctx, record.UserID, record.PreferenceKey)
	if err == nil && preferenceDecision(existing.Value) == decision {
		pref.Confidence = existing.Confidence + learnConfidenceStep
		pref.UsageCount = existing.UsageCount
	}

	if err := c.prefs.SetPreference(ctx, record.UserID, pref); err != nil && c.logger != nil {
		c.logger.WarnWithContext(ctx, "Failed to learn checkpoint preference", map[string]interface{}{
			"operation":      "checkpoint_resolve",
			"preference_key": record.PreferenceKey,
			"error":          err.Error(),
		})
	}
}

// preferenceDecision extracts the stored decision from a preference value.
// Values are either the decision string itself or a map carrying it under
// "decision".
func preferenceDecision(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case map[string]interface{}:
		if d, ok := v["decision"].(string); ok {
			return d
		}
	}
	return ""
}

// ============================================================================
// Expiration
// ============================================================================

// ExpireSweep scans pending checkpoints and processes those past their
// deadline. Explicit checkpoints expire and fail their task; timeout-type
// checkpoints approve on the deadline instead. Each expiry is claimed first
// so concurrent engine instances never double-process one record. Returns
// the number of checkpoints handled.
func (c *CheckpointCoordinator) ExpireSweep(ctx context.Context) (int, error) {
	pending, err := c.checkpoints.ListPending(ctx, CheckpointFilter{})
	if err != nil {
		return 0, core.NewEngineError("checkpoint_coordinator.ExpireSweep", "checkpoint", err)
	}

	now := time.Now().UTC()
	processed := 0
	for _, record := range pending {
		if !record.Expired(now) {
			continue
		}

		claimed, err := c.checkpoints.ClaimExpiry(ctx, record.ID, expiryClaimTTL)
		if err != nil || !claimed {
			continue
		}

		if err := c.expireOne(ctx, record); err != nil {
			if IsCheckpointDecided(err) {
				continue // Resolved between listing and claiming
			}
			if c.logger != nil {
				c.logger.ErrorWithContext(ctx, "Failed to expire checkpoint", map[string]interface{}{
					"operation":     "checkpoint_expire",
					"checkpoint_id": record.ID,
					"error":         err.Error(),
				})
			}
			continue
		}
		processed++
	}
	return processed, nil
}

func (c *CheckpointCoordinator) expireOne(ctx context.Context, stale *CheckpointRecord) error {
	if stale.ApprovalType == core.ApprovalTimeout {
		record, err := c.checkpoints.Decide(ctx, stale.ID, func(r *CheckpointRecord) error {
			if r.Status.IsTerminal() {
				return &ErrCheckpointDecided{CheckpointID: r.ID, Status: r.Status}
			}
			c.markDecided(r, CheckpointStatusApproved, decidedBySystemTimeout)
			return nil
		})
		if err != nil {
			return err
		}
		if err := c.resumeStep(ctx, record, core.StepPatch{}); err != nil {
			return err
		}
		if c.logger != nil {
			c.logger.InfoWithContext(ctx, "Checkpoint approved on timeout", map[string]interface{}{
				"operation":     "checkpoint_expire",
				"checkpoint_id": record.ID,
				"task_id":       record.TaskID,
			})
		}
		EmitCheckpointResolved(ctx, record)
		return nil
	}

	record, err := c.checkpoints.Decide(ctx, stale.ID, func(r *CheckpointRecord) error {
		if r.Status.IsTerminal() {
			return &ErrCheckpointDecided{CheckpointID: r.ID, Status: r.Status}
		}
		c.markDecided(r, CheckpointStatusExpired, "system:expiry")
		return nil
	})
	if err != nil {
		return err
	}
	if err := c.failGatedStep(ctx, record, "Checkpoint expired without approval"); err != nil {
		return err
	}

	if c.logger != nil {
		c.logger.WarnWithContext(ctx, "Checkpoint expired without approval", map[string]interface{}{
			"operation":     "checkpoint_expire",
			"checkpoint_id": record.ID,
			"task_id":       record.TaskID,
			"step_id":       record.StepID,
		})
	}
	EmitCheckpointExpired(ctx, record)
	return nil
}

// StartExpiryLoop runs ExpireSweep on a ticker until the context ends.
func (c *CheckpointCoordinator) StartExpiryLoop(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.config.ExpirySweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := c.ExpireSweep(ctx); err != nil && c.logger != nil {
					c.logger.WarnWithContext(ctx, "Checkpoint expiry sweep failed", map[string]interface{}{
						"operation": "checkpoint_expire",
						"error":     err.Error(),
					})
				}
			}
		}
	}()
}

// ============================================================================
// Queries
// ============================================================================

// ListPending returns unresolved checkpoints matching the filter.
func (c *CheckpointCoordinator) ListPending(ctx context.Context, filter CheckpointFilter) ([]*CheckpointRecord, error) {
	return c.checkpoints.ListPending(ctx, filter)
}

// GetCheckpoint returns one checkpoint record.
func (c *CheckpointCoordinator) GetCheckpoint(ctx context.Context, checkpointID string) (*CheckpointRecord, error) {
	return c.checkpoints.GetCheckpoint(ctx, checkpointID)
}
