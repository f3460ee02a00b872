package orchestration

// Centralized emission of engine metrics and span events. Every lifecycle
// transition goes through one Emit function so metric names, labels and span
// event shapes stay consistent across the orchestrator, the coordinator and
// the trigger binding.

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/praxisworks/praxis/core"
	"github.com/praxisworks/praxis/telemetry"
)

// Gauge backing values. Reclaim and drain paths can decrement without a
// matching increment after a restart, so emission clamps at zero.
var (
	activeTaskCount   int64
	inflightStepCount int64
)

func clampedAdd(counter *int64, delta int) int64 {
	v := atomic.AddInt64(counter, int64(delta))
	if v < 0 {
		atomic.AddInt64(counter, -v)
		v = 0
	}
	return v
}

// ═══════════════════════════════════════════════════════════════════════════
// Task Lifecycle
// ═══════════════════════════════════════════════════════════════════════════

// EmitTaskCreated emits span event and metric when a task enters the store.
func EmitTaskCreated(ctx context.Context, task *core.Task, origin string) {
	telemetry.Counter(MetricTasksCreated,
		"module", telemetry.ModuleEngine,
		"origin", origin,
	)

	telemetry.AddSpanEvent(ctx, "task.created",
		attribute.String("task_id", task.ID),
		attribute.Int("version", task.Version),
		attribute.String("user_id", task.UserID),
		attribute.String("origin", origin),
	)
}

// EmitTaskStarted emits span event when the orchestrator begins executing.
func EmitTaskStarted(ctx context.Context, task *core.Task) {
	telemetry.AddSpanEvent(ctx, "task.started",
		attribute.String("task_id", task.ID),
		attribute.Int("version", task.Version),
		attribute.Int("step_count", len(task.Steps)),
	)
}

// EmitTaskCompleted emits span event and metrics when every step settled.
func EmitTaskCompleted(ctx context.Context, task *core.Task) {
	telemetry.Counter(MetricTasksCompleted,
		"module", telemetry.ModuleEngine,
		"status", string(core.TaskStatusCompleted),
	)
	emitTaskDuration(task, string(core.TaskStatusCompleted))

	telemetry.AddSpanEvent(ctx, "task.completed",
		attribute.String("task_id", task.ID),
		attribute.Int("version", task.Version),
	)
}

// EmitTaskFailed emits span event and metrics for an unrecovered failure.
func EmitTaskFailed(ctx context.Context, task *core.Task, reason string) {
	telemetry.Counter(MetricTasksCompleted,
		"module", telemetry.ModuleEngine,
		"status", string(core.TaskStatusFailed),
	)
	emitTaskDuration(task, string(core.TaskStatusFailed))

	telemetry.AddSpanEvent(ctx, "task.failed",
		attribute.String("task_id", task.ID),
		attribute.String("reason", reason),
	)
	telemetry.RecordSpanError(ctx, errors.New(reason))
}

// EmitTaskCancelled emits span event and metrics for a user cancellation.
func EmitTaskCancelled(ctx context.Context, task *core.Task) {
	telemetry.Counter(MetricTasksCompleted,
		"module", telemetry.ModuleEngine,
		"status", string(core.TaskStatusCancelled),
	)
	emitTaskDuration(task, string(core.TaskStatusCancelled))

	telemetry.AddSpanEvent(ctx, "task.cancelled",
		attribute.String("task_id", task.ID),
	)
}

// EmitTaskReplanned emits span event and metric when a replan supersedes a
// task with a successor version.
func EmitTaskReplanned(ctx context.Context, task, successor *core.Task) {
	telemetry.Counter(MetricTasksReplanned,
		"module", telemetry.ModuleEngine,
	)

	telemetry.AddSpanEvent(ctx, "task.replanned",
		attribute.String("task_id", task.ID),
		attribute.Int("version", task.Version),
		attribute.String("successor_id", successor.ID),
		attribute.Int("successor_version", successor.Version),
	)
}

// EmitTasksActive adjusts the executing-task gauge.
func EmitTasksActive(ctx context.Context, delta int) {
	v := clampedAdd(&activeTaskCount, delta)
	telemetry.Gauge(MetricTasksActive, float64(v),
		"module", telemetry.ModuleEngine,
	)
}

func emitTaskDuration(task *core.Task, status string) {
	end := time.Now().UTC()
	if task.CompletedAt != nil {
		end = *task.CompletedAt
	}
	duration := end.Sub(task.CreatedAt)
	if duration < 0 {
		return
	}
	telemetry.Histogram(MetricTaskDuration, float64(duration.Milliseconds()),
		"module", telemetry.ModuleEngine,
		"status", status,
	)
}

// ═══════════════════════════════════════════════════════════════════════════
// Step Lifecycle
// ═══════════════════════════════════════════════════════════════════════════

// EmitStepDispatched emits span event and metric when a step is handed to
// the runner.
func EmitStepDispatched(ctx context.Context, task *core.Task, step *core.Step) {
	telemetry.Counter(MetricStepsDispatched,
		"module", telemetry.ModuleEngine,
		"agent_type", step.AgentType,
	)

	telemetry.AddSpanEvent(ctx, "step.dispatched",
		attribute.String("task_id", task.ID),
		attribute.String("step_id", step.ID),
		attribute.String("agent_type", step.AgentType),
		attribute.Int("retry_count", step.RetryCount),
	)
}

// EmitStepCompleted emits span event and metrics for a successful step.
func EmitStepCompleted(ctx context.Context, task *core.Task, step *core.Step, durationSeconds float64) {
	telemetry.Counter(MetricStepsCompleted,
		"module", telemetry.ModuleEngine,
		"agent_type", step.AgentType,
		"status", string(core.StepStatusDone),
	)
	telemetry.Histogram(MetricStepDuration, durationSeconds*1000,
		"module", telemetry.ModuleEngine,
		"agent_type", step.AgentType,
		"status", string(core.StepStatusDone),
	)

	telemetry.AddSpanEvent(ctx, "step.completed",
		attribute.String("task_id", task.ID),
		attribute.String("step_id", step.ID),
		attribute.String("agent_type", step.AgentType),
		attribute.Float64("duration_seconds", durationSeconds),
	)
}

// EmitStepCancelled emits span event and metric for a step settled by
// cancellation.
func EmitStepCancelled(ctx context.Context, task *core.Task, step *core.Step) {
	telemetry.Counter(MetricStepsCompleted,
		"module", telemetry.ModuleEngine,
		"agent_type", step.AgentType,
		"status", "cancelled",
	)

	telemetry.AddSpanEvent(ctx, "step.cancelled",
		attribute.String("task_id", task.ID),
		attribute.String("step_id", step.ID),
	)
}

// EmitStepFailed emits span event and metric for one failure incident. A
// step that retries emits once per attempt; terminal outcomes are counted by
// the recovery emitters.
func EmitStepFailed(ctx context.Context, task *core.Task, step *core.Step, stepErr *core.StepError) {
	telemetry.Counter(MetricStepsFailed,
		"module", telemetry.ModuleEngine,
		"agent_type", step.AgentType,
		"error_type", string(stepErr.Kind),
	)

	telemetry.AddSpanEvent(ctx, "step.failed",
		attribute.String("task_id", task.ID),
		attribute.String("step_id", step.ID),
		attribute.String("agent_type", step.AgentType),
		attribute.String("error_type", string(stepErr.Kind)),
		attribute.String("error", stepErr.Message),
	)
}

// EmitStepRetried emits span event and metric when a failed step is
// rescheduled.
func EmitStepRetried(ctx context.Context, task *core.Task, step *core.Step, attempt int, delay time.Duration) {
	telemetry.Counter(MetricStepsRetried,
		"module", telemetry.ModuleEngine,
		"agent_type", step.AgentType,
	)

	telemetry.AddSpanEvent(ctx, "step.retried",
		attribute.String("task_id", task.ID),
		attribute.String("step_id", step.ID),
		attribute.Int("attempt", attempt),
		attribute.Int64("delay_ms", delay.Milliseconds()),
	)
}

// EmitFallbackConsumed emits span event and metric when recovery rebinds a
// step to its next fallback option.
func EmitFallbackConsumed(ctx context.Context, task *core.Task, step *core.Step, option *core.FallbackOption) {
	telemetry.Counter(MetricFallbacksConsumed,
		"module", telemetry.ModuleEngine,
		"agent_type", step.AgentType,
	)

	attrs := []attribute.KeyValue{
		attribute.String("task_id", task.ID),
		attribute.String("step_id", step.ID),
	}
	if option != nil {
		if option.Model != "" {
			attrs = append(attrs, attribute.String("model", option.Model))
		}
		if option.API != "" {
			attrs = append(attrs, attribute.String("api", option.API))
		}
		if option.Strategy != "" {
			attrs = append(attrs, attribute.String("strategy", option.Strategy))
		}
	}
	telemetry.AddSpanEvent(ctx, "step.fallback", attrs...)
}

// EmitStepSkipped emits span event and metric when a non-critical step is
// skipped.
func EmitStepSkipped(ctx context.Context, task *core.Task, step *core.Step) {
	telemetry.Counter(MetricStepsCompleted,
		"module", telemetry.ModuleEngine,
		"agent_type", step.AgentType,
		"status", string(core.StepStatusSkipped),
	)

	telemetry.AddSpanEvent(ctx, "step.skipped",
		attribute.String("task_id", task.ID),
		attribute.String("step_id", step.ID),
	)
}

// EmitStepsInflight adjusts the running-step gauge.
func EmitStepsInflight(ctx context.Context, delta int) {
	v := clampedAdd(&inflightStepCount, delta)
	telemetry.Gauge(MetricStepsInflight, float64(v),
		"module", telemetry.ModuleEngine,
	)
}

// EmitRecoveryProposed emits span event describing the controller's decision
// for a failed step.
func EmitRecoveryProposed(ctx context.Context, task *core.Task, step *core.Step, proposal *Proposal) {
	telemetry.AddSpanEvent(ctx, "recovery.proposed",
		attribute.String("task_id", task.ID),
		attribute.String("step_id", step.ID),
		attribute.String("proposal", string(proposal.Type)),
		attribute.Float64("confidence", proposal.Confidence),
		attribute.String("reason", proposal.Reason),
	)
}

// EmitEngineCycle records one orchestration cycle's duration.
func EmitEngineCycle(ctx context.Context, d time.Duration) {
	telemetry.Histogram(MetricEngineCycle, float64(d.Milliseconds()),
		"module", telemetry.ModuleEngine,
	)
}

// ═══════════════════════════════════════════════════════════════════════════
// Checkpoints
// ═══════════════════════════════════════════════════════════════════════════

// EmitCheckpointCreated emits span event and metric when a gate opens.
func EmitCheckpointCreated(ctx context.Context, record *CheckpointRecord) {
	telemetry.Counter(MetricCheckpointCreated,
		"module", telemetry.ModuleEngine,
		"type", string(record.Type),
	)

	telemetry.AddSpanEvent(ctx, "checkpoint.created",
		attribute.String("checkpoint_id", record.ID),
		attribute.String("task_id", record.TaskID),
		attribute.String("step_id", record.StepID),
		attribute.String("type", string(record.Type)),
		attribute.String("approval_type", string(record.ApprovalType)),
	)
}

// EmitCheckpointResolved emits span event and metrics when a decision lands,
// including the time the gate waited.
func EmitCheckpointResolved(ctx context.Context, record *CheckpointRecord) {
	telemetry.Counter(MetricCheckpointResolved,
		"module", telemetry.ModuleEngine,
		"type", string(record.Type),
		"decision", string(record.Status),
	)
	telemetry.Histogram(MetricCheckpointWait, float64(record.WaitDuration().Milliseconds()),
		"module", telemetry.ModuleEngine,
		"type", string(record.Type),
	)

	telemetry.AddSpanEvent(ctx, "checkpoint.resolved",
		attribute.String("checkpoint_id", record.ID),
		attribute.String("task_id", record.TaskID),
		attribute.String("decision", string(record.Status)),
		attribute.String("decided_by", record.DecidedBy),
		attribute.Int64("wait_ms", record.WaitDuration().Milliseconds()),
	)
}

// EmitCheckpointAutoApproved emits span event and metrics when a learned
// preference approves a gate without pausing. The resolution counter is also
// incremented so decision totals stay complete.
func EmitCheckpointAutoApproved(ctx context.Context, record *CheckpointRecord) {
	telemetry.Counter(MetricCheckpointAutoApproved,
		"module", telemetry.ModuleEngine,
		"type", string(record.Type),
	)
	telemetry.Counter(MetricCheckpointResolved,
		"module", telemetry.ModuleEngine,
		"type", string(record.Type),
		"decision", string(CheckpointStatusAutoApproved),
	)

	telemetry.AddSpanEvent(ctx, "checkpoint.auto_approved",
		attribute.String("checkpoint_id", record.ID),
		attribute.String("task_id", record.TaskID),
		attribute.String("step_id", record.StepID),
		attribute.Bool("preference_used", record.PreferenceUsed),
	)
}

// EmitCheckpointExpired emits span event and metric when a gate times out
// undecided and the step fails.
func EmitCheckpointExpired(ctx context.Context, record *CheckpointRecord) {
	telemetry.Counter(MetricCheckpointExpired,
		"module", telemetry.ModuleEngine,
		"type", string(record.Type),
		"approval_type", string(record.ApprovalType),
	)

	telemetry.AddSpanEvent(ctx, "checkpoint.expired",
		attribute.String("checkpoint_id", record.ID),
		attribute.String("task_id", record.TaskID),
		attribute.String("step_id", record.StepID),
	)
}

// ═══════════════════════════════════════════════════════════════════════════
// Triggers
// ═══════════════════════════════════════════════════════════════════════════

// EmitTriggerFired emits span event and metric when an event materializes a
// task from a template.
func EmitTriggerFired(ctx context.Context, templateID string, clone *core.Task, event *Event) {
	telemetry.Counter(MetricTriggerFired,
		"module", telemetry.ModuleTrigger,
	)

	telemetry.AddSpanEvent(ctx, "trigger.fired",
		attribute.String("template_id", templateID),
		attribute.String("task_id", clone.ID),
		attribute.String("event_id", event.ID),
		attribute.String("event_type", event.Type),
	)
}

// EmitTriggerSuppressed emits span event and metric when an event matched a
// pattern but did not fire. The reason stays on the span to keep metric
// cardinality flat.
func EmitTriggerSuppressed(ctx context.Context, templateID, reason string) {
	telemetry.Counter(MetricTriggerSuppressed,
		"module", telemetry.ModuleTrigger,
	)

	telemetry.AddSpanEvent(ctx, "trigger.suppressed",
		attribute.String("template_id", templateID),
		attribute.String("reason", reason),
	)
}
