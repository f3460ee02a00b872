package orchestration

import (
	"github.com/praxisworks/praxis/telemetry"
)

// Metric names used by the engine. The definitions (types, labels, buckets)
// live in telemetry/modules.go; these constants keep emission sites aligned
// with the declared names.
const (
	MetricTasksCreated   = "praxis.engine.tasks.created"
	MetricTasksCompleted = "praxis.engine.tasks.completed"
	MetricTaskDuration   = "praxis.engine.task.duration_ms"
	MetricTasksActive    = "praxis.engine.tasks.active"
	MetricTasksReplanned = "praxis.engine.tasks.replanned"

	MetricStepsDispatched   = "praxis.engine.steps.dispatched"
	MetricStepsCompleted    = "praxis.engine.steps.completed"
	MetricStepsFailed       = "praxis.engine.steps.failed"
	MetricStepsRetried      = "praxis.engine.steps.retried"
	MetricFallbacksConsumed = "praxis.engine.fallbacks.consumed"
	MetricStepDuration      = "praxis.engine.step.duration_ms"
	MetricStepsInflight     = "praxis.engine.steps.inflight"

	MetricCheckpointCreated      = "praxis.checkpoint.created"
	MetricCheckpointResolved     = "praxis.checkpoint.resolved"
	MetricCheckpointAutoApproved = "praxis.checkpoint.auto_approved"
	MetricCheckpointExpired      = "praxis.checkpoint.expired"
	MetricCheckpointWait         = "praxis.checkpoint.wait_ms"

	MetricTriggerFired      = "praxis.trigger.fired"
	MetricTriggerSuppressed = "praxis.trigger.suppressed"

	MetricStoreConflicts = "praxis.store.conflicts"
	MetricStoreRetries   = "praxis.store.retries"
	MetricEngineCycle    = "praxis.engine.cycle.duration_ms"
)

// RecordStoreConflict counts an optimistic-concurrency loss. The operation
// label names the contended write (task mutate, checkpoint decide).
func RecordStoreConflict(operation string) {
	telemetry.Counter(MetricStoreConflicts,
		"module", telemetry.ModuleStore,
		"operation", operation,
	)
}

// RecordStoreRetry counts a storage operation retried after a transient
// failure.
func RecordStoreRetry(operation string) {
	telemetry.Counter(MetricStoreRetries,
		"module", telemetry.ModuleStore,
		"operation", operation,
	)
}
