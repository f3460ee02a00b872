package telemetry

// This file contains metric declarations for the engine modules.
// It lives in the telemetry package to avoid import cycles.

// Module label values identifying metric sources.
const (
	// ModuleEngine identifies metrics from the orchestration engine
	ModuleEngine = "engine"

	// ModuleStore identifies metrics from the storage layer
	ModuleStore = "store"

	// ModuleTrigger identifies metrics from trigger binding
	ModuleTrigger = "trigger"
)

func init() {
	// Task lifecycle metrics
	DeclareMetrics("tasks", ModuleConfig{
		Metrics: []MetricDefinition{
			{
				Name:   "praxis.engine.tasks.created",
				Type:   "counter",
				Help:   "Tasks accepted into the engine",
				Labels: []string{"module", "origin"},
			},
			{
				Name:   "praxis.engine.tasks.completed",
				Type:   "counter",
				Help:   "Tasks that reached a terminal status",
				Labels: []string{"module", "status"},
			},
			{
				Name:    "praxis.engine.task.duration_ms",
				Type:    "histogram",
				Help:    "Wall-clock task duration in milliseconds",
				Labels:  []string{"module", "status"},
				Unit:    "ms",
				Buckets: []float64{100, 1000, 10000, 60000, 300000, 1800000},
			},
			{
				Name:   "praxis.engine.tasks.active",
				Type:   "updowncounter",
				Help:   "Tasks currently executing",
				Labels: []string{"module"},
			},
			{
				Name:   "praxis.engine.tasks.replanned",
				Type:   "counter",
				Help:   "Replan operations creating a successor version",
				Labels: []string{"module"},
			},
		},
	})

	// Step execution metrics
	DeclareMetrics("steps", ModuleConfig{
		Metrics: []MetricDefinition{
			{
				Name:   "praxis.engine.steps.dispatched",
				Type:   "counter",
				Help:   "Steps handed to the runner",
				Labels: []string{"module", "agent_type"},
			},
			{
				Name:   "praxis.engine.steps.completed",
				Type:   "counter",
				Help:   "Steps finished, any terminal status",
				Labels: []string{"module", "agent_type", "status"},
			},
			{
				Name:   "praxis.engine.steps.failed",
				Type:   "counter",
				Help:   "Step failures by error kind",
				Labels: []string{"module", "agent_type", "error_type"},
			},
			{
				Name:   "praxis.engine.steps.retried",
				Type:   "counter",
				Help:   "Step retry attempts",
				Labels: []string{"module", "agent_type"},
			},
			{
				Name:   "praxis.engine.fallbacks.consumed",
				Type:   "counter",
				Help:   "Fallback options consumed after exhausted retries",
				Labels: []string{"module", "agent_type"},
			},
			{
				Name:    "praxis.engine.step.duration_ms",
				Type:    "histogram",
				Help:    "Step execution duration in milliseconds",
				Labels:  []string{"module", "agent_type", "status"},
				Unit:    "ms",
				Buckets: []float64{10, 100, 1000, 10000, 60000, 300000},
			},
			{
				Name:   "praxis.engine.steps.inflight",
				Type:   "updowncounter",
				Help:   "Steps currently running",
				Labels: []string{"module"},
			},
		},
	})

	// Checkpoint metrics
	DeclareMetrics("checkpoints", ModuleConfig{
		Metrics: []MetricDefinition{
			{
				Name:   "praxis.checkpoint.created",
				Type:   "counter",
				Help:   "Checkpoints gated awaiting resolution",
				Labels: []string{"module", "type"},
			},
			{
				Name:   "praxis.checkpoint.resolved",
				Type:   "counter",
				Help:   "Checkpoint resolutions by decision",
				Labels: []string{"module", "type", "decision"},
			},
			{
				Name:   "praxis.checkpoint.auto_approved",
				Type:   "counter",
				Help:   "Checkpoints approved from learned preferences",
				Labels: []string{"module", "type"},
			},
			{
				Name:   "praxis.checkpoint.expired",
				Type:   "counter",
				Help:   "Checkpoints that hit their timeout",
				Labels: []string{"module", "type", "approval_type"},
			},
			{
				Name:    "praxis.checkpoint.wait_ms",
				Type:    "histogram",
				Help:    "Time a checkpoint waited for resolution",
				Labels:  []string{"module", "type"},
				Unit:    "ms",
				Buckets: []float64{1000, 60000, 600000, 3600000, 86400000},
			},
		},
	})

	// Trigger and storage metrics
	DeclareMetrics("infrastructure", ModuleConfig{
		Metrics: []MetricDefinition{
			{
				Name:   "praxis.trigger.fired",
				Type:   "counter",
				Help:   "Trigger activations that materialized a task",
				Labels: []string{"module"},
			},
			{
				Name:   "praxis.trigger.suppressed",
				Type:   "counter",
				Help:   "Events that matched a pattern but failed the condition",
				Labels: []string{"module"},
			},
			{
				Name:   "praxis.store.conflicts",
				Type:   "counter",
				Help:   "Optimistic concurrency conflicts on task writes",
				Labels: []string{"module", "operation"},
			},
			{
				Name:   "praxis.store.retries",
				Type:   "counter",
				Help:   "Storage operations retried after transient failures",
				Labels: []string{"module", "operation"},
			},
			{
				Name:    "praxis.engine.cycle.duration_ms",
				Type:    "histogram",
				Help:    "Orchestrator cycle duration in milliseconds",
				Labels:  []string{"module"},
				Unit:    "ms",
				Buckets: []float64{1, 10, 50, 100, 500, 1000},
			},
		},
	})
}
