package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/praxisworks/praxis/core"
	"github.com/praxisworks/praxis/resilience"
	"github.com/praxisworks/praxis/telemetry"
)

const (
	// checkpointPollInterval paces store re-reads while a task is parked on
	// a human decision.
	checkpointPollInterval = 2 * time.Second

	// idlePollInterval paces store re-reads when the task is live but this
	// cycle could neither dispatch nor await a completion.
	idlePollInterval = 500 * time.Millisecond
)

// storeRetryConfig is the retry policy for task store access. Semantic
// failures surface immediately so the caller can re-read and re-decide;
// only infrastructure errors get another attempt.
func storeRetryConfig() *resilience.RetryConfig {
	config := resilience.DefaultRetryConfig()
	config.RetryIf = func(err error) bool {
		switch {
		case errors.Is(err, core.ErrTaskNotFound),
			errors.Is(err, core.ErrStepNotFound),
			errors.Is(err, core.ErrTaskConflict),
			errors.Is(err, core.ErrTaskTerminal),
			errors.Is(err, core.ErrStepTerminal),
			errors.Is(err, core.ErrCheckpointNotFound),
			errors.Is(err, core.ErrPlanInvalid):
			return false
		}
		return true
	}
	config.OnRetry = func(_ int, _ error, _ time.Duration) {
		RecordStoreRetry("task_store")
	}
	return config
}

// ============================================================================
// Per-task execution state
// ============================================================================

// taskExecution is the in-process state for one Execute call: the completion
// channel its step goroutines report through, per-step cancel functions, and
// retry backoff deadlines. Everything durable lives in the task store; losing
// this state costs at most one backoff delay and the liveness deadline.
type taskExecution struct {
	completions chan *StepOutcome
	kick        chan struct{}
	done        chan struct{}

	mu       sync.Mutex
	taskID   string
	inflight map[string]*inflightStep
	backoff  map[string]time.Time
}

type inflightStep struct {
	group  string
	cancel context.CancelFunc
}

func newTaskExecution(taskID string, queueSize int) *taskExecution {
	return &taskExecution{
		completions: make(chan *StepOutcome, queueSize),
		kick:        make(chan struct{}, 1),
		done:        make(chan struct{}),
		taskID:      taskID,
		inflight:    make(map[string]*inflightStep),
		backoff:     make(map[string]time.Time),
	}
}

func (e *taskExecution) id() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.taskID
}

func (e *taskExecution) setID(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.taskID = taskID
}

func (e *taskExecution) track(stepID, group string, cancel context.CancelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inflight[stepID] = &inflightStep{group: group, cancel: cancel}
}

// release removes the step from the in-flight set. It reports false when the
// step was already released, which callers use to discard duplicate or
// post-drain outcomes.
func (e *taskExecution) release(stepID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.inflight[stepID]; !ok {
		return false
	}
	delete(e.inflight, stepID)
	return true
}

func (e *taskExecution) tracked(stepID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inflight[stepID]
	return ok
}

func (e *taskExecution) inflightCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inflight)
}

func (e *taskExecution) inflightIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.inflight))
	for id := range e.inflight {
		ids = append(ids, id)
	}
	return ids
}

// cancelGroup cancels every in-flight member of the named parallel group
// except the one that triggered it. Returns how many were signalled.
func (e *taskExecution) cancelGroup(group, exceptStepID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	cancelled := 0
	for id, entry := range e.inflight {
		if id == exceptStepID || entry.group != group {
			continue
		}
		entry.cancel()
		cancelled++
	}
	return cancelled
}

func (e *taskExecution) cancelAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, entry := range e.inflight {
		entry.cancel()
	}
}

func (e *taskExecution) setBackoff(stepID string, until time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.backoff[stepID] = until
}

func (e *taskExecution) backoffUntil(stepID string) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	until, ok := e.backoff[stepID]
	return until, ok
}

func (e *taskExecution) clearBackoff(stepID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.backoff, stepID)
}

// nextWake returns the earliest backoff deadline, or the zero time when no
// retry is waiting.
func (e *taskExecution) nextWake() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	var earliest time.Time
	for _, until := range e.backoff {
		if earliest.IsZero() || until.Before(earliest) {
			earliest = until
		}
	}
	return earliest
}

// send delivers an outcome to the execution loop, or drops it once the loop
// has exited. Dropped outcomes are the late results of abandoned steps.
func (e *taskExecution) send(outcome *StepOutcome) {
	select {
	case e.completions <- outcome:
	case <-e.done:
	}
}

// nudge wakes a loop blocked in awaitOutcome or awaitParked so it re-reads
// the task promptly, e.g. right after Cancel.
func (e *taskExecution) nudge() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

func (e *taskExecution) close() {
	close(e.done)
}

// ============================================================================
// Orchestrator
// ============================================================================

// Orchestrator drives tasks to a terminal state. Each Execute call runs a
// decision cycle against the durable task document: re-read the snapshot,
// dispatch the ready set within capacity, gate checkpointed steps through the
// coordinator, and settle completions through the failure controller. All
// state transitions go through the store's optimistic concurrency, so
// multiple engine instances can share one store; a lost write race costs a
// re-read, never a double execution.
type Orchestrator struct {
	store       core.TaskStore
	runner      *StepRunner
	scheduler   *Scheduler
	coordinator *CheckpointCoordinator
	controller  *FailureController
	planner     Planner
	tree        TreePublisher
	config      EngineConfig
	logger      core.Logger

	// inflightSem bounds running steps across every task on this instance.
	inflightSem *semaphore.Weighted

	mu     sync.Mutex
	active map[string]*taskExecution
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithOrchestratorConfig overrides the engine configuration.
func WithOrchestratorConfig(config EngineConfig) OrchestratorOption {
	return func(o *Orchestrator) {
		o.config = config
	}
}

// WithOrchestratorLogger sets the logger for engine decisions.
func WithOrchestratorLogger(logger core.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			o.logger = cal.WithComponent("praxis/orchestration")
			return
		}
		o.logger = logger
	}
}

// WithOrchestratorCoordinator wires the checkpoint coordinator. Without one,
// steps that require a checkpoint dispatch ungated.
func WithOrchestratorCoordinator(coordinator *CheckpointCoordinator) OrchestratorOption {
	return func(o *Orchestrator) {
		o.coordinator = coordinator
	}
}

// WithOrchestratorController replaces the default failure controller.
func WithOrchestratorController(controller *FailureController) OrchestratorOption {
	return func(o *Orchestrator) {
		o.controller = controller
	}
}

// WithOrchestratorPlanner wires the planner used for replans.
func WithOrchestratorPlanner(planner Planner) OrchestratorOption {
	return func(o *Orchestrator) {
		o.planner = planner
	}
}

// WithOrchestratorTreePublisher wires execution tree projection.
func WithOrchestratorTreePublisher(tree TreePublisher) OrchestratorOption {
	return func(o *Orchestrator) {
		if tree != nil {
			o.tree = tree
		}
	}
}

// NewOrchestrator creates an orchestrator over the given store and runner.
func NewOrchestrator(store core.TaskStore, runner *StepRunner, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		store:  store,
		runner: runner,
		config: DefaultEngineConfig(),
		tree:   NoOpTreePublisher{},
		active: make(map[string]*taskExecution),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.config = o.config.normalize()
	o.scheduler = NewScheduler(WithSchedulerLogger(o.logger))
	if o.controller == nil {
		o.controller = NewFailureController(
			WithControllerConfig(o.config),
			WithControllerLogger(o.logger),
		)
	}
	o.inflightSem = semaphore.NewWeighted(int64(o.config.GlobalInflightCap))
	return o
}

// Submit validates and persists a new task and publishes its initial
// execution tree. It does not start execution; pair with Execute.
func (o *Orchestrator) Submit(ctx context.Context, task *core.Task, origin string) (*core.Task, error) {
	if err := o.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	EmitTaskCreated(ctx, task, origin)
	o.publishTaskTree(ctx, task)
	if o.logger != nil {
		o.logger.InfoWithContext(ctx, "Task submitted", map[string]interface{}{
			"operation": "task_submit",
			"task_id":   task.ID,
			"user_id":   task.UserID,
			"origin":    origin,
			"steps":     len(task.Steps),
		})
	}
	return task, nil
}

// Execute drives the task to a terminal state and returns the final
// document. When the task is replaced by a replan, execution follows the
// lineage and the returned task is the final successor. Execute returns
// early with the stored document when the task is already terminal.
func (o *Orchestrator) Execute(ctx context.Context, taskID string) (*core.Task, error) {
	task, err := o.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.IsTerminal() {
		return task, nil
	}

	ctx, endSpan := telemetry.StartLinkedSpan(ctx, "praxis.task.execute", task.TraceID, task.ParentSpanID, map[string]string{
		"task_id": task.ID,
		"user_id": task.UserID,
	})
	defer endSpan()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	exec := newTaskExecution(task.ID, o.config.CompletionQueueSize)
	if !o.register(exec) {
		return nil, core.NewEngineError("orchestrator.execute", "engine",
			fmt.Errorf("task %s is already executing on this instance", task.ID))
	}
	defer o.unregister(exec)
	defer exec.close()

	EmitTasksActive(ctx, 1)
	defer EmitTasksActive(ctx, -1)

	if task.Status == core.TaskStatusPlanning || task.Status == core.TaskStatusReady {
		executing := core.TaskStatusExecuting
		task, err = o.updateTask(runCtx, task.ID, core.TaskPatch{Status: &executing})
		if err != nil {
			return nil, err
		}
	}
	EmitTaskStarted(ctx, task)
	if o.logger != nil {
		o.logger.InfoWithContext(ctx, "Task execution started", map[string]interface{}{
			"operation": "task_execute",
			"task_id":   task.ID,
			"user_id":   task.UserID,
			"version":   task.Version,
			"steps":     len(task.Steps),
		})
	}

	return o.runLoop(runCtx, exec)
}

// Cancel marks the task cancelled and signals its in-flight steps. The
// running Execute loop observes the terminal status, grants handlers the
// grace period, then settles whatever is still running as failed with error
// "cancelled". Cancelling an already terminal task returns ErrTaskTerminal.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) (*core.Task, error) {
	cancelled := core.TaskStatusCancelled
	now := time.Now().UTC()
	task, err := o.updateTask(ctx, taskID, core.TaskPatch{Status: &cancelled, CompletedAt: &now})
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	exec := o.active[taskID]
	o.mu.Unlock()
	if exec != nil {
		exec.cancelAll()
		exec.nudge()
	}

	EmitTaskCancelled(ctx, task)
	o.publishTaskTree(ctx, task)
	if o.logger != nil {
		o.logger.InfoWithContext(ctx, "Task cancelled", map[string]interface{}{
			"operation": "task_cancel",
			"task_id":   taskID,
		})
	}
	return task, nil
}

// Wake nudges the task's execution loop, if this instance is running it, so
// an out-of-band store write is observed promptly instead of on the next
// poll. Checkpoint surfaces call it after recording a decision. Returns
// whether a loop was there to wake.
func (o *Orchestrator) Wake(taskID string) bool {
	o.mu.Lock()
	exec := o.active[taskID]
	o.mu.Unlock()
	if exec == nil {
		return false
	}
	exec.nudge()
	return true
}

// ============================================================================
// Decision cycle
// ============================================================================

func (o *Orchestrator) runLoop(ctx context.Context, exec *taskExecution) (*core.Task, error) {
	for {
		if err := ctx.Err(); err != nil {
			// Host shutdown. Running steps stay running in the store and
			// are reclaimed through the liveness deadline on the next run.
			exec.cancelAll()
			return nil, err
		}

		cycleStart := time.Now()

		task, err := o.loadTask(ctx, exec.id())
		if err != nil {
			return nil, err
		}

		if task.Status == core.TaskStatusSuperseded && task.SupersededBy != "" {
			if !o.retarget(exec, task.SupersededBy) {
				if o.logger != nil {
					o.logger.InfoWithContext(ctx, "Replacement already executing elsewhere", map[string]interface{}{
						"operation":     "task_replan_follow",
						"task_id":       task.ID,
						"superseded_by": task.SupersededBy,
					})
				}
				o.drainInflight(ctx, exec, task)
				return task, nil
			}
			if o.logger != nil {
				o.logger.InfoWithContext(ctx, "Following replacement version", map[string]interface{}{
					"operation":     "task_replan_follow",
					"task_id":       task.ID,
					"superseded_by": task.SupersededBy,
				})
			}
			continue
		}

		if task.IsTerminal() {
			o.drainInflight(ctx, exec, task)
			o.publishTaskTree(ctx, task)
			if o.logger != nil {
				o.logger.InfoWithContext(ctx, "Task execution finished", map[string]interface{}{
					"operation": "task_execute",
					"task_id":   task.ID,
					"status":    string(task.Status),
				})
			}
			return task, nil
		}

		if task.Status == core.TaskStatusCheckpoint || task.Status == core.TaskStatusPaused {
			if task.Status == core.TaskStatusCheckpoint && !hasGatedStep(task) {
				// Stale park: the gate resolved but the resume write was
				// lost. Put the task back to work.
				executing := core.TaskStatusExecuting
				if _, err := o.updateTask(ctx, task.ID, core.TaskPatch{Status: &executing}); err != nil && o.logger != nil {
					o.logger.WarnWithContext(ctx, "Failed to resume stale checkpoint park", map[string]interface{}{
						"operation": "task_execute",
						"task_id":   task.ID,
						"error":     err.Error(),
					})
				}
				continue
			}
			o.awaitParked(ctx, exec)
			continue
		}

		if o.reclaimLost(ctx, exec, task) > 0 {
			continue
		}

		if AllSettled(task) {
			finished, err := o.finalize(ctx, task)
			if err != nil {
				if errors.Is(err, core.ErrTaskConflict) {
					continue
				}
				return nil, err
			}
			o.publishTaskTree(ctx, finished)
			return finished, nil
		}

		dispatched, parked := o.dispatchReady(ctx, exec, task)
		if parked {
			continue
		}

		if dispatched == 0 && exec.inflightCount() == 0 {
			if next := exec.nextWake(); !next.IsZero() {
				o.sleepUntil(ctx, next)
				continue
			}
			if o.scheduler.Blocked(task) {
				failed, err := o.failBlocked(ctx, task)
				if err != nil {
					if errors.Is(err, core.ErrTaskConflict) || errors.Is(err, core.ErrTaskTerminal) {
						continue
					}
					return nil, err
				}
				o.publishTaskTree(ctx, failed)
				return failed, nil
			}
			// Live task, nothing to do this cycle: either another engine
			// instance holds the running steps or the global cap is taken
			// by other tasks. Poll.
			o.sleepFor(ctx, idlePollInterval)
			continue
		}

		outcome := o.awaitOutcome(ctx, exec)
		if outcome != nil {
			o.handleOutcome(ctx, exec, outcome)
		}
		EmitEngineCycle(ctx, time.Since(cycleStart))
	}
}

// dispatchReady starts as many ready steps as capacity permits. It returns
// the number started and whether a checkpoint gate parked the task, in which
// case dispatch stopped early and the caller should re-read.
func (o *Orchestrator) dispatchReady(ctx context.Context, exec *taskExecution, task *core.Task) (int, bool) {
	groups := o.scheduler.ReadySteps(task)
	if len(groups) == 0 {
		return 0, false
	}

	capacity := o.scheduler.Capacity(task)
	now := time.Now()
	dispatched := 0

	for _, group := range groups {
		for _, step := range group.Steps {
			if dispatched >= capacity {
				return dispatched, false
			}
			if exec.tracked(step.ID) {
				continue
			}
			if until, ok := exec.backoffUntil(step.ID); ok && now.Before(until) {
				continue
			}

			if step.CheckpointRequired && o.coordinator != nil {
				_, proceed, err := o.coordinator.Evaluate(ctx, task, step)
				if err != nil {
					if o.logger != nil {
						o.logger.ErrorWithContext(ctx, "Checkpoint evaluation failed", map[string]interface{}{
							"operation": "step_dispatch",
							"task_id":   task.ID,
							"step_id":   step.ID,
							"error":     err.Error(),
						})
					}
					continue
				}
				if !proceed {
					return dispatched, true
				}
			}

			if !o.inflightSem.TryAcquire(1) {
				if o.logger != nil {
					o.logger.DebugWithContext(ctx, "Global in-flight cap reached, deferring dispatch", map[string]interface{}{
						"operation": "step_dispatch",
						"task_id":   task.ID,
						"step_id":   step.ID,
					})
				}
				return dispatched, false
			}

			committed, err := o.commitRunning(ctx, task, step)
			if err != nil {
				o.inflightSem.Release(1)
				if errors.Is(err, core.ErrTaskConflict) {
					if o.logger != nil {
						o.logger.DebugWithContext(ctx, "Dispatch lost a write race, recomputing ready set", map[string]interface{}{
							"operation": "step_dispatch",
							"task_id":   task.ID,
							"step_id":   step.ID,
						})
					}
					return dispatched, false
				}
				if o.logger != nil {
					o.logger.ErrorWithContext(ctx, "Failed to mark step running", map[string]interface{}{
						"operation": "step_dispatch",
						"task_id":   task.ID,
						"step_id":   step.ID,
						"error":     err.Error(),
					})
				}
				continue
			}

			exec.clearBackoff(step.ID)
			o.launch(ctx, exec, task, step)
			o.publishStepTree(ctx, committed, step.ID)
			dispatched++
		}
	}
	return dispatched, false
}

// commitRunning claims the step in the store before the handler starts. The
// gate flag is cleared in the same write when an auto or preference approval
// let the step through without a resume, so retries never re-gate.
func (o *Orchestrator) commitRunning(ctx context.Context, task *core.Task, step *core.Step) (*core.Task, error) {
	running := core.StepStatusRunning
	now := time.Now().UTC()
	patch := core.StepPatch{Status: &running, StartedAt: &now}
	if step.CheckpointRequired {
		cleared := false
		patch.CheckpointRequired = &cleared
	}
	updated, err := o.store.UpdateStep(ctx, task.ID, step.ID, patch)
	if err != nil {
		return nil, err
	}
	EmitStepDispatched(ctx, task, step)
	if o.logger != nil {
		o.logger.InfoWithContext(ctx, "Step dispatched", map[string]interface{}{
			"operation":   "step_dispatch",
			"task_id":     task.ID,
			"step_id":     step.ID,
			"agent_type":  step.AgentType,
			"retry_count": step.RetryCount,
		})
	}
	return updated, nil
}

func (o *Orchestrator) launch(ctx context.Context, exec *taskExecution, task *core.Task, step *core.Step) {
	stepCtx, cancelStep := context.WithCancel(ctx)
	exec.track(step.ID, step.ParallelGroup, cancelStep)
	EmitStepsInflight(ctx, 1)

	go func() {
		defer o.inflightSem.Release(1)
		defer cancelStep()
		defer func() {
			if r := recover(); r != nil {
				now := time.Now().UTC()
				exec.send(&StepOutcome{
					TaskID:      task.ID,
					StepID:      step.ID,
					Err:         core.NewStepError(core.ErrorKindInternal, "step runner panic: %v", r),
					StartedAt:   now,
					CompletedAt: now,
				})
			}
		}()
		exec.send(o.runner.Run(stepCtx, task, step))
	}()
}

// awaitOutcome blocks until a step completes, the earliest retry backoff
// expires, the loop is nudged, or the context ends. A nil return means no
// outcome arrived and the caller should re-read the task.
func (o *Orchestrator) awaitOutcome(ctx context.Context, exec *taskExecution) *StepOutcome {
	var wake <-chan time.Time
	if next := exec.nextWake(); !next.IsZero() {
		delay := time.Until(next)
		if delay < 0 {
			delay = 0
		}
		timer := time.NewTimer(delay)
		defer timer.Stop()
		wake = timer.C
	}
	select {
	case <-ctx.Done():
		return nil
	case outcome := <-exec.completions:
		return outcome
	case <-exec.kick:
		return nil
	case <-wake:
		return nil
	}
}

// awaitParked waits while the task sits on a checkpoint or pause. In-flight
// steps still settle; everything else polls until an external decision moves
// the task.
func (o *Orchestrator) awaitParked(ctx context.Context, exec *taskExecution) {
	timer := time.NewTimer(checkpointPollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case outcome := <-exec.completions:
		o.handleOutcome(ctx, exec, outcome)
	case <-exec.kick:
	case <-timer.C:
	}
}

// ============================================================================
// Outcome settlement
// ============================================================================

func (o *Orchestrator) handleOutcome(ctx context.Context, exec *taskExecution, outcome *StepOutcome) {
	if !exec.release(outcome.StepID) {
		return
	}
	EmitStepsInflight(ctx, -1)

	task, err := o.loadTask(ctx, exec.id())
	if err != nil {
		if o.logger != nil {
			o.logger.ErrorWithContext(ctx, "Failed to load task for step outcome", map[string]interface{}{
				"operation": "step_complete",
				"task_id":   exec.id(),
				"step_id":   outcome.StepID,
				"error":     err.Error(),
			})
		}
		return
	}

	step, ok := task.Step(outcome.StepID)
	if !ok {
		if o.logger != nil {
			o.logger.WarnWithContext(ctx, "Outcome for unknown step discarded", map[string]interface{}{
				"operation": "step_complete",
				"task_id":   task.ID,
				"step_id":   outcome.StepID,
			})
		}
		return
	}
	if step.Status != core.StepStatusRunning {
		if o.logger != nil {
			o.logger.DebugWithContext(ctx, "Outcome for settled step discarded", map[string]interface{}{
				"operation": "step_complete",
				"task_id":   task.ID,
				"step_id":   step.ID,
				"status":    string(step.Status),
			})
		}
		return
	}

	o.persistFindings(ctx, task.ID, outcome.Findings)

	switch {
	case outcome.Cancelled():
		o.persistCancelled(ctx, task, step, outcome)
	case outcome.Succeeded():
		o.persistSuccess(ctx, task, step, outcome)
	default:
		o.handleFailure(ctx, exec, task, step, outcome.Err)
	}
}

func (o *Orchestrator) persistSuccess(ctx context.Context, task *core.Task, step *core.Step, outcome *StepOutcome) {
	done := core.StepStatusDone
	completedAt := outcome.CompletedAt
	duration := outcome.Duration.Seconds()
	updated, err := o.updateStep(ctx, task.ID, step.ID, core.StepPatch{
		Status:          &done,
		Outputs:         outcome.Outputs,
		CompletedAt:     &completedAt,
		DurationSeconds: &duration,
	})
	if err != nil {
		o.logStepWriteFailure(ctx, "step_complete", task.ID, step.ID, err)
		return
	}
	EmitStepCompleted(ctx, task, step, duration)
	if o.logger != nil {
		o.logger.InfoWithContext(ctx, "Step completed", map[string]interface{}{
			"operation":        "step_complete",
			"task_id":          task.ID,
			"step_id":          step.ID,
			"agent_type":       step.AgentType,
			"duration_seconds": duration,
		})
	}
	o.publishStepTree(ctx, updated, step.ID)
}

// persistCancelled settles a cancelled run. Cancellation is not a failure:
// the step fails with error "cancelled" and the failure controller is never
// consulted.
func (o *Orchestrator) persistCancelled(ctx context.Context, task *core.Task, step *core.Step, outcome *StepOutcome) {
	failedStatus := core.StepStatusFailed
	message := "cancelled"
	now := time.Now().UTC()
	duration := outcome.Duration.Seconds()
	updated, err := o.updateStep(ctx, task.ID, step.ID, core.StepPatch{
		Status:          &failedStatus,
		Error:           &message,
		CompletedAt:     &now,
		DurationSeconds: &duration,
	})
	if err != nil {
		o.logStepWriteFailure(ctx, "step_cancelled", task.ID, step.ID, err)
		return
	}
	EmitStepCancelled(ctx, task, step)
	if o.logger != nil {
		o.logger.InfoWithContext(ctx, "Step cancelled", map[string]interface{}{
			"operation": "step_cancelled",
			"task_id":   task.ID,
			"step_id":   step.ID,
		})
	}
	o.publishStepTree(ctx, updated, step.ID)
}

// handleFailure routes a failed step to its consequence. Group policy is
// applied first: fail_fast cancels in-flight siblings and recovery proceeds
// for the failed member; all_or_nothing fails the whole group without
// consulting recovery, since no proposal can rescue a group that failed as a
// unit.
func (o *Orchestrator) handleFailure(ctx context.Context, exec *taskExecution, task *core.Task, step *core.Step, stepErr *core.StepError) {
	EmitStepFailed(ctx, task, step, stepErr)
	if o.logger != nil {
		o.logger.WarnWithContext(ctx, "Step failed", map[string]interface{}{
			"operation":   "step_failed",
			"task_id":     task.ID,
			"step_id":     step.ID,
			"agent_type":  step.AgentType,
			"error_kind":  string(stepErr.Kind),
			"error":       stepErr.Message,
			"retry_count": step.RetryCount,
		})
	}

	if step.ParallelGroup != "" {
		switch groupPolicy(task, step.ParallelGroup) {
		case core.FailurePolicyFailFast:
			if n := exec.cancelGroup(step.ParallelGroup, step.ID); n > 0 && o.logger != nil {
				o.logger.InfoWithContext(ctx, "Cancelled fail_fast siblings", map[string]interface{}{
					"operation":      "group_fail",
					"task_id":        task.ID,
					"step_id":        step.ID,
					"parallel_group": step.ParallelGroup,
					"cancelled":      n,
				})
			}
		case core.FailurePolicyAllOrNothing:
			o.failGroup(ctx, exec, task, step, stepErr)
			return
		}
	}

	proposal := o.controller.Propose(ctx, task, step, stepErr)
	o.applyProposal(ctx, exec, task, step, stepErr, proposal)
}

// failGroup terminates an all_or_nothing group after one member failed.
// Completed members keep their outputs, incomplete members fail, in-flight
// members are cancelled and settle through the cancellation path. A critical
// member anywhere in the group fails the task outright.
func (o *Orchestrator) failGroup(ctx context.Context, exec *taskExecution, task *core.Task, failed *core.Step, stepErr *core.StepError) {
	exec.cancelGroup(failed.ParallelGroup, failed.ID)
	o.failStep(ctx, task.ID, failed.ID, stepErr.Error())

	groupMessage := fmt.Sprintf("parallel group %q failed: all_or_nothing", failed.ParallelGroup)
	critical := failed.Critical()
	failedSiblings := 0
	for _, member := range task.Steps {
		if member.ParallelGroup != failed.ParallelGroup || member.ID == failed.ID {
			continue
		}
		if member.Critical() {
			critical = true
		}
		switch member.Status {
		case core.StepStatusPending, core.StepStatusCheckpoint:
			o.failStep(ctx, task.ID, member.ID, groupMessage)
			failedSiblings++
		}
	}

	if o.logger != nil {
		o.logger.WarnWithContext(ctx, "Parallel group failed as a unit", map[string]interface{}{
			"operation":       "group_fail",
			"task_id":         task.ID,
			"step_id":         failed.ID,
			"parallel_group":  failed.ParallelGroup,
			"failed_siblings": failedSiblings,
			"critical":        critical,
		})
	}

	if critical {
		exec.cancelAll()
		o.failTask(ctx, task.ID, fmt.Sprintf("step %s failed: %s", failed.ID, stepErr.Message))
	}
}

func (o *Orchestrator) applyProposal(ctx context.Context, exec *taskExecution, task *core.Task, step *core.Step, stepErr *core.StepError, proposal *Proposal) {
	message := stepErr.Error()
	pending := core.StepStatusPending

	switch proposal.Type {
	case ProposalRetry:
		attempt := step.RetryCount + 1
		if _, err := o.updateStep(ctx, task.ID, step.ID, core.StepPatch{
			Status:     &pending,
			Error:      &message,
			RetryCount: &attempt,
		}); err != nil {
			o.logStepWriteFailure(ctx, "step_retry", task.ID, step.ID, err)
			return
		}
		exec.setBackoff(step.ID, time.Now().Add(proposal.RetryDelay))
		EmitStepRetried(ctx, task, step, attempt, proposal.RetryDelay)
		if o.logger != nil {
			o.logger.InfoWithContext(ctx, "Step scheduled for retry", map[string]interface{}{
				"operation": "step_retry",
				"task_id":   task.ID,
				"step_id":   step.ID,
				"attempt":   attempt,
				"delay_ms":  proposal.RetryDelay.Milliseconds(),
			})
		}

	case ProposalFallback:
		next := *step.Fallback
		next.Consumed++
		fresh := 0
		patch := core.StepPatch{
			Status:     &pending,
			Error:      &message,
			RetryCount: &fresh,
			Fallback:   &next,
		}
		if len(proposal.Rebind) > 0 {
			patch.Inputs = proposal.Rebind
		}
		if _, err := o.updateStep(ctx, task.ID, step.ID, patch); err != nil {
			o.logStepWriteFailure(ctx, "step_fallback", task.ID, step.ID, err)
			return
		}
		EmitFallbackConsumed(ctx, task, step, proposal.Option)
		if o.logger != nil {
			fields := map[string]interface{}{
				"operation": "step_fallback",
				"task_id":   task.ID,
				"step_id":   step.ID,
				"consumed":  next.Consumed,
			}
			if proposal.Option != nil {
				fields["model"] = proposal.Option.Model
				fields["api"] = proposal.Option.API
				fields["strategy"] = proposal.Option.Strategy
			}
			o.logger.InfoWithContext(ctx, "Fallback consumed", fields)
		}

	case ProposalModify:
		attempt := step.RetryCount + 1
		if _, err := o.updateStep(ctx, task.ID, step.ID, core.StepPatch{
			Status:         &pending,
			Error:          &message,
			RetryCount:     &attempt,
			InputsOverride: proposal.Inputs,
		}); err != nil {
			o.logStepWriteFailure(ctx, "step_modify", task.ID, step.ID, err)
			return
		}
		if o.logger != nil {
			o.logger.InfoWithContext(ctx, "Step inputs rewritten for retry", map[string]interface{}{
				"operation": "step_modify",
				"task_id":   task.ID,
				"step_id":   step.ID,
				"attempt":   attempt,
			})
		}

	case ProposalSkip:
		skipped := core.StepStatusSkipped
		now := time.Now().UTC()
		updated, err := o.updateStep(ctx, task.ID, step.ID, core.StepPatch{
			Status:      &skipped,
			Error:       &message,
			CompletedAt: &now,
		})
		if err != nil {
			o.logStepWriteFailure(ctx, "step_skip", task.ID, step.ID, err)
			return
		}
		EmitStepSkipped(ctx, task, step)
		if o.logger != nil {
			o.logger.InfoWithContext(ctx, "Non-critical step skipped", map[string]interface{}{
				"operation": "step_skip",
				"task_id":   task.ID,
				"step_id":   step.ID,
				"error":     stepErr.Message,
			})
		}
		o.publishStepTree(ctx, updated, step.ID)

	case ProposalReplan:
		o.failStep(ctx, task.ID, step.ID, message)
		successor, err := replanTask(ctx, o.store, o.planner, task, step, proposal.ReplanContext, o.logger)
		if err != nil {
			if o.logger != nil {
				o.logger.ErrorWithContext(ctx, "Replan failed, aborting task", map[string]interface{}{
					"operation": "task_replan",
					"task_id":   task.ID,
					"step_id":   step.ID,
					"error":     err.Error(),
				})
			}
			exec.cancelAll()
			o.failTask(ctx, task.ID, fmt.Sprintf("step %s failed and replanning failed: %s", step.ID, stepErr.Message))
			return
		}
		// Remaining in-flight work belongs to the replaced plan.
		exec.cancelAll()
		if o.logger != nil {
			o.logger.InfoWithContext(ctx, "Task superseded by replan", map[string]interface{}{
				"operation":    "task_replan",
				"task_id":      task.ID,
				"step_id":      step.ID,
				"successor_id": successor.ID,
			})
		}

	case ProposalAbort:
		o.failStep(ctx, task.ID, step.ID, message)
		exec.cancelAll()
		o.failTask(ctx, task.ID, fmt.Sprintf("step %s failed: %s", step.ID, stepErr.Message))
	}
}

// ============================================================================
// Liveness, finalization, drain
// ============================================================================

// RecoverRunning reclaims steps left running past the liveness deadline by a
// crashed or partitioned instance, without starting execution. Execute runs
// the same recovery on every cycle; this entry point exists for operational
// cleanup of tasks nobody is about to execute.
func (o *Orchestrator) RecoverRunning(ctx context.Context, taskID string) (int, error) {
	task, err := o.loadTask(ctx, taskID)
	if err != nil {
		return 0, err
	}
	if task.IsTerminal() {
		return 0, nil
	}
	exec := newTaskExecution(task.ID, o.config.CompletionQueueSize)
	defer exec.close()
	return o.reclaimLost(ctx, exec, task), nil
}

// reclaimLost reclassifies running steps this instance does not own once they
// exceed the liveness deadline, then routes them through the failure
// controller like any other failure. Returns how many were reclaimed.
func (o *Orchestrator) reclaimLost(ctx context.Context, exec *taskExecution, task *core.Task) int {
	deadline := o.config.LivenessDeadline()
	reclaimed := 0
	for _, step := range task.Steps {
		if step.Status != core.StepStatusRunning || exec.tracked(step.ID) {
			continue
		}
		if step.StartedAt != nil && time.Since(*step.StartedAt) < deadline {
			continue
		}
		if o.logger != nil {
			fields := map[string]interface{}{
				"operation": "execution_reclaim",
				"task_id":   task.ID,
				"step_id":   step.ID,
			}
			if step.StartedAt != nil {
				fields["started_at"] = step.StartedAt.Format(time.RFC3339)
			}
			o.logger.WarnWithContext(ctx, "Reclaiming step lost by a previous run", fields)
		}
		o.handleFailure(ctx, exec, task, step, core.NewStepError(core.ErrorKindExecutionLost, "execution lost"))
		reclaimed++
	}
	return reclaimed
}

// finalize completes a task whose steps all settled. A terminally failed
// critical step fails the task; otherwise it completes, skipped and
// non-critical failed steps included.
func (o *Orchestrator) finalize(ctx context.Context, task *core.Task) (*core.Task, error) {
	status := core.TaskStatusCompleted
	reason := ""
	for _, step := range task.Steps {
		if step.Status == core.StepStatusFailed && step.Critical() {
			status = core.TaskStatusFailed
			reason = fmt.Sprintf("step %s failed: %s", step.ID, step.Error)
			break
		}
	}

	now := time.Now().UTC()
	updated, err := o.updateTask(ctx, task.ID, core.TaskPatch{Status: &status, CompletedAt: &now})
	if err != nil {
		return nil, err
	}

	if status == core.TaskStatusCompleted {
		EmitTaskCompleted(ctx, updated)
		if o.logger != nil {
			o.logger.InfoWithContext(ctx, "Task completed", map[string]interface{}{
				"operation": "task_finalize",
				"task_id":   task.ID,
				"steps":     len(task.Steps),
			})
		}
		return updated, nil
	}

	EmitTaskFailed(ctx, updated, reason)
	if o.logger != nil {
		o.logger.ErrorWithContext(ctx, "Task failed", map[string]interface{}{
			"operation": "task_finalize",
			"task_id":   task.ID,
			"reason":    reason,
		})
	}
	return updated, nil
}

// failBlocked fails a task whose remaining steps all sit behind failed
// dependencies.
func (o *Orchestrator) failBlocked(ctx context.Context, task *core.Task) (*core.Task, error) {
	failedStatus := core.TaskStatusFailed
	now := time.Now().UTC()
	updated, err := o.updateTask(ctx, task.ID, core.TaskPatch{Status: &failedStatus, CompletedAt: &now})
	if err != nil {
		return nil, err
	}
	reason := "execution blocked: remaining steps depend on failed work"
	if err := o.store.AppendFinding(ctx, task.ID, core.NewFinding("", core.FindingTypeWarning, reason)); err != nil && o.logger != nil {
		o.logger.WarnWithContext(ctx, "Failed to append finding", map[string]interface{}{
			"operation": "engine_blocked",
			"task_id":   task.ID,
			"error":     err.Error(),
		})
	}
	EmitTaskFailed(ctx, updated, reason)
	if o.logger != nil {
		o.logger.ErrorWithContext(ctx, "Task blocked with no path forward", map[string]interface{}{
			"operation": "engine_blocked",
			"task_id":   task.ID,
			"reason":    reason,
		})
	}
	return updated, nil
}

// drainInflight stops outstanding step goroutines once the task is terminal.
// Outcomes arriving within the grace period settle as cancelled; stragglers
// are reclassified directly and their eventual results dropped.
func (o *Orchestrator) drainInflight(ctx context.Context, exec *taskExecution, task *core.Task) {
	if exec.inflightCount() == 0 {
		return
	}
	exec.cancelAll()

	grace := time.NewTimer(o.config.CancelGracePeriod)
	defer grace.Stop()

	for exec.inflightCount() > 0 {
		select {
		case outcome := <-exec.completions:
			if !exec.release(outcome.StepID) {
				continue
			}
			EmitStepsInflight(ctx, -1)
			o.failStepQuiet(ctx, task.ID, outcome.StepID, "cancelled")
		case <-grace.C:
			for _, stepID := range exec.inflightIDs() {
				exec.release(stepID)
				EmitStepsInflight(ctx, -1)
				o.failStepQuiet(ctx, task.ID, stepID, "cancelled")
				if o.logger != nil {
					o.logger.WarnWithContext(ctx, "Step abandoned after cancellation grace period", map[string]interface{}{
						"operation": "task_cancel",
						"task_id":   task.ID,
						"step_id":   stepID,
					})
				}
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

// ============================================================================
// Store access helpers
// ============================================================================

func (o *Orchestrator) loadTask(ctx context.Context, taskID string) (*core.Task, error) {
	var task *core.Task
	err := resilience.Retry(ctx, storeRetryConfig(), func() error {
		t, err := o.store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		task = t
		return nil
	})
	return task, err
}

func (o *Orchestrator) updateTask(ctx context.Context, taskID string, patch core.TaskPatch) (*core.Task, error) {
	var task *core.Task
	err := resilience.Retry(ctx, storeRetryConfig(), func() error {
		t, err := o.store.UpdateTask(ctx, taskID, patch)
		if err != nil {
			return err
		}
		task = t
		return nil
	})
	return task, err
}

func (o *Orchestrator) updateStep(ctx context.Context, taskID, stepID string, patch core.StepPatch) (*core.Task, error) {
	var task *core.Task
	err := resilience.Retry(ctx, storeRetryConfig(), func() error {
		t, err := o.store.UpdateStep(ctx, taskID, stepID, patch)
		if err != nil {
			return err
		}
		task = t
		return nil
	})
	return task, err
}

// failStep fails a step terminally, logging write failures.
func (o *Orchestrator) failStep(ctx context.Context, taskID, stepID, message string) {
	failedStatus := core.StepStatusFailed
	now := time.Now().UTC()
	if _, err := o.updateStep(ctx, taskID, stepID, core.StepPatch{
		Status:      &failedStatus,
		Error:       &message,
		CompletedAt: &now,
	}); err != nil && !errors.Is(err, core.ErrStepTerminal) {
		o.logStepWriteFailure(ctx, "step_failed", taskID, stepID, err)
	}
}

// failStepQuiet is failStep for drain paths where the step may already be
// settled or the whole task gone.
func (o *Orchestrator) failStepQuiet(ctx context.Context, taskID, stepID, message string) {
	failedStatus := core.StepStatusFailed
	now := time.Now().UTC()
	_, err := o.updateStep(ctx, taskID, stepID, core.StepPatch{
		Status:      &failedStatus,
		Error:       &message,
		CompletedAt: &now,
	})
	if err != nil && !errors.Is(err, core.ErrStepTerminal) && !errors.Is(err, core.ErrTaskTerminal) && o.logger != nil {
		o.logger.DebugWithContext(ctx, "Drain-time step write failed", map[string]interface{}{
			"operation": "task_cancel",
			"task_id":   taskID,
			"step_id":   stepID,
			"error":     err.Error(),
		})
	}
}

func (o *Orchestrator) failTask(ctx context.Context, taskID, reason string) {
	failedStatus := core.TaskStatusFailed
	now := time.Now().UTC()
	updated, err := o.updateTask(ctx, taskID, core.TaskPatch{Status: &failedStatus, CompletedAt: &now})
	if err != nil {
		if errors.Is(err, core.ErrTaskTerminal) {
			return
		}
		if o.logger != nil {
			o.logger.ErrorWithContext(ctx, "Failed to mark task failed", map[string]interface{}{
				"operation": "task_finalize",
				"task_id":   taskID,
				"error":     err.Error(),
			})
		}
		return
	}
	if err := o.store.AppendFinding(ctx, taskID, core.NewFinding("", core.FindingTypeWarning, reason)); err != nil && o.logger != nil {
		o.logger.WarnWithContext(ctx, "Failed to append finding", map[string]interface{}{
			"operation": "task_finalize",
			"task_id":   taskID,
			"error":     err.Error(),
		})
	}
	EmitTaskFailed(ctx, updated, reason)
	if o.logger != nil {
		o.logger.ErrorWithContext(ctx, "Task failed", map[string]interface{}{
			"operation": "task_finalize",
			"task_id":   taskID,
			"reason":    reason,
		})
	}
}

func (o *Orchestrator) persistFindings(ctx context.Context, taskID string, findings []*core.Finding) {
	for _, finding := range findings {
		if err := o.store.AppendFinding(ctx, taskID, finding); err != nil && o.logger != nil {
			o.logger.WarnWithContext(ctx, "Failed to append finding", map[string]interface{}{
				"operation": "finding_append",
				"task_id":   taskID,
				"error":     err.Error(),
			})
		}
	}
}

func (o *Orchestrator) logStepWriteFailure(ctx context.Context, operation, taskID, stepID string, err error) {
	if o.logger == nil {
		return
	}
	o.logger.ErrorWithContext(ctx, "Step state write failed", map[string]interface{}{
		"operation": operation,
		"task_id":   taskID,
		"step_id":   stepID,
		"error":     err.Error(),
	})
}

// ============================================================================
// Tree projection and registry
// ============================================================================

func (o *Orchestrator) publishStepTree(ctx context.Context, task *core.Task, stepID string) {
	step, ok := task.Step(stepID)
	if !ok {
		return
	}
	if err := o.tree.PublishStep(ctx, task, step); err != nil && o.logger != nil {
		o.logger.WarnWithContext(ctx, "Execution tree publish failed", map[string]interface{}{
			"operation": "tree_publish",
			"task_id":   task.ID,
			"step_id":   stepID,
			"error":     err.Error(),
		})
	}
}

func (o *Orchestrator) publishTaskTree(ctx context.Context, task *core.Task) {
	if err := o.tree.PublishTask(ctx, task); err != nil && o.logger != nil {
		o.logger.WarnWithContext(ctx, "Execution tree publish failed", map[string]interface{}{
			"operation": "tree_publish",
			"task_id":   task.ID,
			"error":     err.Error(),
		})
	}
}

func (o *Orchestrator) register(exec *taskExecution) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.active[exec.id()]; exists {
		return false
	}
	o.active[exec.id()] = exec
	return true
}

func (o *Orchestrator) unregister(exec *taskExecution) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active[exec.id()] == exec {
		delete(o.active, exec.id())
	}
}

// retarget re-keys the execution to follow a replan successor. It reports
// false when another execution already owns the successor.
func (o *Orchestrator) retarget(exec *taskExecution, successorID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.active[successorID]; exists {
		return false
	}
	delete(o.active, exec.id())
	exec.setID(successorID)
	o.active[successorID] = exec
	return true
}

func (o *Orchestrator) sleepFor(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (o *Orchestrator) sleepUntil(ctx context.Context, t time.Time) {
	delay := time.Until(t)
	if delay <= 0 {
		return
	}
	o.sleepFor(ctx, delay)
}

func hasGatedStep(task *core.Task) bool {
	for _, step := range task.Steps {
		if step.Status == core.StepStatusCheckpoint {
			return true
		}
	}
	return false
}

// groupPolicy resolves a parallel group's failure policy from its first
// member in document order that declares one.
func groupPolicy(task *core.Task, group string) core.FailurePolicy {
	for _, step := range task.Steps {
		if step.ParallelGroup == group && step.FailurePolicy != "" {
			return effectivePolicy(step.FailurePolicy)
		}
	}
	return core.FailurePolicyAllOrNothing
}
