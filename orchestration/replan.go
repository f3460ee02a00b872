package orchestration

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/praxisworks/praxis/core"
	"github.com/praxisworks/praxis/resilience"
)

// ============================================================================
// Replan context
// ============================================================================

// ReplanContext is the briefing handed to the planner when a structural
// failure calls for a new plan. CompletedOutputs carries every done step's
// outputs so the planner can preserve finished work instead of redoing it.
type ReplanContext struct {
	Diagnosis         string                            `json:"diagnosis"`
	AffectedStepIDs   []string                          `json:"affected_step_ids"`
	CompletedOutputs  map[string]map[string]interface{} `json:"completed_outputs"`
	Constraints       map[string]interface{}            `json:"constraints,omitempty"`
	SuggestedApproach string                            `json:"suggested_approach,omitempty"`
}

// buildReplanContext assembles the briefing from the current task state. The
// affected set is the failed step plus every transitive dependent, since
// none of those can run as planned once the failure is structural.
func buildReplanContext(task *core.Task, failedStep *core.Step, stepErr *core.StepError) *ReplanContext {
	completed := make(map[string]map[string]interface{})
	for _, step := range task.Steps {
		if step.Status == core.StepStatusDone && step.Outputs != nil {
			completed[step.ID] = step.Outputs
		}
	}

	return &ReplanContext{
		Diagnosis:        fmt.Sprintf("step %s (%s) failed with %s: %s", failedStep.ID, failedStep.AgentType, stepErr.Kind, stepErr.Message),
		AffectedStepIDs:  dependentClosure(task, failedStep.ID),
		CompletedOutputs: completed,
		Constraints:      task.Constraints,
	}
}

// dependentClosure returns stepID plus every step that transitively depends
// on it, in document order.
func dependentClosure(task *core.Task, stepID string) []string {
	affected := map[string]bool{stepID: true}
	// Steps are topologically ordered by construction (dependencies refer
	// to earlier declarations), so one forward pass closes the set.
	for _, step := range task.Steps {
		for _, dep := range step.Dependencies {
			if affected[dep] {
				affected[step.ID] = true
				break
			}
		}
	}

	out := make([]string, 0, len(affected))
	if affected[stepID] {
		out = append(out, stepID)
	}
	for _, step := range task.Steps {
		if step.ID != stepID && affected[step.ID] {
			out = append(out, step.ID)
		}
	}
	return out
}

// ============================================================================
// Strategic replan
// ============================================================================

// replanTask runs the full supersede sequence: ask the planner for a
// successor, normalize its lineage fields, verify no completed work would be
// re-executed, persist the successor, then link and retire the original.
// The successor is written before the original is touched, so a crash in
// between leaves both tasks intact and the supersede link retryable.
func replanTask(ctx context.Context, store core.TaskStore, planner Planner, task *core.Task, failedStep *core.Step, replanCtx *ReplanContext, logger core.Logger) (*core.Task, error) {
	if planner == nil {
		return nil, fmt.Errorf("replan task %s: no planner configured", task.ID)
	}

	successor, err := planner.Replan(ctx, task, failedStep, replanCtx)
	if err != nil {
		return nil, core.NewEngineError("orchestrator.replan", "planner", err)
	}
	if successor == nil {
		return nil, fmt.Errorf("replan task %s: planner returned no successor", task.ID)
	}

	normalizeSuccessor(task, successor, replanCtx)

	if err := verifyPreservation(task, successor); err != nil {
		return nil, err
	}

	if err := store.CreateTask(ctx, successor); err != nil {
		return nil, core.NewEngineError("orchestrator.replan", "task", err)
	}

	supersededStatus := core.TaskStatusSuperseded
	err = resilience.Retry(ctx, storeRetryConfig(), func() error {
		_, err := store.UpdateTask(ctx, task.ID, core.TaskPatch{
			SupersededBy: &successor.ID,
			Status:       &supersededStatus,
		})
		return err
	})
	if err != nil {
		if logger != nil {
			logger.ErrorWithContext(ctx, "Successor created but supersede link failed", map[string]interface{}{
				"operation":    "task_replan",
				"task_id":      task.ID,
				"successor_id": successor.ID,
				"error":        err.Error(),
			})
		}
		return successor, core.NewEngineError("orchestrator.replan", "task", err)
	}

	if logger != nil {
		logger.InfoWithContext(ctx, "Task replanned", map[string]interface{}{
			"operation":    "task_replan",
			"task_id":      task.ID,
			"successor_id": successor.ID,
			"version":      successor.Version,
			"diagnosis":    replanCtx.Diagnosis,
		})
	}
	EmitTaskReplanned(ctx, task, successor)
	return successor, nil
}

// normalizeSuccessor fills the lineage fields the planner is allowed to
// leave blank and stamps the replan finding.
func normalizeSuccessor(original *core.Task, successor *core.Task, replanCtx *ReplanContext) {
	if successor.ID == "" || successor.ID == original.ID {
		successor.ID = fmt.Sprintf("task-%s", uuid.New().String())
	}
	successor.Version = original.Version + 1
	successor.ParentTaskID = original.ID
	successor.SupersededBy = ""
	successor.Status = core.TaskStatusExecuting
	if successor.UserID == "" {
		successor.UserID = original.UserID
	}
	if successor.OrganizationID == "" {
		successor.OrganizationID = original.OrganizationID
	}
	if successor.Goal == "" {
		successor.Goal = original.Goal
	}
	if successor.Constraints == nil {
		successor.Constraints = original.Constraints
	}
	if successor.MaxParallelSteps == 0 {
		successor.MaxParallelSteps = original.MaxParallelSteps
	}
	if successor.TraceID == "" {
		successor.TraceID = original.TraceID
		successor.ParentSpanID = original.ParentSpanID
	}
	if successor.CreatedAt.IsZero() {
		successor.CreatedAt = time.Now().UTC()
	}

	preserved := 0
	for _, step := range successor.Steps {
		if step.Status == core.StepStatusDone {
			preserved++
		}
	}
	findings := make([]*core.Finding, 0, len(original.Findings)+1)
	findings = append(findings, original.Findings...)
	findings = append(findings, core.NewFinding("", core.FindingTypeReplan,
		fmt.Sprintf("%s; %d of %d steps preserved", replanCtx.Diagnosis, preserved, len(successor.Steps))))
	successor.Findings = findings
}

// verifyPreservation rejects successors that would re-execute completed
// work, and successors claiming completion the original never reached.
func verifyPreservation(original *core.Task, successor *core.Task) error {
	originalDone := make(map[string]bool)
	for _, step := range original.Steps {
		if step.Status == core.StepStatusDone {
			originalDone[step.ID] = true
		}
	}

	for _, step := range successor.Steps {
		if originalDone[step.ID] && step.Status != core.StepStatusDone {
			return fmt.Errorf("%w: replan would re-execute completed step %s", core.ErrPlanInvalid, step.ID)
		}
		if step.Status == core.StepStatusDone && !originalDone[step.ID] {
			return fmt.Errorf("%w: replan marks step %s done but the original never completed it", core.ErrPlanInvalid, step.ID)
		}
	}
	return nil
}
