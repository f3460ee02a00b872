package orchestration

import (
	"context"

	"github.com/praxisworks/praxis/core"
)

// Planner produces and revises step plans. The engine never invents steps on
// its own; planning intelligence lives behind this interface so deployments
// can plug in an LLM-backed planner, a rules engine or a fixture.
type Planner interface {
	// Plan decomposes a goal into an ordered set of steps honoring the
	// given constraints. The returned steps must form a valid DAG; the
	// engine validates them again at task creation.
	Plan(ctx context.Context, goal string, constraints map[string]interface{}) ([]*core.Step, error)

	// Replan produces a successor task after a structural failure. The
	// context carries the diagnosis, the affected steps and the outputs of
	// completed work so the planner can build around what already
	// succeeded instead of starting over.
	Replan(ctx context.Context, original *core.Task, failedStep *core.Step, replanCtx *ReplanContext) (*core.Task, error)
}

// InputSynthesizer rewrites a failing step's inputs when the failure kind
// suggests the inputs themselves are the problem (content filtered, or
// rejected by upstream validation). Implementations typically rephrase
// prompts or trim offending fields.
type InputSynthesizer interface {
	SynthesizeInputs(ctx context.Context, task *core.Task, step *core.Step, stepErr *core.StepError) (map[string]interface{}, error)
}
