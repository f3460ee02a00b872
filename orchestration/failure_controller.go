package orchestration

import (
	"context"
	"time"

	"github.com/praxisworks/praxis/core"
)

// ============================================================================
// Recovery proposals
// ============================================================================

// ProposalType names the failure controller's possible reactions.
type ProposalType string

const (
	ProposalRetry    ProposalType = "retry"
	ProposalFallback ProposalType = "fallback"
	ProposalModify   ProposalType = "modify"
	ProposalSkip     ProposalType = "skip"
	ProposalReplan   ProposalType = "replan"
	ProposalAbort    ProposalType = "abort"
)

// Proposal is the failure controller's decision for one failed step. Only
// the fields relevant to the proposal type are populated: RetryDelay for
// retry, Option and Rebind for fallback, Inputs for modify, ReplanContext
// for replan.
type Proposal struct {
	Type       ProposalType
	Confidence float64
	Reason     string

	RetryDelay    time.Duration
	Option        *core.FallbackOption
	Rebind        map[string]interface{}
	Inputs        map[string]interface{}
	ReplanContext *ReplanContext
}

// ============================================================================
// Failure controller
// ============================================================================

// FailureController decides how the engine reacts to a failed step. It
// never mutates task state itself; the orchestrator applies whichever
// proposal comes back.
type FailureController struct {
	registry    core.CapabilityRegistry
	synthesizer InputSynthesizer
	config      EngineConfig
	logger      core.Logger
}

// FailureControllerOption configures a FailureController.
type FailureControllerOption func(*FailureController)

// WithControllerRegistry lets the controller consult capability side-effect
// classes when judging whether a lost execution is safe to retry.
func WithControllerRegistry(registry core.CapabilityRegistry) FailureControllerOption {
	return func(f *FailureController) {
		f.registry = registry
	}
}

// WithControllerSynthesizer enables MODIFY proposals for recoverable input
// failures.
func WithControllerSynthesizer(synth InputSynthesizer) FailureControllerOption {
	return func(f *FailureController) {
		f.synthesizer = synth
	}
}

// WithControllerConfig overrides the engine configuration.
func WithControllerConfig(config EngineConfig) FailureControllerOption {
	return func(f *FailureController) {
		f.config = config.normalize()
	}
}

// WithControllerLogger sets the controller's logger.
func WithControllerLogger(logger core.Logger) FailureControllerOption {
	return func(f *FailureController) {
		if logger != nil {
			if cal, ok := logger.(core.ComponentAwareLogger); ok {
				f.logger = cal.WithComponent("praxis/orchestration")
			} else {
				f.logger = logger
			}
		}
	}
}

// NewFailureController creates a failure controller.
func NewFailureController(opts ...FailureControllerOption) *FailureController {
	f := &FailureController{
		config: DefaultEngineConfig(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Propose walks the decision procedure for one failed step and returns a
// recovery proposal. Cancellation never reaches here; the orchestrator
// filters it out before consulting the controller.
func (f *FailureController) Propose(ctx context.Context, task *core.Task, step *core.Step, stepErr *core.StepError) *Proposal {
	proposal := f.decide(ctx, task, step, stepErr)

	if f.logger != nil {
		f.logger.InfoWithContext(ctx, "Recovery proposed", map[string]interface{}{
			"operation":   "failure_propose",
			"task_id":     task.ID,
			"step_id":     step.ID,
			"error_kind":  stepErr.Kind,
			"proposal":    proposal.Type,
			"confidence":  proposal.Confidence,
			"retry_count": step.RetryCount,
		})
	}
	EmitRecoveryProposed(ctx, task, step, proposal)
	return proposal
}

func (f *FailureController) decide(ctx context.Context, task *core.Task, step *core.Step, stepErr *core.StepError) *Proposal {
	kind := stepErr.Kind

	if f.retryEligible(step, kind) && step.RetryCount < step.RetryBudget() {
		return &Proposal{
			Type:       ProposalRetry,
			Confidence: 0.9,
			Reason:     "transient failure within retry budget",
			RetryDelay: f.backoffDelay(step.RetryCount),
		}
	}

	if opt := step.Fallback.Next(); opt != nil && f.redispatchAllowed(step, kind) {
		return &Proposal{
			Type:       ProposalFallback,
			Confidence: 0.75,
			Reason:     "unused fallback option available",
			Option:     opt,
			Rebind:     FallbackRebind(opt),
		}
	}

	if kind.Recoverable() && f.synthesizer != nil && step.RetryCount < step.RetryBudget() {
		inputs, err := f.synthesizer.SynthesizeInputs(ctx, task, step, stepErr)
		if err == nil && len(inputs) > 0 {
			return &Proposal{
				Type:       ProposalModify,
				Confidence: 0.6,
				Reason:     "inputs rewritten around a recoverable rejection",
				Inputs:     inputs,
			}
		}
		if err != nil && f.logger != nil {
			f.logger.WarnWithContext(ctx, "Input synthesis failed, continuing decision procedure", map[string]interface{}{
				"operation": "failure_propose",
				"task_id":   task.ID,
				"step_id":   step.ID,
				"error":     err.Error(),
			})
		}
	}

	if !step.Critical() {
		return &Proposal{
			Type:       ProposalSkip,
			Confidence: 0.8,
			Reason:     "step is non-critical; dependents treat skipped as satisfied",
		}
	}

	if kind.Structural() || kind == core.ErrorKindExecutionLost {
		return &Proposal{
			Type:          ProposalReplan,
			Confidence:    0.5,
			Reason:        "structural failure; plan no longer executable as written",
			ReplanContext: buildReplanContext(task, step, stepErr),
		}
	}

	return &Proposal{
		Type:       ProposalAbort,
		Confidence: 1.0,
		Reason:     "recovery options exhausted",
	}
}

// retryEligible applies the side-effect gate. Transient kinds retry by
// default; a non-idempotent failure retries only with the fallback config's
// explicit opt-in; a lost execution retries only when the capability
// declares itself safe to run twice.
func (f *FailureController) retryEligible(step *core.Step, kind core.ErrorKind) bool {
	if kind.Transient() {
		return true
	}
	if kind == core.ErrorKindNonIdempotent {
		return step.Fallback != nil && step.Fallback.RetrySafe
	}
	if kind == core.ErrorKindExecutionLost {
		return f.effectRetryable(step)
	}
	return false
}

// redispatchAllowed mirrors retryEligible for fallback re-dispatch, which is
// a retry in different clothing as far as side effects are concerned.
func (f *FailureController) redispatchAllowed(step *core.Step, kind core.ErrorKind) bool {
	if kind == core.ErrorKindNonIdempotent {
		return step.Fallback != nil && step.Fallback.RetrySafe
	}
	if kind == core.ErrorKindExecutionLost {
		return f.effectRetryable(step)
	}
	return true
}

// effectRetryable reports whether the step's capability declares a
// side-effect class safe to run again. Unknown capabilities are treated as
// unsafe.
func (f *FailureController) effectRetryable(step *core.Step) bool {
	if f.registry == nil {
		return false
	}
	desc, err := f.registry.Resolve(step.AgentType, step.Domain)
	if err != nil {
		return false
	}
	return desc.EffectClass().Retryable()
}

// backoffDelay computes the retry delay: base doubled per spent retry,
// capped.
func (f *FailureController) backoffDelay(retryCount int) time.Duration {
	delay := f.config.RetryBaseDelay
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= f.config.RetryMaxDelay {
			return f.config.RetryMaxDelay
		}
	}
	if delay > f.config.RetryMaxDelay {
		delay = f.config.RetryMaxDelay
	}
	return delay
}

// FallbackRebind maps a fallback option onto the step-input keys it rebinds.
// Only the populated fields land in the patch, so a model-only option leaves
// the step's api and strategy inputs alone.
func FallbackRebind(opt *core.FallbackOption) map[string]interface{} {
	rebind := make(map[string]interface{}, 3)
	if opt.Model != "" {
		rebind["model"] = opt.Model
	}
	if opt.API != "" {
		rebind["api"] = opt.API
	}
	if opt.Strategy != "" {
		rebind["strategy"] = opt.Strategy
	}
	return rebind
}
