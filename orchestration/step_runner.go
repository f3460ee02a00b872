package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/praxisworks/praxis/core"
)

// ============================================================================
// Step outcome
// ============================================================================

// StepOutcome is the value a single step execution reduces to. The runner
// produces outcomes; it never writes the task store. Outputs are populated
// on success only, Err on failure; cancellation yields an Err with kind
// cancelled, which the orchestrator treats as a non-failure.
type StepOutcome struct {
	TaskID string
	StepID string

	Outputs  map[string]interface{}
	Err      *core.StepError
	Findings []*core.Finding

	StartedAt   time.Time
	CompletedAt time.Time
	Duration    time.Duration
}

// Succeeded reports whether the step produced committed outputs.
func (o *StepOutcome) Succeeded() bool {
	return o.Err == nil
}

// Cancelled reports whether the run ended by cancellation rather than
// failure.
func (o *StepOutcome) Cancelled() bool {
	return o.Err != nil && o.Err.Kind == core.ErrorKindCancelled
}

// FindingSink receives findings as they occur, before the step completes.
// The orchestrator wires this to the store so progress is visible while the
// step is still running.
type FindingSink func(finding *core.Finding)

// ============================================================================
// Step runner
// ============================================================================

// StepRunner executes one step end to end: input materialization, capability
// resolution, schema validation, the handler call under timeout with panic
// containment, and output schema enforcement. It holds no mutable task
// state, so a single runner serves every concurrent step.
type StepRunner struct {
	registry core.CapabilityRegistry
	config   EngineConfig
	logger   core.Logger
	sink     FindingSink

	schemaMu sync.RWMutex
	schemas  map[string]*jsonschema.Schema
}

// StepRunnerOption configures a StepRunner.
type StepRunnerOption func(*StepRunner)

// WithRunnerLogger sets the runner's logger.
func WithRunnerLogger(logger core.Logger) StepRunnerOption {
	return func(r *StepRunner) {
		if logger != nil {
			if cal, ok := logger.(core.ComponentAwareLogger); ok {
				r.logger = cal.WithComponent("praxis/orchestration")
			} else {
				r.logger = logger
			}
		}
	}
}

// WithRunnerFindingSink routes progress findings to the sink in real time
// instead of buffering them in the outcome.
func WithRunnerFindingSink(sink FindingSink) StepRunnerOption {
	return func(r *StepRunner) {
		r.sink = sink
	}
}

// NewStepRunner creates a step runner bound to a capability registry.
func NewStepRunner(registry core.CapabilityRegistry, config EngineConfig, opts ...StepRunnerOption) *StepRunner {
	r := &StepRunner{
		registry: registry,
		config:   config.normalize(),
		schemas:  make(map[string]*jsonschema.Schema),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes the step against a task snapshot and reduces the run to an
// outcome. Validation failures before the handler is reached are structural
// (input_invalid, capability_not_found); the handler is only invoked with
// inputs its schema accepts.
func (r *StepRunner) Run(ctx context.Context, task *core.Task, step *core.Step) *StepOutcome {
	outcome := &StepOutcome{
		TaskID:    task.ID,
		StepID:    step.ID,
		StartedAt: time.Now().UTC(),
	}

	if r.logger != nil {
		r.logger.DebugWithContext(ctx, "Executing step", map[string]interface{}{
			"operation":  "step_execute",
			"task_id":    task.ID,
			"step_id":    step.ID,
			"agent_type": step.AgentType,
		})
	}

	inputs, err := materializeInputs(task, step)
	if err != nil {
		return r.fail(ctx, outcome, core.AsStepError(err))
	}

	desc, err := r.registry.Resolve(step.AgentType, step.Domain)
	if err != nil {
		return r.fail(ctx, outcome, core.NewStepError(core.ErrorKindCapabilityNotFound,
			"no capability registered for agent type %q (domain %q)", step.AgentType, step.Domain))
	}

	if desc.InputSchema != nil {
		if err := r.validate("in/"+capabilitySchemaKey(desc), desc.InputSchema, inputs); err != nil {
			return r.fail(ctx, outcome, core.NewStepError(core.ErrorKindInputInvalid,
				"inputs rejected by capability schema: %v", err))
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, r.config.StepTimeout)
	defer cancel()

	report := func(message string) {
		finding := core.NewFinding(step.ID, core.FindingTypeProgress, message)
		if r.sink != nil {
			r.sink(finding)
			return
		}
		outcome.Findings = append(outcome.Findings, finding)
	}

	outputs, handlerErr := r.invoke(runCtx, desc, inputs, report)
	if handlerErr != nil {
		stepErr := core.AsStepError(handlerErr)
		// A handler with external side effects failing transiently cannot
		// be blindly retried; reclassify so the failure controller applies
		// the side-effect gate.
		if desc.EffectClass() == core.SideEffectNonIdempotent && stepErr.Kind.Transient() {
			stepErr = &core.StepError{
				Kind:    core.ErrorKindNonIdempotent,
				Message: stepErr.Message,
				Detail:  string(stepErr.Kind),
			}
		}
		return r.fail(ctx, outcome, stepErr)
	}

	if desc.OutputSchema != nil {
		if err := r.validate("out/"+capabilitySchemaKey(desc), desc.OutputSchema, outputs); err != nil {
			outcome.Outputs = outputs
			return r.fail(ctx, outcome, core.NewStepError(core.ErrorKindOutputInvalid,
				"outputs rejected by capability schema: %v", err))
		}
		if extras := undeclaredKeys(desc.OutputSchema, outputs); len(extras) > 0 {
			outcome.Findings = append(outcome.Findings, core.NewFinding(step.ID, core.FindingTypeWarning,
				fmt.Sprintf("step %s returned undeclared output fields: %v", step.ID, extras)))
		}
	}

	outcome.Outputs = outputs
	outcome.Findings = append(outcome.Findings,
		core.NewFinding(step.ID, step.AgentType, summarizeOutputs(step, outputs)))
	outcome.CompletedAt = time.Now().UTC()
	outcome.Duration = outcome.CompletedAt.Sub(outcome.StartedAt)

	if r.logger != nil {
		r.logger.DebugWithContext(ctx, "Step completed", map[string]interface{}{
			"operation":   "step_execute",
			"task_id":     task.ID,
			"step_id":     step.ID,
			"agent_type":  step.AgentType,
			"duration_ms": outcome.Duration.Milliseconds(),
		})
	}
	return outcome
}

// invoke calls the handler with panic containment. A panicking handler must
// not take down the engine; the panic becomes an internal failure on the
// step.
func (r *StepRunner) invoke(ctx context.Context, desc *core.CapabilityDescriptor, inputs map[string]interface{}, report core.ProgressFunc) (outputs map[string]interface{}, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			outputs = nil
			err = core.NewStepError(core.ErrorKindInternal, "handler panic: %v", rec)
			if r.logger != nil {
				r.logger.Error("Handler panicked", map[string]interface{}{
					"operation":  "step_execute",
					"agent_type": desc.AgentType,
					"panic":      fmt.Sprintf("%v", rec),
				})
			}
		}
	}()
	return desc.Handler.Execute(ctx, inputs, report)
}

func (r *StepRunner) fail(ctx context.Context, outcome *StepOutcome, stepErr *core.StepError) *StepOutcome {
	outcome.Err = stepErr
	outcome.CompletedAt = time.Now().UTC()
	outcome.Duration = outcome.CompletedAt.Sub(outcome.StartedAt)

	if r.logger != nil && stepErr.Kind != core.ErrorKindCancelled {
		r.logger.WarnWithContext(ctx, "Step execution failed", map[string]interface{}{
			"operation":  "step_execute",
			"task_id":    outcome.TaskID,
			"step_id":    outcome.StepID,
			"error_kind": stepErr.Kind,
			"error":      stepErr.Message,
		})
	}
	return outcome
}

// ============================================================================
// Schema validation
// ============================================================================

func capabilitySchemaKey(desc *core.CapabilityDescriptor) string {
	if desc.Domain == "" {
		return desc.AgentType
	}
	return desc.AgentType + "/" + desc.Domain
}

// validate checks a value against a JSON-Schema document, compiling and
// caching the schema on first use. Values round-trip through JSON first so
// Go-native numbers compare the way the schema expects.
func (r *StepRunner) validate(cacheKey string, schemaDoc map[string]interface{}, value interface{}) error {
	schema, err := r.compiled(cacheKey, schemaDoc)
	if err != nil {
		return err
	}
	normalized, err := normalizeJSON(value)
	if err != nil {
		return err
	}
	return schema.Validate(normalized)
}

func (r *StepRunner) compiled(cacheKey string, schemaDoc map[string]interface{}) (*jsonschema.Schema, error) {
	r.schemaMu.RLock()
	schema, ok := r.schemas[cacheKey]
	r.schemaMu.RUnlock()
	if ok {
		return schema, nil
	}

	schema, err := compileSchema(schemaDoc)
	if err != nil {
		return nil, fmt.Errorf("invalid schema for %s: %w", cacheKey, err)
	}

	r.schemaMu.Lock()
	r.schemas[cacheKey] = schema
	r.schemaMu.Unlock()
	return schema, nil
}

// compileSchema compiles an inline JSON-Schema document.
func compileSchema(doc map[string]interface{}) (*jsonschema.Schema, error) {
	normalized, err := normalizeJSON(doc)
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", normalized); err != nil {
		return nil, err
	}
	return compiler.Compile("schema.json")
}

// validateAgainstSchema is the uncached one-shot variant used where schemas
// arrive with the data, such as INPUT checkpoint resolutions.
func validateAgainstSchema(schemaDoc map[string]interface{}, value interface{}) error {
	schema, err := compileSchema(schemaDoc)
	if err != nil {
		return err
	}
	normalized, err := normalizeJSON(value)
	if err != nil {
		return err
	}
	return schema.Validate(normalized)
}

// normalizeJSON round-trips a value through JSON so the validator sees the
// types JSON decoding would produce.
func normalizeJSON(value interface{}) (interface{}, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("value is not JSON-serializable: %w", err)
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// undeclaredKeys returns output keys absent from the schema's properties
// map. Undeclared fields are retained but flagged, so downstream consumers
// can still reference them while the drift stays visible.
func undeclaredKeys(schemaDoc, outputs map[string]interface{}) []string {
	props, ok := schemaDoc["properties"].(map[string]interface{})
	if !ok {
		return nil
	}
	var extras []string
	for key := range outputs {
		if _, declared := props[key]; !declared {
			extras = append(extras, key)
		}
	}
	return extras
}

// summarizeOutputs builds the one-line summary recorded as the step's
// completion finding. A handler-provided "summary" field wins; otherwise the
// outputs are serialized and truncated.
func summarizeOutputs(step *core.Step, outputs map[string]interface{}) string {
	if s, ok := outputs["summary"].(string); ok && s != "" {
		return s
	}
	data, err := json.Marshal(outputs)
	if err != nil || len(data) == 0 || string(data) == "null" {
		return fmt.Sprintf("step %s completed", step.ID)
	}
	const maxSummaryLen = 240
	text := string(data)
	if len(text) > maxSummaryLen {
		text = text[:maxSummaryLen] + "..."
	}
	return fmt.Sprintf("step %s completed: %s", step.ID, text)
}
