package orchestration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxisworks/praxis/core"
)

// ============================================================================
// Fixtures
// ============================================================================

func runnerTask(step *core.Step) *core.Task {
	task := core.NewTask("user-1", "org-1", "Fetch and summarize")
	task.Status = core.TaskStatusExecuting
	task.Steps = []*core.Step{step}
	return task
}

func newRunner(t *testing.T, descs ...*core.CapabilityDescriptor) *StepRunner {
	t.Helper()
	registry := core.NewStaticRegistry()
	for _, desc := range descs {
		require.NoError(t, registry.Register(desc))
	}
	return NewStepRunner(registry, shortTestConfig())
}

// ============================================================================
// Execution pipeline
// ============================================================================

// TestRunHappyPath verifies the full pipeline: materialization, schema
// validation on both sides, and the completion finding.
func TestRunHappyPath(t *testing.T) {
	desc := &core.CapabilityDescriptor{
		AgentType: "fetch_agent",
		InputSchema: map[string]interface{}{
			"type":     "object",
			"required": []interface{}{"url"},
			"properties": map[string]interface{}{
				"url": map[string]interface{}{"type": "string"},
			},
		},
		OutputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"summary": map[string]interface{}{"type": "string"},
				"count":   map[string]interface{}{"type": "integer"},
			},
		},
		Handler: core.HandlerFunc(func(ctx context.Context, inputs map[string]interface{}, report core.ProgressFunc) (map[string]interface{}, error) {
			assert.Equal(t, "https://example.com/feed", inputs["url"])
			return map[string]interface{}{"summary": "fetched 3 items", "count": 3}, nil
		}),
	}
	runner := newRunner(t, desc)

	step := &core.Step{
		ID:        "fetch",
		AgentType: "fetch_agent",
		Status:    core.StepStatusRunning,
		Inputs:    map[string]interface{}{"url": "https://example.com/feed"},
	}
	outcome := runner.Run(context.Background(), runnerTask(step), step)

	require.True(t, outcome.Succeeded())
	assert.Equal(t, "fetch", outcome.StepID)
	assert.Equal(t, map[string]interface{}{"summary": "fetched 3 items", "count": 3}, outcome.Outputs)
	assert.False(t, outcome.CompletedAt.Before(outcome.StartedAt))

	// The completion finding carries the agent type and the handler's
	// summary field verbatim.
	require.Len(t, outcome.Findings, 1)
	assert.Equal(t, "fetch_agent", outcome.Findings[0].Type)
	assert.Equal(t, "fetched 3 items", outcome.Findings[0].Content)
	assert.Equal(t, "fetch", outcome.Findings[0].StepID)
}

// TestRunProgressReporting verifies progress findings are buffered in the
// outcome by default and streamed to a sink when one is wired.
func TestRunProgressReporting(t *testing.T) {
	desc := &core.CapabilityDescriptor{
		AgentType: "fetch_agent",
		Handler: core.HandlerFunc(func(ctx context.Context, inputs map[string]interface{}, report core.ProgressFunc) (map[string]interface{}, error) {
			report("halfway there")
			return map[string]interface{}{"done": true}, nil
		}),
	}

	t.Run("buffered in outcome", func(t *testing.T) {
		runner := newRunner(t, desc)
		step := &core.Step{ID: "fetch", AgentType: "fetch_agent", Status: core.StepStatusRunning}

		outcome := runner.Run(context.Background(), runnerTask(step), step)
		require.True(t, outcome.Succeeded())
		require.Len(t, outcome.Findings, 2)
		assert.Equal(t, "halfway there", outcome.Findings[0].Content)
		assert.Contains(t, outcome.Findings[1].Content, "completed")
	})

	t.Run("streamed to sink", func(t *testing.T) {
		var streamed []*core.Finding
		registry := core.NewStaticRegistry()
		require.NoError(t, registry.Register(desc))
		runner := NewStepRunner(registry, shortTestConfig(), WithRunnerFindingSink(func(finding *core.Finding) {
			streamed = append(streamed, finding)
		}))
		step := &core.Step{ID: "fetch", AgentType: "fetch_agent", Status: core.StepStatusRunning}

		outcome := runner.Run(context.Background(), runnerTask(step), step)
		require.True(t, outcome.Succeeded())
		require.Len(t, streamed, 1)
		assert.Equal(t, "halfway there", streamed[0].Content)
		// Only the completion finding stays on the outcome.
		require.Len(t, outcome.Findings, 1)
		assert.Contains(t, outcome.Findings[0].Content, "completed")
	})
}

// TestRunUnknownCapability verifies unresolvable agent types fail
// structurally.
func TestRunUnknownCapability(t *testing.T) {
	runner := newRunner(t)
	step := &core.Step{ID: "fetch", AgentType: "missing_agent", Status: core.StepStatusRunning}

	outcome := runner.Run(context.Background(), runnerTask(step), step)
	require.NotNil(t, outcome.Err)
	assert.Equal(t, core.ErrorKindCapabilityNotFound, outcome.Err.Kind)
	assert.Contains(t, outcome.Err.Message, `no capability registered for agent type "missing_agent"`)
}

// TestRunDomainFallback verifies a domain-qualified step falls back to the
// domainless capability registration.
func TestRunDomainFallback(t *testing.T) {
	desc := &core.CapabilityDescriptor{
		AgentType: "fetch_agent",
		Handler: core.HandlerFunc(func(ctx context.Context, inputs map[string]interface{}, report core.ProgressFunc) (map[string]interface{}, error) {
			return map[string]interface{}{"ok": true}, nil
		}),
	}
	runner := newRunner(t, desc)
	step := &core.Step{ID: "fetch", AgentType: "fetch_agent", Domain: "reports", Status: core.StepStatusRunning}

	outcome := runner.Run(context.Background(), runnerTask(step), step)
	assert.True(t, outcome.Succeeded())
}

// TestRunInputValidation verifies materialization and input schema failures
// reject the step before the handler runs.
func TestRunInputValidation(t *testing.T) {
	t.Run("schema rejection", func(t *testing.T) {
		called := false
		desc := &core.CapabilityDescriptor{
			AgentType: "fetch_agent",
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []interface{}{"url"},
				"properties": map[string]interface{}{
					"url": map[string]interface{}{"type": "string"},
				},
			},
			Handler: core.HandlerFunc(func(ctx context.Context, inputs map[string]interface{}, report core.ProgressFunc) (map[string]interface{}, error) {
				called = true
				return nil, nil
			}),
		}
		runner := newRunner(t, desc)
		step := &core.Step{
			ID:        "fetch",
			AgentType: "fetch_agent",
			Status:    core.StepStatusRunning,
			Inputs:    map[string]interface{}{"url": 99},
		}

		outcome := runner.Run(context.Background(), runnerTask(step), step)
		require.NotNil(t, outcome.Err)
		assert.Equal(t, core.ErrorKindInputInvalid, outcome.Err.Kind)
		assert.Contains(t, outcome.Err.Message, "inputs rejected by capability schema")
		assert.False(t, called)
	})

	t.Run("materialization failure", func(t *testing.T) {
		desc := &core.CapabilityDescriptor{
			AgentType: "fetch_agent",
			Handler: core.HandlerFunc(func(ctx context.Context, inputs map[string]interface{}, report core.ProgressFunc) (map[string]interface{}, error) {
				return nil, nil
			}),
		}
		runner := newRunner(t, desc)
		step := &core.Step{
			ID:        "fetch",
			AgentType: "fetch_agent",
			Status:    core.StepStatusRunning,
			Inputs:    map[string]interface{}{"data": "${missing.outputs.x}"},
		}

		outcome := runner.Run(context.Background(), runnerTask(step), step)
		require.NotNil(t, outcome.Err)
		assert.Equal(t, core.ErrorKindInputInvalid, outcome.Err.Kind)
		assert.Contains(t, outcome.Err.Message, "unknown step")
	})
}

// TestRunOutputValidation verifies output schema enforcement and the
// undeclared-field warning.
func TestRunOutputValidation(t *testing.T) {
	outputSchema := map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"report"},
		"properties": map[string]interface{}{
			"report": map[string]interface{}{"type": "string"},
		},
	}

	t.Run("schema rejection keeps outputs for diagnosis", func(t *testing.T) {
		desc := &core.CapabilityDescriptor{
			AgentType:    "report_agent",
			OutputSchema: outputSchema,
			Handler: core.HandlerFunc(func(ctx context.Context, inputs map[string]interface{}, report core.ProgressFunc) (map[string]interface{}, error) {
				return map[string]interface{}{"report": 7}, nil
			}),
		}
		runner := newRunner(t, desc)
		step := &core.Step{ID: "report", AgentType: "report_agent", Status: core.StepStatusRunning}

		outcome := runner.Run(context.Background(), runnerTask(step), step)
		require.NotNil(t, outcome.Err)
		assert.Equal(t, core.ErrorKindOutputInvalid, outcome.Err.Kind)
		assert.Equal(t, map[string]interface{}{"report": 7}, outcome.Outputs)
	})

	t.Run("undeclared fields flagged but retained", func(t *testing.T) {
		desc := &core.CapabilityDescriptor{
			AgentType:    "report_agent",
			OutputSchema: outputSchema,
			Handler: core.HandlerFunc(func(ctx context.Context, inputs map[string]interface{}, report core.ProgressFunc) (map[string]interface{}, error) {
				return map[string]interface{}{"report": "done", "extra": 1}, nil
			}),
		}
		runner := newRunner(t, desc)
		step := &core.Step{ID: "report", AgentType: "report_agent", Status: core.StepStatusRunning}

		outcome := runner.Run(context.Background(), runnerTask(step), step)
		require.True(t, outcome.Succeeded())
		assert.Equal(t, "done", outcome.Outputs["report"])
		assert.Equal(t, 1, outcome.Outputs["extra"])

		require.Len(t, outcome.Findings, 2)
		assert.Equal(t, core.FindingTypeWarning, outcome.Findings[0].Type)
		assert.Contains(t, outcome.Findings[0].Content, "undeclared output fields")
		assert.Contains(t, outcome.Findings[0].Content, "extra")
	})
}

// ============================================================================
// Failure classification
// ============================================================================

// TestRunHandlerErrors verifies handler failures keep their classification
// and unclassified errors become internal.
func TestRunHandlerErrors(t *testing.T) {
	t.Run("classified error passes through", func(t *testing.T) {
		desc := &core.CapabilityDescriptor{
			AgentType: "fetch_agent",
			Handler: core.HandlerFunc(func(ctx context.Context, inputs map[string]interface{}, report core.ProgressFunc) (map[string]interface{}, error) {
				return nil, core.NewStepError(core.ErrorKindRateLimit, "upstream throttled")
			}),
		}
		runner := newRunner(t, desc)
		step := &core.Step{ID: "fetch", AgentType: "fetch_agent", Status: core.StepStatusRunning}

		outcome := runner.Run(context.Background(), runnerTask(step), step)
		require.NotNil(t, outcome.Err)
		assert.Equal(t, core.ErrorKindRateLimit, outcome.Err.Kind)
		assert.Equal(t, "upstream throttled", outcome.Err.Message)
	})

	t.Run("plain error becomes internal", func(t *testing.T) {
		desc := &core.CapabilityDescriptor{
			AgentType: "fetch_agent",
			Handler: core.HandlerFunc(func(ctx context.Context, inputs map[string]interface{}, report core.ProgressFunc) (map[string]interface{}, error) {
				return nil, errors.New("something odd")
			}),
		}
		runner := newRunner(t, desc)
		step := &core.Step{ID: "fetch", AgentType: "fetch_agent", Status: core.StepStatusRunning}

		outcome := runner.Run(context.Background(), runnerTask(step), step)
		require.NotNil(t, outcome.Err)
		assert.Equal(t, core.ErrorKindInternal, outcome.Err.Kind)
	})
}

// TestRunNonIdempotentReclassification verifies transient failures of
// side-effecting handlers are reclassified so they are not blindly retried.
func TestRunNonIdempotentReclassification(t *testing.T) {
	desc := &core.CapabilityDescriptor{
		AgentType:  "payment_agent",
		SideEffect: core.SideEffectNonIdempotent,
		Handler: core.HandlerFunc(func(ctx context.Context, inputs map[string]interface{}, report core.ProgressFunc) (map[string]interface{}, error) {
			return nil, core.NewStepError(core.ErrorKindTimeout, "gateway timeout")
		}),
	}
	runner := newRunner(t, desc)
	step := &core.Step{ID: "charge", AgentType: "payment_agent", Status: core.StepStatusRunning}

	outcome := runner.Run(context.Background(), runnerTask(step), step)
	require.NotNil(t, outcome.Err)
	assert.Equal(t, core.ErrorKindNonIdempotent, outcome.Err.Kind)
	assert.Equal(t, "gateway timeout", outcome.Err.Message)
	assert.Equal(t, "timeout", outcome.Err.Detail)
}

// TestRunPanicContainment verifies a panicking handler fails its step
// without taking down the runner.
func TestRunPanicContainment(t *testing.T) {
	desc := &core.CapabilityDescriptor{
		AgentType: "fetch_agent",
		Handler: core.HandlerFunc(func(ctx context.Context, inputs map[string]interface{}, report core.ProgressFunc) (map[string]interface{}, error) {
			panic("boom")
		}),
	}
	runner := newRunner(t, desc)
	step := &core.Step{ID: "fetch", AgentType: "fetch_agent", Status: core.StepStatusRunning}

	outcome := runner.Run(context.Background(), runnerTask(step), step)
	require.NotNil(t, outcome.Err)
	assert.Equal(t, core.ErrorKindInternal, outcome.Err.Kind)
	assert.Contains(t, outcome.Err.Message, "handler panic: boom")
}

// TestRunTimeout verifies the per-step timeout surfaces as a timeout kind.
func TestRunTimeout(t *testing.T) {
	registry := core.NewStaticRegistry()
	require.NoError(t, registry.Register(&core.CapabilityDescriptor{
		AgentType: "slow_agent",
		Handler: core.HandlerFunc(func(ctx context.Context, inputs map[string]interface{}, report core.ProgressFunc) (map[string]interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	}))
	config := shortTestConfig()
	config.StepTimeout = 30 * time.Millisecond
	runner := NewStepRunner(registry, config)
	step := &core.Step{ID: "slow", AgentType: "slow_agent", Status: core.StepStatusRunning}

	outcome := runner.Run(context.Background(), runnerTask(step), step)
	require.NotNil(t, outcome.Err)
	assert.Equal(t, core.ErrorKindTimeout, outcome.Err.Kind)
}

// TestRunCancellation verifies caller cancellation reduces to the cancelled
// kind, which the engine treats as a non-failure.
func TestRunCancellation(t *testing.T) {
	desc := &core.CapabilityDescriptor{
		AgentType: "fetch_agent",
		Handler: core.HandlerFunc(func(ctx context.Context, inputs map[string]interface{}, report core.ProgressFunc) (map[string]interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	}
	runner := newRunner(t, desc)
	step := &core.Step{ID: "fetch", AgentType: "fetch_agent", Status: core.StepStatusRunning}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	outcome := runner.Run(ctx, runnerTask(step), step)
	require.NotNil(t, outcome.Err)
	assert.Equal(t, core.ErrorKindCancelled, outcome.Err.Kind)
	assert.True(t, outcome.Cancelled())
	assert.False(t, outcome.Succeeded())
}
