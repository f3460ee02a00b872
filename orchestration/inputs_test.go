package orchestration

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxisworks/praxis/core"
)

func inputsTask() *core.Task {
	task := core.NewTask("user-1", "org-1", "materialize inputs")
	task.Status = core.TaskStatusExecuting
	task.Steps = []*core.Step{
		{
			ID:     "fetch",
			Status: core.StepStatusDone,
			Outputs: map[string]interface{}{
				"count": 42,
				"url":   "https://example.com/report",
				"stats": map[string]interface{}{
					"mean": 3.5,
				},
			},
		},
		{ID: "analyze", Status: core.StepStatusPending, Dependencies: []string{"fetch"}},
	}
	return task
}

// TestMaterializeInputsMergeOrder verifies the layering: declared inputs,
// then the MODIFY override, then INPUT-checkpoint fields, with later layers
// winning key by key.
func TestMaterializeInputsMergeOrder(t *testing.T) {
	task := inputsTask()
	step, _ := task.Step("analyze")
	step.Inputs = map[string]interface{}{"a": "base", "b": "base", "c": "base"}
	step.InputsOverride = map[string]interface{}{"b": "override", "c": "override"}
	step.CheckpointInputs = map[string]interface{}{"c": "checkpoint"}

	got, err := materializeInputs(task, step)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{
		"a": "base",
		"b": "override",
		"c": "checkpoint",
	}, got)

	// The stored maps must not be mutated by materialization.
	assert.Equal(t, "base", step.Inputs["b"])
	assert.Equal(t, "override", step.InputsOverride["c"])
}

// TestMaterializeInputsWholeReference verifies a value that is exactly one
// reference takes the referenced value's dynamic type.
func TestMaterializeInputsWholeReference(t *testing.T) {
	task := inputsTask()
	step, _ := task.Step("analyze")
	step.Inputs = map[string]interface{}{
		"count": "${fetch.outputs.count}",
		"mean":  "${fetch.outputs.stats.mean}",
	}

	got, err := materializeInputs(task, step)
	require.NoError(t, err)
	assert.Equal(t, 42, got["count"])
	assert.Equal(t, 3.5, got["mean"])
}

// TestMaterializeInputsEmbeddedReference verifies references inside longer
// strings interpolate as text.
func TestMaterializeInputsEmbeddedReference(t *testing.T) {
	task := inputsTask()
	step, _ := task.Step("analyze")
	step.Inputs = map[string]interface{}{
		"prompt": "analyze ${fetch.outputs.count} rows from ${fetch.outputs.url}",
	}

	got, err := materializeInputs(task, step)
	require.NoError(t, err)
	assert.Equal(t, "analyze 42 rows from https://example.com/report", got["prompt"])
}

// TestMaterializeInputsNestedContainers verifies substitution recurses into
// nested maps and lists.
func TestMaterializeInputsNestedContainers(t *testing.T) {
	task := inputsTask()
	step, _ := task.Step("analyze")
	step.Inputs = map[string]interface{}{
		"request": map[string]interface{}{
			"sources": []interface{}{"${fetch.outputs.url}", "static"},
			"limit":   "${fetch.outputs.count}",
		},
	}

	got, err := materializeInputs(task, step)
	require.NoError(t, err)
	request, ok := got["request"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, []interface{}{"https://example.com/report", "static"}, request["sources"])
	assert.Equal(t, 42, request["limit"])
}

// TestMaterializeInputsTriggerEvent verifies trigger_event references
// resolve against the injected event payload.
func TestMaterializeInputsTriggerEvent(t *testing.T) {
	task := inputsTask()
	task.Metadata = map[string]interface{}{
		core.MetadataKeyTriggerEvent: map[string]interface{}{
			"type": "order.created",
			"data": map[string]interface{}{
				"order_id": "ord-9",
			},
		},
	}
	step, _ := task.Step("analyze")
	step.Inputs = map[string]interface{}{
		"order": "${trigger_event.data.order_id}",
		"kind":  "${trigger_event.type}",
	}

	got, err := materializeInputs(task, step)
	require.NoError(t, err)
	assert.Equal(t, "ord-9", got["order"])
	assert.Equal(t, "order.created", got["kind"])
}

// TestMaterializeInputsFailures verifies each unresolvable reference fails
// with kind input_invalid and a message naming what was missing.
func TestMaterializeInputsFailures(t *testing.T) {
	tests := []struct {
		name    string
		inputs  map[string]interface{}
		wantMsg string
	}{
		{
			name:    "no trigger event",
			inputs:  map[string]interface{}{"x": "${trigger_event.data.id}"},
			wantMsg: "no trigger event",
		},
		{
			name:    "unknown step",
			inputs:  map[string]interface{}{"x": "${ghost.outputs.y}"},
			wantMsg: "unknown step",
		},
		{
			name:    "malformed reference",
			inputs:  map[string]interface{}{"x": "${fetch.count}"},
			wantMsg: "malformed input reference",
		},
		{
			name:    "missing output field",
			inputs:  map[string]interface{}{"x": "${fetch.outputs.absent}"},
			wantMsg: "no value at",
		},
		{
			name:    "no recorded outputs",
			inputs:  map[string]interface{}{"x": "${analyze.outputs.y}"},
			wantMsg: "no recorded outputs",
		},
		{
			name:    "embedded failure surfaces",
			inputs:  map[string]interface{}{"x": "prefix ${ghost.outputs.y} suffix"},
			wantMsg: "unknown step",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := inputsTask()
			step, _ := task.Step("analyze")
			step.Inputs = tt.inputs

			_, err := materializeInputs(task, step)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)

			var stepErr *core.StepError
			require.True(t, errors.As(err, &stepErr))
			assert.Equal(t, core.ErrorKindInputInvalid, stepErr.Kind)
		})
	}
}

// TestMaterializeInputsMissingTriggerPath verifies a present trigger event
// with an absent path reports the path, not a missing event.
func TestMaterializeInputsMissingTriggerPath(t *testing.T) {
	task := inputsTask()
	task.Metadata = map[string]interface{}{
		core.MetadataKeyTriggerEvent: map[string]interface{}{"type": "ping"},
	}
	step, _ := task.Step("analyze")
	step.Inputs = map[string]interface{}{"x": "${trigger_event.data.id}"}

	_, err := materializeInputs(task, step)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `trigger event has no value at "data.id"`)
}

// TestMaterializeInputsPlainValues verifies values without references pass
// through untouched, including non-string types.
func TestMaterializeInputsPlainValues(t *testing.T) {
	task := inputsTask()
	step, _ := task.Step("analyze")
	step.Inputs = map[string]interface{}{
		"text":    "no references here",
		"number":  7,
		"flag":    true,
		"nothing": nil,
	}

	got, err := materializeInputs(task, step)
	require.NoError(t, err)
	assert.Equal(t, step.Inputs, got)
}
