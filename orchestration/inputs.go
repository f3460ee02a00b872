package orchestration

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/praxisworks/praxis/core"
)

// referencePattern matches "${...}" placeholders in step input values.
var referencePattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// materializeInputs produces the effective inputs for one dispatch:
// declared inputs, then the MODIFY override, then INPUT-checkpoint fields,
// then reference substitution. "${<step_id>.outputs.<field>}" resolves
// against prior steps' recorded outputs and "${trigger_event.<path>}"
// against the injected event payload. The step's stored maps are never
// mutated.
//
// An unresolvable reference fails with kind input_invalid: the plan names
// something the document does not contain.
func materializeInputs(task *core.Task, step *core.Step) (map[string]interface{}, error) {
	merged := make(map[string]interface{}, len(step.Inputs))
	for k, v := range step.Inputs {
		merged[k] = v
	}
	for k, v := range step.InputsOverride {
		merged[k] = v
	}
	for k, v := range step.CheckpointInputs {
		merged[k] = v
	}

	out := make(map[string]interface{}, len(merged))
	for k, v := range merged {
		resolved, err := substituteValue(task, v)
		if err != nil {
			return nil, err
		}
		out[k] = resolved
	}
	return out, nil
}

// substituteValue walks a value, rebuilding containers and resolving every
// "${...}" reference found in strings. A string that is exactly one
// reference takes the referenced value's dynamic type; references embedded
// in longer strings interpolate as text.
func substituteValue(task *core.Task, value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return substituteString(task, v)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, inner := range v {
			resolved, err := substituteValue(task, inner)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, inner := range v {
			resolved, err := substituteValue(task, inner)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

func substituteString(task *core.Task, s string) (interface{}, error) {
	match := referencePattern.FindStringSubmatch(s)
	if match == nil {
		return s, nil
	}

	// Whole-string reference keeps the referenced value's type.
	if match[0] == s {
		return resolveReference(task, match[1])
	}

	var resolveErr error
	replaced := referencePattern.ReplaceAllStringFunc(s, func(ref string) string {
		inner := ref[2 : len(ref)-1]
		value, err := resolveReference(task, inner)
		if err != nil {
			if resolveErr == nil {
				resolveErr = err
			}
			return ref
		}
		return fmt.Sprintf("%v", value)
	})
	if resolveErr != nil {
		return nil, resolveErr
	}
	return replaced, nil
}

// resolveReference resolves one placeholder body: either
// "trigger_event.<path>" into the injected event payload or
// "<step_id>.outputs.<field...>" into a prior step's recorded outputs.
func resolveReference(task *core.Task, ref string) (interface{}, error) {
	parts := strings.Split(ref, ".")

	if parts[0] == "trigger_event" {
		payload, ok := task.Metadata[core.MetadataKeyTriggerEvent]
		if !ok {
			return nil, core.NewStepError(core.ErrorKindInputInvalid,
				"input references %q but the task has no trigger event", ref)
		}
		value, found := lookupPath(payload, parts[1:])
		if !found {
			return nil, core.NewStepError(core.ErrorKindInputInvalid,
				"trigger event has no value at %q", strings.Join(parts[1:], "."))
		}
		return value, nil
	}

	if len(parts) < 3 || parts[1] != "outputs" {
		return nil, core.NewStepError(core.ErrorKindInputInvalid,
			"malformed input reference %q (want <step_id>.outputs.<field> or trigger_event.<path>)", ref)
	}

	source, ok := task.Step(parts[0])
	if !ok {
		return nil, core.NewStepError(core.ErrorKindInputInvalid,
			"input references outputs of unknown step %q", parts[0])
	}
	if source.Outputs == nil {
		return nil, core.NewStepError(core.ErrorKindInputInvalid,
			"step %q has no recorded outputs for reference %q", parts[0], ref)
	}
	value, found := lookupPath(source.Outputs, parts[2:])
	if !found {
		return nil, core.NewStepError(core.ErrorKindInputInvalid,
			"step %q outputs have no value at %q", parts[0], strings.Join(parts[2:], "."))
	}
	return value, nil
}

// lookupPath walks nested map[string]interface{} values by key path.
func lookupPath(root interface{}, parts []string) (interface{}, bool) {
	current := root
	for _, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
