package orchestration

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/praxisworks/praxis/core"
)

// Task templates are declarative YAML documents describing a goal, its step
// DAG and an optional event trigger. They produce the same core.Task the
// planner produces, so a parsed template can be submitted directly or
// registered with a TriggerBinding as an event-driven template.
//
// The YAML shape mirrors the task document but keeps its own structs: the
// core types carry JSON tags for persistence, and overloading them with YAML
// tags would couple the template format to the storage format.

// taskTemplate is the YAML surface of a task definition.
type taskTemplate struct {
	Goal             string                 `yaml:"goal"`
	UserID           string                 `yaml:"user_id"`
	OrganizationID   string                 `yaml:"organization_id"`
	Constraints      map[string]interface{} `yaml:"constraints"`
	SuccessCriteria  []string               `yaml:"success_criteria"`
	MaxParallelSteps int                    `yaml:"max_parallel_steps"`
	Metadata         map[string]interface{} `yaml:"metadata"`
	Trigger          *triggerTemplate       `yaml:"trigger"`
	Steps            []stepTemplate         `yaml:"steps"`
}

type stepTemplate struct {
	ID              string                 `yaml:"id"`
	Name            string                 `yaml:"name"`
	Description     string                 `yaml:"description"`
	AgentType       string                 `yaml:"agent_type"`
	Domain          string                 `yaml:"domain"`
	Inputs          map[string]interface{} `yaml:"inputs"`
	DeclaredOutputs map[string]interface{} `yaml:"declared_outputs"`
	Dependencies    []string               `yaml:"dependencies"`
	ParallelGroup   string                 `yaml:"parallel_group"`
	IsCritical      *bool                  `yaml:"is_critical"`
	MaxRetries      int                    `yaml:"max_retries"`
	FailurePolicy   string                 `yaml:"failure_policy"`
	Fallback        *fallbackTemplate      `yaml:"fallback"`
	Checkpoint      *checkpointTemplate    `yaml:"checkpoint"`
}

type triggerTemplate struct {
	Type         string                 `yaml:"type"`
	EventPattern string                 `yaml:"event_pattern"`
	SourceFilter string                 `yaml:"source_filter"`
	Condition    map[string]interface{} `yaml:"condition"`

	// Enabled defaults to true when omitted; a template author disables a
	// trigger explicitly, not by forgetting a field.
	Enabled *bool `yaml:"enabled"`
}

type checkpointTemplate struct {
	Name             string                   `yaml:"name"`
	Description      string                   `yaml:"description"`
	Type             string                   `yaml:"type"`
	ApprovalType     string                   `yaml:"approval_type"`
	TimeoutMinutes   int                      `yaml:"timeout_minutes"`
	PreviewFields    []string                 `yaml:"preview_fields"`
	PreferenceKey    string                   `yaml:"preference_key"`
	LearnPreference  bool                     `yaml:"learn_preference"`
	InputSchema      map[string]interface{}   `yaml:"input_schema"`
	ModifiableFields []string                 `yaml:"modifiable_fields"`
	Alternatives     []map[string]interface{} `yaml:"alternatives"`
	Questions        []string                 `yaml:"questions"`
	ContextData      map[string]interface{}   `yaml:"context_data"`
}

type fallbackTemplate struct {
	Options   []fallbackOptionTemplate `yaml:"options"`
	RetrySafe bool                     `yaml:"retry_safe"`
}

type fallbackOptionTemplate struct {
	Model    string `yaml:"model"`
	API      string `yaml:"api"`
	Strategy string `yaml:"strategy"`
}

// ParseTaskTemplate parses a YAML task template into a ready task document
// with a fresh id and all steps pending. A template declaring a trigger
// block carries it under metadata so TriggerBinding.Register can pick it up.
func ParseTaskTemplate(data []byte) (*core.Task, error) {
	var tpl taskTemplate
	if err := yaml.Unmarshal(data, &tpl); err != nil {
		return nil, fmt.Errorf("parsing task template YAML: %w", err)
	}

	task, err := tpl.toTask()
	if err != nil {
		return nil, err
	}
	if err := task.Validate(); err != nil {
		return nil, fmt.Errorf("task template validation failed: %w", err)
	}
	return task, nil
}

// LoadTaskTemplate reads and parses a YAML task template from disk.
func LoadTaskTemplate(path string) (*core.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading task template %s: %w", path, err)
	}
	task, err := ParseTaskTemplate(data)
	if err != nil {
		return nil, fmt.Errorf("task template %s: %w", path, err)
	}
	return task, nil
}

func (tpl *taskTemplate) toTask() (*core.Task, error) {
	if tpl.Goal == "" {
		return nil, fmt.Errorf("%w: template declares no goal", core.ErrPlanInvalid)
	}

	now := time.Now().UTC()
	task := &core.Task{
		ID:               fmt.Sprintf("task-%s", uuid.New().String()),
		Version:          1,
		UserID:           tpl.UserID,
		OrganizationID:   tpl.OrganizationID,
		Goal:             tpl.Goal,
		Constraints:      tpl.Constraints,
		SuccessCriteria:  tpl.SuccessCriteria,
		Status:           core.TaskStatusReady,
		MaxParallelSteps: tpl.MaxParallelSteps,
		Metadata:         tpl.Metadata,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if task.MaxParallelSteps <= 0 {
		task.MaxParallelSteps = core.DefaultMaxParallelSteps
	}

	if tpl.Trigger != nil {
		trigger, err := tpl.Trigger.toConfig()
		if err != nil {
			return nil, err
		}
		if task.Metadata == nil {
			task.Metadata = make(map[string]interface{})
		}
		task.Metadata[core.MetadataKeyTrigger] = trigger
	}

	task.Steps = make([]*core.Step, 0, len(tpl.Steps))
	for i := range tpl.Steps {
		step, err := tpl.Steps[i].toStep()
		if err != nil {
			return nil, err
		}
		task.Steps = append(task.Steps, step)
	}
	return task, nil
}

func (st *stepTemplate) toStep() (*core.Step, error) {
	if st.AgentType == "" {
		return nil, fmt.Errorf("%w: step %q declares no agent_type", core.ErrPlanInvalid, st.ID)
	}

	switch core.FailurePolicy(st.FailurePolicy) {
	case "", core.FailurePolicyAllOrNothing, core.FailurePolicyBestEffort, core.FailurePolicyFailFast:
	default:
		return nil, fmt.Errorf("%w: step %q has unknown failure_policy %q", core.ErrPlanInvalid, st.ID, st.FailurePolicy)
	}

	step := &core.Step{
		ID:              st.ID,
		Name:            st.Name,
		Description:     st.Description,
		AgentType:       st.AgentType,
		Domain:          st.Domain,
		Inputs:          st.Inputs,
		DeclaredOutputs: st.DeclaredOutputs,
		Dependencies:    st.Dependencies,
		ParallelGroup:   st.ParallelGroup,
		IsCritical:      st.IsCritical,
		MaxRetries:      st.MaxRetries,
		FailurePolicy:   core.FailurePolicy(st.FailurePolicy),
		Status:          core.StepStatusPending,
	}
	if step.Name == "" {
		step.Name = step.ID
	}

	if st.Fallback != nil && len(st.Fallback.Options) > 0 {
		fallback := &core.FallbackConfig{
			Options:   make([]core.FallbackOption, 0, len(st.Fallback.Options)),
			RetrySafe: st.Fallback.RetrySafe,
		}
		for _, opt := range st.Fallback.Options {
			fallback.Options = append(fallback.Options, core.FallbackOption{
				Model:    opt.Model,
				API:      opt.API,
				Strategy: opt.Strategy,
			})
		}
		step.Fallback = fallback
	}

	if st.Checkpoint != nil {
		checkpoint, err := st.Checkpoint.toConfig(st.ID)
		if err != nil {
			return nil, err
		}
		step.Checkpoint = checkpoint
		step.CheckpointRequired = true
	}
	return step, nil
}

func (ct *checkpointTemplate) toConfig(stepID string) (*core.CheckpointConfig, error) {
	switch core.CheckpointType(ct.Type) {
	case "", core.CheckpointApproval, core.CheckpointInput, core.CheckpointModify, core.CheckpointSelect, core.CheckpointQA:
	default:
		return nil, fmt.Errorf("%w: step %q has unknown checkpoint type %q", core.ErrPlanInvalid, stepID, ct.Type)
	}
	switch core.ApprovalType(ct.ApprovalType) {
	case "", core.ApprovalExplicit, core.ApprovalTimeout, core.ApprovalAuto:
	default:
		return nil, fmt.Errorf("%w: step %q has unknown approval_type %q", core.ErrPlanInvalid, stepID, ct.ApprovalType)
	}

	return &core.CheckpointConfig{
		Name:             ct.Name,
		Description:      ct.Description,
		CheckpointType:   core.CheckpointType(ct.Type),
		ApprovalType:     core.ApprovalType(ct.ApprovalType),
		TimeoutMinutes:   ct.TimeoutMinutes,
		PreviewFields:    ct.PreviewFields,
		PreferenceKey:    ct.PreferenceKey,
		LearnPreference:  ct.LearnPreference,
		InputSchema:      ct.InputSchema,
		ModifiableFields: ct.ModifiableFields,
		Alternatives:     ct.Alternatives,
		Questions:        ct.Questions,
		ContextData:      ct.ContextData,
	}, nil
}

func (tt *triggerTemplate) toConfig() (*core.TriggerConfig, error) {
	if tt.EventPattern == "" {
		return nil, fmt.Errorf("%w: trigger declares no event_pattern", core.ErrPlanInvalid)
	}
	enabled := true
	if tt.Enabled != nil {
		enabled = *tt.Enabled
	}
	return &core.TriggerConfig{
		Type:         tt.Type,
		EventPattern: tt.EventPattern,
		SourceFilter: tt.SourceFilter,
		Condition:    tt.Condition,
		Enabled:      enabled,
	}, nil
}
