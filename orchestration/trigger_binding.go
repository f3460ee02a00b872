package orchestration

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/praxisworks/praxis/core"
	"github.com/praxisworks/praxis/telemetry"
)

// ============================================================================
// Events
// ============================================================================

// Event is an external occurrence delivered to the trigger binding. Type is
// the dot-segmented routing key patterns match against; Data is the payload
// trigger conditions and ${trigger_event.<path>} references read.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// NewEvent creates an event with a fresh id and the current time.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        fmt.Sprintf("evt-%s", uuid.New().String()[:16]),
		Type:      eventType,
		Source:    source,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// document renders the event as the map trigger conditions evaluate against
// and clones carry under metadata.trigger_event.
func (e *Event) document() map[string]interface{} {
	doc := map[string]interface{}{
		"id":        e.ID,
		"type":      e.Type,
		"source":    e.Source,
		"timestamp": e.Timestamp.Format(time.RFC3339),
	}
	if e.Data != nil {
		doc["data"] = e.Data
	}
	if e.Metadata != nil {
		doc["metadata"] = e.Metadata
	}
	return doc
}

// ============================================================================
// Trigger binding
// ============================================================================

// TriggerLauncher is called for each clone the binding creates, letting the
// host hand it to the orchestrator without the binding depending on one.
type TriggerLauncher func(ctx context.Context, task *core.Task)

// TriggerBinding maps events to cloned task instances. Template tasks
// carrying a trigger under metadata are registered once; each matching event
// produces a fresh clone with the event payload injected and the template
// untouched.
type TriggerBinding struct {
	store    core.TaskStore
	launcher TriggerLauncher
	logger   core.Logger

	mu       sync.RWMutex
	bindings map[string]*triggerEntry
}

type triggerEntry struct {
	templateID string
	config     *core.TriggerConfig
	segments   []string
}

// TriggerBindingOption configures a TriggerBinding.
type TriggerBindingOption func(*TriggerBinding)

// WithTriggerLogger sets the logger for trigger decisions.
func WithTriggerLogger(logger core.Logger) TriggerBindingOption {
	return func(b *TriggerBinding) {
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			b.logger = cal.WithComponent("praxis/orchestration")
			return
		}
		b.logger = logger
	}
}

// WithTriggerLauncher sets the callback each clone is handed to after
// creation.
func WithTriggerLauncher(launcher TriggerLauncher) TriggerBindingOption {
	return func(b *TriggerBinding) {
		b.launcher = launcher
	}
}

// NewTriggerBinding creates a trigger binding over the given store.
func NewTriggerBinding(store core.TaskStore, opts ...TriggerBindingOption) *TriggerBinding {
	b := &TriggerBinding{
		store:    store,
		bindings: make(map[string]*triggerEntry),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register indexes the task's trigger configuration. The task becomes a
// template: it is never executed through the binding, only cloned. Returns
// an error when the task carries no usable trigger.
func (b *TriggerBinding) Register(task *core.Task) error {
	config, ok := task.Trigger()
	if !ok {
		return fmt.Errorf("task %s has no trigger configuration", task.ID)
	}
	if config.EventPattern == "" {
		return fmt.Errorf("task %s trigger has an empty event_pattern", task.ID)
	}

	entry := &triggerEntry{
		templateID: task.ID,
		config:     config,
		segments:   strings.Split(config.EventPattern, "."),
	}

	b.mu.Lock()
	b.bindings[task.ID] = entry
	b.mu.Unlock()

	if b.logger != nil {
		b.logger.Info("Trigger registered", map[string]interface{}{
			"operation":     "trigger_register",
			"task_id":       task.ID,
			"event_pattern": config.EventPattern,
			"source_filter": config.SourceFilter,
			"enabled":       config.Enabled,
		})
	}
	return nil
}

// Unregister removes a template's trigger.
func (b *TriggerBinding) Unregister(templateID string) {
	b.mu.Lock()
	delete(b.bindings, templateID)
	b.mu.Unlock()
}

// TemplateIDs returns the registered template task ids.
func (b *TriggerBinding) TemplateIDs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.bindings))
	for id := range b.bindings {
		ids = append(ids, id)
	}
	return ids
}

// HandleEvent matches the event against every registered trigger and creates
// one clone per match. Clones are persisted before the launcher sees them; a
// failure on one binding does not stop the rest.
func (b *TriggerBinding) HandleEvent(ctx context.Context, event *Event) ([]*core.Task, error) {
	if event == nil || event.Type == "" {
		return nil, fmt.Errorf("event has no type")
	}

	b.mu.RLock()
	entries := make([]*triggerEntry, 0, len(b.bindings))
	for _, entry := range b.bindings {
		entries = append(entries, entry)
	}
	b.mu.RUnlock()

	eventDoc := event.document()
	var clones []*core.Task
	var firstErr error

	for _, entry := range entries {
		if !matchEventPattern(entry.segments, event.Type) {
			continue
		}
		if !entry.config.Enabled {
			b.suppress(ctx, entry, event, "disabled")
			continue
		}
		if entry.config.SourceFilter != "" && !strings.HasPrefix(event.Source, entry.config.SourceFilter) {
			b.suppress(ctx, entry, event, "source_filter")
			continue
		}
		match, err := EvaluateCondition(entry.config.Condition, eventDoc)
		if err != nil {
			if b.logger != nil {
				b.logger.ErrorWithContext(ctx, "Trigger condition evaluation failed", map[string]interface{}{
					"operation": "trigger_fire",
					"task_id":   entry.templateID,
					"event_id":  event.ID,
					"error":     err.Error(),
				})
			}
			b.suppress(ctx, entry, event, "condition_error")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !match {
			b.suppress(ctx, entry, event, "condition")
			continue
		}

		clone, err := b.fire(ctx, entry, event, eventDoc)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		clones = append(clones, clone)
	}

	return clones, firstErr
}

func (b *TriggerBinding) fire(ctx context.Context, entry *triggerEntry, event *Event, eventDoc map[string]interface{}) (*core.Task, error) {
	template, err := b.store.GetTask(ctx, entry.templateID)
	if err != nil {
		if b.logger != nil {
			b.logger.ErrorWithContext(ctx, "Trigger template load failed", map[string]interface{}{
				"operation": "trigger_fire",
				"task_id":   entry.templateID,
				"event_id":  event.ID,
				"error":     err.Error(),
			})
		}
		return nil, err
	}

	clone, err := cloneFromTemplate(ctx, template, eventDoc)
	if err != nil {
		return nil, err
	}

	if err := b.store.CreateTask(ctx, clone); err != nil {
		if b.logger != nil {
			b.logger.ErrorWithContext(ctx, "Trigger clone creation failed", map[string]interface{}{
				"operation": "trigger_fire",
				"task_id":   entry.templateID,
				"clone_id":  clone.ID,
				"event_id":  event.ID,
				"error":     err.Error(),
			})
		}
		return nil, err
	}

	EmitTriggerFired(ctx, entry.templateID, clone, event)
	if b.logger != nil {
		b.logger.InfoWithContext(ctx, "Trigger fired", map[string]interface{}{
			"operation":  "trigger_fire",
			"task_id":    entry.templateID,
			"clone_id":   clone.ID,
			"event_id":   event.ID,
			"event_type": event.Type,
		})
	}

	if b.launcher != nil {
		b.launcher(ctx, clone)
	}
	return clone, nil
}

func (b *TriggerBinding) suppress(ctx context.Context, entry *triggerEntry, event *Event, reason string) {
	EmitTriggerSuppressed(ctx, entry.templateID, reason)
	if b.logger != nil {
		b.logger.DebugWithContext(ctx, "Trigger suppressed", map[string]interface{}{
			"operation":  "trigger_suppress",
			"task_id":    entry.templateID,
			"event_id":   event.ID,
			"event_type": event.Type,
			"reason":     reason,
		})
	}
}

// cloneFromTemplate deep-copies the template into a fresh instance: new id,
// pristine pending steps, the event payload under metadata.trigger_event,
// and the trigger configuration dropped so an instance can never act as a
// template. The template document itself is never written.
func cloneFromTemplate(ctx context.Context, template *core.Task, eventDoc map[string]interface{}) (*core.Task, error) {
	clone, err := core.CopyTask(template)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	clone.ID = fmt.Sprintf("task-%s", uuid.New().String())
	clone.Version = 1
	clone.ParentTaskID = ""
	clone.SupersededBy = ""
	clone.Revision = 0
	clone.Status = core.TaskStatusReady
	clone.CurrentStep = 0
	clone.TreeID = ""
	clone.Findings = nil
	clone.CreatedAt = now
	clone.UpdatedAt = now
	clone.CompletedAt = nil

	if clone.Metadata == nil {
		clone.Metadata = make(map[string]interface{}, 1)
	}
	delete(clone.Metadata, core.MetadataKeyTrigger)
	clone.Metadata[core.MetadataKeyTriggerEvent] = eventDoc

	tc := telemetry.GetTraceContext(ctx)
	clone.TraceID = tc.TraceID
	clone.ParentSpanID = tc.SpanID

	for _, step := range clone.Steps {
		step.Status = core.StepStatusPending
		step.Error = ""
		step.Outputs = nil
		step.CheckpointInputs = nil
		step.RetryCount = 0
		step.StartedAt = nil
		step.CompletedAt = nil
		step.DurationSeconds = 0
		if step.Fallback != nil {
			step.Fallback.Consumed = 0
		}
	}

	return clone, nil
}

// matchEventPattern matches a dot-segmented glob against an event type. Each
// "*" segment matches exactly one type segment; segment counts must agree.
func matchEventPattern(patternSegments []string, eventType string) bool {
	typeSegments := strings.Split(eventType, ".")
	if len(typeSegments) != len(patternSegments) {
		return false
	}
	for i, p := range patternSegments {
		if p == "*" {
			continue
		}
		if p != typeSegments[i] {
			return false
		}
	}
	return true
}
