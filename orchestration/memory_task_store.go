package orchestration

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/praxisworks/praxis/core"
)

// InMemoryTaskStore implements core.TaskStore with an in-process map. It is
// intended for tests and single-process deployments; semantics mirror the
// Redis store, including the terminal-state guards. Snapshots returned to
// callers are deep copies, so later mutations never leak into them.
type InMemoryTaskStore struct {
	mu    sync.RWMutex
	tasks map[string]*core.Task
}

// NewInMemoryTaskStore creates an empty in-memory task store.
func NewInMemoryTaskStore() *InMemoryTaskStore {
	return &InMemoryTaskStore{
		tasks: make(map[string]*core.Task),
	}
}

// CreateTask persists a new task after validating the plan DAG.
func (s *InMemoryTaskStore) CreateTask(ctx context.Context, task *core.Task) error {
	if task == nil {
		return fmt.Errorf("task cannot be nil")
	}
	if task.ID == "" {
		return fmt.Errorf("task ID cannot be empty")
	}
	if err := task.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already exists: %w", task.ID, core.ErrTaskConflict)
	}

	task.Revision = 1
	task.UpdatedAt = time.Now().UTC()

	stored, err := core.CopyTask(task)
	if err != nil {
		return err
	}
	s.tasks[task.ID] = stored
	return nil
}

// GetTask retrieves a committed task snapshot.
func (s *InMemoryTaskStore) GetTask(ctx context.Context, taskID string) (*core.Task, error) {
	s.mu.RLock()
	task, exists := s.tasks[taskID]
	s.mu.RUnlock()

	if !exists {
		return nil, core.ErrTaskNotFound
	}
	return core.CopyTask(task)
}

// UpdateTask merges top-level fields into the task.
func (s *InMemoryTaskStore) UpdateTask(ctx context.Context, taskID string, patch core.TaskPatch) (*core.Task, error) {
	return s.mutate(taskID, func(t *core.Task) error {
		if t.Status.IsTerminal() && !supersedeOnly(patch) {
			return fmt.Errorf("task %s: %w", taskID, core.ErrTaskTerminal)
		}
		patch.Apply(t)
		return nil
	})
}

// UpdateStep merges fields into one step.
func (s *InMemoryTaskStore) UpdateStep(ctx context.Context, taskID, stepID string, patch core.StepPatch) (*core.Task, error) {
	return s.mutate(taskID, func(t *core.Task) error {
		step, ok := t.Step(stepID)
		if !ok {
			return fmt.Errorf("task %s step %s: %w", taskID, stepID, core.ErrStepNotFound)
		}
		if step.Status.IsTerminal() && t.Status != core.TaskStatusSuperseded {
			return fmt.Errorf("task %s step %s (%s): %w", taskID, stepID, step.Status, core.ErrStepTerminal)
		}
		patch.Apply(step)
		return nil
	})
}

// AppendFinding appends to the task's finding log.
func (s *InMemoryTaskStore) AppendFinding(ctx context.Context, taskID string, finding *core.Finding) error {
	if finding == nil {
		return fmt.Errorf("finding cannot be nil")
	}
	_, err := s.mutate(taskID, func(t *core.Task) error {
		t.Findings = append(t.Findings, finding)
		return nil
	})
	return err
}

func (s *InMemoryTaskStore) mutate(taskID string, fn func(*core.Task) error) (*core.Task, error) {
	if taskID == "" {
		return nil, fmt.Errorf("task ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return nil, core.ErrTaskNotFound
	}

	// Mutate a copy so a failed callback leaves the stored document intact.
	draft, err := core.CopyTask(task)
	if err != nil {
		return nil, err
	}
	if err := fn(draft); err != nil {
		return nil, err
	}

	draft.UpdatedAt = time.Now().UTC()
	draft.Revision++
	s.tasks[taskID] = draft

	return core.CopyTask(draft)
}

// ListByUser returns tasks owned by the user, newest first.
func (s *InMemoryTaskStore) ListByUser(ctx context.Context, userID string, status *core.TaskStatus, limit int) ([]*core.Task, error) {
	if userID == "" {
		return nil, fmt.Errorf("user ID cannot be empty")
	}
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	matched := make([]*core.Task, 0)
	for _, task := range s.tasks {
		if task.UserID != userID {
			continue
		}
		if status != nil && task.Status != *status {
			continue
		}
		matched = append(matched, task)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]*core.Task, 0, len(matched))
	for _, task := range matched {
		copied, err := core.CopyTask(task)
		if err != nil {
			return nil, err
		}
		out = append(out, copied)
	}
	return out, nil
}

// VersionHistory walks the parent_task_id chain starting at taskID and
// returns the lineage, newest first.
func (s *InMemoryTaskStore) VersionHistory(ctx context.Context, taskID string, limit int) ([]*core.Task, error) {
	if limit <= 0 {
		limit = 20
	}

	var lineage []*core.Task
	current := taskID
	for current != "" && len(lineage) < limit {
		task, err := s.GetTask(ctx, current)
		if err != nil {
			if len(lineage) > 0 {
				break
			}
			return nil, err
		}
		lineage = append(lineage, task)
		current = task.ParentTaskID
	}
	return lineage, nil
}

// DeleteTask removes a task.
func (s *InMemoryTaskStore) DeleteTask(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, taskID)
	return nil
}

// Compile-time interface compliance check
var _ core.TaskStore = (*InMemoryTaskStore)(nil)
