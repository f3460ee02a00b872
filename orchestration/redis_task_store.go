// Package orchestration provides the Redis-backed task store.
//
// This file implements core.TaskStore on Redis. Each task document is one
// JSON value under {prefix}:task:{task_id}; a per-user sorted set under
// {prefix}:user:{user_id} indexes tasks by creation time for listing.
// Mutations run inside WATCH transactions: the document's revision counter
// turns a lost race into core.ErrTaskConflict for the caller to reload and
// re-decide.
package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/praxisworks/praxis/core"
)

// RedisTaskStore implements core.TaskStore using Redis.
type RedisTaskStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	logger    core.Logger
}

// RedisTaskStoreConfig configures the Redis task store.
type RedisTaskStoreConfig struct {
	// KeyPrefix is the prefix for all task keys.
	// Default: PRAXIS_KEY_PREFIX or "praxis".
	KeyPrefix string `json:"key_prefix"`

	// TTL is how long task data is kept. Every committed write refreshes
	// it. Default: 30 days.
	TTL time.Duration `json:"ttl"`

	// Logger is an optional logger for store operations.
	Logger core.Logger `json:"-"`
}

// DefaultRedisTaskStoreConfig returns default configuration.
func DefaultRedisTaskStoreConfig() RedisTaskStoreConfig {
	return RedisTaskStoreConfig{
		KeyPrefix: getEnvOrDefault("PRAXIS_KEY_PREFIX", "praxis"),
		TTL:       30 * 24 * time.Hour,
	}
}

// NewRedisTaskStore creates a Redis-backed task store around an existing
// client. The client should already be connected.
func NewRedisTaskStore(client *redis.Client, config *RedisTaskStoreConfig) *RedisTaskStore {
	if config == nil {
		defaultConfig := DefaultRedisTaskStoreConfig()
		config = &defaultConfig
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = getEnvOrDefault("PRAXIS_KEY_PREFIX", "praxis")
	}
	if config.TTL <= 0 {
		config.TTL = 30 * 24 * time.Hour
	}

	s := &RedisTaskStore{
		client:    client,
		keyPrefix: config.KeyPrefix,
		ttl:       config.TTL,
		logger:    config.Logger,
	}

	if s.logger != nil {
		if cal, ok := s.logger.(core.ComponentAwareLogger); ok {
			s.logger = cal.WithComponent("praxis/orchestration")
		}
	}

	return s
}

// NewRedisTaskStoreFromURL dials Redis and returns a connected store.
//
// Configuration priority:
//  1. Explicit redisURL argument
//  2. Environment variable (REDIS_URL, PRAXIS_REDIS_DB)
//  3. Default value (redis://localhost:6379, DB 0)
func NewRedisTaskStoreFromURL(redisURL string, config *RedisTaskStoreConfig) (*RedisTaskStore, error) {
	clientOpts := core.RedisClientOptions{URL: redisURL, DB: -1}
	if config != nil {
		clientOpts.Logger = config.Logger
	}
	client, err := core.NewRedisClient(clientOpts)
	if err != nil {
		return nil, err
	}
	return NewRedisTaskStore(client, config), nil
}

// SetLogger sets the logger for store operations.
func (s *RedisTaskStore) SetLogger(logger core.Logger) {
	if logger != nil {
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			s.logger = cal.WithComponent("praxis/orchestration")
		} else {
			s.logger = logger
		}
	}
}

func (s *RedisTaskStore) taskKey(taskID string) string {
	return fmt.Sprintf("%s:task:%s", s.keyPrefix, taskID)
}

func (s *RedisTaskStore) userKey(userID string) string {
	return fmt.Sprintf("%s:user:%s", s.keyPrefix, userID)
}

// CreateTask persists a new task after validating the plan DAG.
func (s *RedisTaskStore) CreateTask(ctx context.Context, task *core.Task) error {
	if task == nil {
		return fmt.Errorf("task cannot be nil")
	}
	if task.ID == "" {
		return fmt.Errorf("task ID cannot be empty")
	}
	if err := task.Validate(); err != nil {
		return err
	}

	task.Revision = 1
	task.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to serialize task %s: %w", task.ID, err)
	}

	set, err := s.client.SetNX(ctx, s.taskKey(task.ID), data, s.ttl).Result()
	if err != nil {
		if s.logger != nil {
			s.logger.ErrorWithContext(ctx, "Failed to create task", map[string]interface{}{
				"operation": "task_store_create",
				"task_id":   task.ID,
				"error":     err.Error(),
			})
		}
		return fmt.Errorf("failed to create task %s: %w", task.ID, err)
	}
	if !set {
		return fmt.Errorf("task %s already exists: %w", task.ID, core.ErrTaskConflict)
	}

	if task.UserID != "" {
		score := float64(task.CreatedAt.UnixNano())
		if err := s.client.ZAdd(ctx, s.userKey(task.UserID), &redis.Z{Score: score, Member: task.ID}).Err(); err != nil {
			// The document is committed; a missing index entry only hurts
			// listing. Log and carry on.
			if s.logger != nil {
				s.logger.WarnWithContext(ctx, "Failed to index task for user", map[string]interface{}{
					"operation": "task_store_create",
					"task_id":   task.ID,
					"user_id":   task.UserID,
					"error":     err.Error(),
				})
			}
		}
	}

	if s.logger != nil {
		s.logger.InfoWithContext(ctx, "Task created", map[string]interface{}{
			"operation":  "task_store_create",
			"task_id":    task.ID,
			"version":    task.Version,
			"status":     task.Status,
			"step_count": len(task.Steps),
		})
	}

	return nil
}

// GetTask retrieves a committed task snapshot.
func (s *RedisTaskStore) GetTask(ctx context.Context, taskID string) (*core.Task, error) {
	if taskID == "" {
		return nil, fmt.Errorf("task ID cannot be empty")
	}

	data, err := s.client.Get(ctx, s.taskKey(taskID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, core.ErrTaskNotFound
		}
		if s.logger != nil {
			s.logger.ErrorWithContext(ctx, "Failed to get task", map[string]interface{}{
				"operation": "task_store_get",
				"task_id":   taskID,
				"error":     err.Error(),
			})
		}
		return nil, fmt.Errorf("failed to get task %s: %w", taskID, err)
	}

	var task core.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to deserialize task %s: %w", taskID, err)
	}
	return &task, nil
}

// UpdateTask merges top-level fields into the task inside a WATCH
// transaction. Terminal tasks accept only the supersede link.
func (s *RedisTaskStore) UpdateTask(ctx context.Context, taskID string, patch core.TaskPatch) (*core.Task, error) {
	task, err := s.mutate(ctx, "task_store_update", taskID, func(t *core.Task) error {
		if t.Status.IsTerminal() {
			if !supersedeOnly(patch) {
				return fmt.Errorf("task %s: %w", taskID, core.ErrTaskTerminal)
			}
		}
		patch.Apply(t)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.logger != nil {
		s.logger.DebugWithContext(ctx, "Task updated", map[string]interface{}{
			"operation": "task_store_update",
			"task_id":   taskID,
			"status":    task.Status,
			"revision":  task.Revision,
		})
	}
	return task, nil
}

// UpdateStep merges fields into one step inside a WATCH transaction. A step
// already terminal rejects the write unless the task has been superseded.
func (s *RedisTaskStore) UpdateStep(ctx context.Context, taskID, stepID string, patch core.StepPatch) (*core.Task, error) {
	task, err := s.mutate(ctx, "task_store_update_step", taskID, func(t *core.Task) error {
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
	if err != nil {
		return nil, err
	}

	if s.logger != nil {
		s.logger.DebugWithContext(ctx, "Step updated", map[string]interface{}{
			"operation": "task_store_update_step",
			"task_id":   taskID,
			"step_id":   stepID,
			"revision":  task.Revision,
		})
	}
	return task, nil
}

// AppendFinding appends to the task's finding log.
func (s *RedisTaskStore) AppendFinding(ctx context.Context, taskID string, finding *core.Finding) error {
	if finding == nil {
		return fmt.Errorf("finding cannot be nil")
	}
	_, err := s.mutate(ctx, "task_store_append_finding", taskID, func(t *core.Task) error {
		t.Findings = append(t.Findings, finding)
		return nil
	})
	return err
}

// mutate runs one load-modify-write round under WATCH. A concurrent write
// between the read and the commit surfaces as core.ErrTaskConflict.
func (s *RedisTaskStore) mutate(ctx context.Context, op, taskID string, fn func(*core.Task) error) (*core.Task, error) {
	if taskID == "" {
		return nil, fmt.Errorf("task ID cannot be empty")
	}
	key := s.taskKey(taskID)

	var committed *core.Task
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return core.ErrTaskNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load task %s: %w", taskID, err)
		}

		var task core.Task
		if err := json.Unmarshal(data, &task); err != nil {
			return fmt.Errorf("failed to deserialize task %s: %w", taskID, err)
		}

		if err := fn(&task); err != nil {
			return err
		}

		task.UpdatedAt = time.Now().UTC()
		task.Revision++

		newData, err := json.Marshal(&task)
		if err != nil {
			return fmt.Errorf("failed to serialize task %s: %w", taskID, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, newData, s.ttl)
			return nil
		})
		if err != nil {
			return err
		}
		committed = &task
		return nil
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		RecordStoreConflict(op)
		if s.logger != nil {
			s.logger.WarnWithContext(ctx, "Task write lost optimistic concurrency race", map[string]interface{}{
				"operation": op,
				"task_id":   taskID,
			})
		}
		return nil, fmt.Errorf("%s task %s: %w", op, taskID, core.ErrTaskConflict)
	}
	if err != nil {
		return nil, err
	}
	return committed, nil
}

// ListByUser returns tasks owned by the user, newest first.
func (s *RedisTaskStore) ListByUser(ctx context.Context, userID string, status *core.TaskStatus, limit int) ([]*core.Task, error) {
	if userID == "" {
		return nil, fmt.Errorf("user ID cannot be empty")
	}
	if limit <= 0 {
		limit = 50
	}

	ids, err := s.client.ZRevRange(ctx, s.userKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks for user %s: %w", userID, err)
	}

	tasks := make([]*core.Task, 0, limit)
	for _, id := range ids {
		if len(tasks) >= limit {
			break
		}
		task, err := s.GetTask(ctx, id)
		if err != nil {
			continue // Skip tasks that expired out from under the index
		}
		if status != nil && task.Status != *status {
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// VersionHistory walks the parent_task_id chain starting at taskID and
// returns the lineage, newest first.
func (s *RedisTaskStore) VersionHistory(ctx context.Context, taskID string, limit int) ([]*core.Task, error) {
	if limit <= 0 {
		limit = 20
	}

	var lineage []*core.Task
	current := taskID
	for current != "" && len(lineage) < limit {
		task, err := s.GetTask(ctx, current)
		if err != nil {
			if errors.Is(err, core.ErrTaskNotFound) && len(lineage) > 0 {
				break // Ancestor expired; return what we walked
			}
			return nil, err
		}
		lineage = append(lineage, task)
		current = task.ParentTaskID
	}
	return lineage, nil
}

// DeleteTask removes a task and its index entry.
func (s *RedisTaskStore) DeleteTask(ctx context.Context, taskID string) error {
	if taskID == "" {
		return fmt.Errorf("task ID cannot be empty")
	}

	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, core.ErrTaskNotFound) {
			return nil
		}
		return err
	}

	if err := s.client.Del(ctx, s.taskKey(taskID)).Err(); err != nil {
		return fmt.Errorf("failed to delete task %s: %w", taskID, err)
	}
	if task.UserID != "" {
		if err := s.client.ZRem(ctx, s.userKey(task.UserID), taskID).Err(); err != nil && s.logger != nil {
			s.logger.WarnWithContext(ctx, "Failed to remove task from user index", map[string]interface{}{
				"operation": "task_store_delete",
				"task_id":   taskID,
				"user_id":   task.UserID,
				"error":     err.Error(),
			})
		}
	}

	if s.logger != nil {
		s.logger.InfoWithContext(ctx, "Task deleted", map[string]interface{}{
			"operation": "task_store_delete",
			"task_id":   taskID,
		})
	}
	return nil
}

// Close is a no-op; the Redis client is managed by the caller and may be
// shared with other stores.
func (s *RedisTaskStore) Close() error {
	return nil
}

// supersedeOnly reports whether a patch touches nothing but the supersede
// link (optionally with the matching status transition).
func supersedeOnly(p core.TaskPatch) bool {
	if p.SupersededBy == nil {
		return false
	}
	if p.Status != nil && *p.Status != core.TaskStatusSuperseded {
		return false
	}
	return p.CurrentStep == nil && p.MaxParallelSteps == nil && len(p.Metadata) == 0 && p.CompletedAt == nil
}

// Compile-time interface compliance check
var _ core.TaskStore = (*RedisTaskStore)(nil)
