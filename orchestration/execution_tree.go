package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/praxisworks/praxis/core"
)

// ============================================================================
// Execution tree projection
// ============================================================================

// TreeNode is one step's live view in the execution tree.
type TreeNode struct {
	NodeID          string          `json:"node_id"`
	Name            string          `json:"name"`
	AgentType       string          `json:"agent_type"`
	Status          core.StepStatus `json:"status"`
	DependsOn       []string        `json:"depends_on,omitempty"`
	ParallelGroup   string          `json:"parallel_group,omitempty"`
	ResultSummary   string          `json:"result_summary,omitempty"`
	Error           string          `json:"error,omitempty"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	DurationSeconds float64         `json:"duration_seconds,omitempty"`
}

// ExecutionTree is the observer-facing projection of a task. It is derived
// entirely from the task document, so it can always be rebuilt from the
// store.
type ExecutionTree struct {
	TaskID    string          `json:"task_id"`
	TreeID    string          `json:"tree_id,omitempty"`
	Goal      string          `json:"goal"`
	Status    core.TaskStatus `json:"status"`
	Version   int             `json:"version"`
	Nodes     []TreeNode      `json:"nodes"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// NodeUpdate is the event published to subscribers when a node transitions.
// A task-level transition publishes with NodeID equal to the task id.
type NodeUpdate struct {
	TaskID          string     `json:"task_id"`
	NodeID          string     `json:"node_id"`
	Name            string     `json:"name,omitempty"`
	Status          string     `json:"status"`
	ResultSummary   string     `json:"result_summary,omitempty"`
	Error           string     `json:"error,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	DurationSeconds float64    `json:"duration_seconds,omitempty"`
	Timestamp       time.Time  `json:"timestamp"`
}

// BuildExecutionTree projects a task document into its observer view.
func BuildExecutionTree(task *core.Task) *ExecutionTree {
	tree := &ExecutionTree{
		TaskID:    task.ID,
		TreeID:    task.TreeID,
		Goal:      task.Goal,
		Status:    task.Status,
		Version:   task.Version,
		Nodes:     make([]TreeNode, 0, len(task.Steps)),
		UpdatedAt: time.Now().UTC(),
	}
	for _, step := range task.Steps {
		tree.Nodes = append(tree.Nodes, TreeNode{
			NodeID:          step.ID,
			Name:            step.Name,
			AgentType:       step.AgentType,
			Status:          step.Status,
			DependsOn:       step.Dependencies,
			ParallelGroup:   step.ParallelGroup,
			ResultSummary:   nodeSummary(step),
			Error:           step.Error,
			StartedAt:       step.StartedAt,
			CompletedAt:     step.CompletedAt,
			DurationSeconds: step.DurationSeconds,
		})
	}
	return tree
}

func nodeSummary(step *core.Step) string {
	if step.Outputs == nil {
		return ""
	}
	if s, ok := step.Outputs["summary"].(string); ok {
		return s
	}
	return ""
}

func stepNodeUpdate(task *core.Task, step *core.Step) NodeUpdate {
	return NodeUpdate{
		TaskID:          task.ID,
		NodeID:          step.ID,
		Name:            step.Name,
		Status:          string(step.Status),
		ResultSummary:   nodeSummary(step),
		Error:           step.Error,
		StartedAt:       step.StartedAt,
		CompletedAt:     step.CompletedAt,
		DurationSeconds: step.DurationSeconds,
		Timestamp:       time.Now().UTC(),
	}
}

func taskNodeUpdate(task *core.Task) NodeUpdate {
	update := NodeUpdate{
		TaskID:    task.ID,
		NodeID:    task.ID,
		Name:      task.Goal,
		Status:    string(task.Status),
		Timestamp: time.Now().UTC(),
	}
	if task.CompletedAt != nil {
		update.CompletedAt = task.CompletedAt
	}
	return update
}

// TreePublisher pushes execution-tree updates to observers. Publishing is
// always attempted after the durable task write, never before, so observers
// cannot see a state the store would deny. Failures are non-fatal to the
// engine; callers log and continue.
type TreePublisher interface {
	// PublishStep projects the task after a step transition and emits a
	// node update.
	PublishStep(ctx context.Context, task *core.Task, step *core.Step) error

	// PublishTask projects the task after a task-level transition.
	PublishTask(ctx context.Context, task *core.Task) error
}

// NoOpTreePublisher discards all updates.
type NoOpTreePublisher struct{}

func (NoOpTreePublisher) PublishStep(ctx context.Context, task *core.Task, step *core.Step) error {
	return nil
}

func (NoOpTreePublisher) PublishTask(ctx context.Context, task *core.Task) error {
	return nil
}

// ============================================================================
// Redis tree publisher
// ============================================================================

// RedisTreePublisher keeps a durable projection at {prefix}:tree:{task_id}
// and broadcasts node updates on the pub/sub channel
// {prefix}:tree:events:{task_id}.
type RedisTreePublisher struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	logger    core.Logger
}

// NewRedisTreePublisher creates a tree publisher around an existing client.
// An empty keyPrefix falls back to PRAXIS_KEY_PREFIX or "praxis".
func NewRedisTreePublisher(client *redis.Client, keyPrefix string, logger core.Logger) *RedisTreePublisher {
	if keyPrefix == "" {
		keyPrefix = getEnvOrDefault("PRAXIS_KEY_PREFIX", "praxis")
	}
	p := &RedisTreePublisher{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       7 * 24 * time.Hour,
		logger:    logger,
	}
	if p.logger != nil {
		if cal, ok := p.logger.(core.ComponentAwareLogger); ok {
			p.logger = cal.WithComponent("praxis/orchestration")
		}
	}
	return p
}

func (p *RedisTreePublisher) treeKey(taskID string) string {
	return fmt.Sprintf("%s:tree:%s", p.keyPrefix, taskID)
}

// TreeChannel returns the pub/sub channel observers subscribe to for one
// task's node updates.
func (p *RedisTreePublisher) TreeChannel(taskID string) string {
	return fmt.Sprintf("%s:tree:events:%s", p.keyPrefix, taskID)
}

// PublishStep writes the projection and broadcasts the step's node update.
func (p *RedisTreePublisher) PublishStep(ctx context.Context, task *core.Task, step *core.Step) error {
	if err := p.project(ctx, task); err != nil {
		return err
	}
	return p.broadcast(ctx, task.ID, stepNodeUpdate(task, step))
}

// PublishTask writes the projection and broadcasts a task-level update.
func (p *RedisTreePublisher) PublishTask(ctx context.Context, task *core.Task) error {
	if err := p.project(ctx, task); err != nil {
		return err
	}
	return p.broadcast(ctx, task.ID, taskNodeUpdate(task))
}

// GetTree loads the durable projection for a task.
func (p *RedisTreePublisher) GetTree(ctx context.Context, taskID string) (*ExecutionTree, error) {
	data, err := p.client.Get(ctx, p.treeKey(taskID)).Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to load execution tree for task %s: %w", taskID, err)
	}
	var tree ExecutionTree
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("failed to deserialize execution tree for task %s: %w", taskID, err)
	}
	return &tree, nil
}

func (p *RedisTreePublisher) project(ctx context.Context, task *core.Task) error {
	tree := BuildExecutionTree(task)
	data, err := json.Marshal(tree)
	if err != nil {
		return fmt.Errorf("failed to serialize execution tree for task %s: %w", task.ID, err)
	}
	if err := p.client.Set(ctx, p.treeKey(task.ID), data, p.ttl).Err(); err != nil {
		return fmt.Errorf("failed to project execution tree for task %s: %w", task.ID, err)
	}
	return nil
}

func (p *RedisTreePublisher) broadcast(ctx context.Context, taskID string, update NodeUpdate) error {
	data, err := json.Marshal(update)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, p.TreeChannel(taskID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish tree update for task %s: %w", taskID, err)
	}
	return nil
}

// ============================================================================
// In-process tree publisher
// ============================================================================

// ChannelTreePublisher delivers node updates over Go channels for embedded
// deployments and tests. Slow subscribers drop updates rather than stall the
// engine; the durable projection (or the task document itself) remains the
// source of truth.
type ChannelTreePublisher struct {
	mu    sync.RWMutex
	trees map[string]*ExecutionTree
	subs  map[string][]chan NodeUpdate
}

// NewChannelTreePublisher creates an in-process tree publisher.
func NewChannelTreePublisher() *ChannelTreePublisher {
	return &ChannelTreePublisher{
		trees: make(map[string]*ExecutionTree),
		subs:  make(map[string][]chan NodeUpdate),
	}
}

// Subscribe returns a channel of node updates for one task and a cancel
// function that closes it.
func (p *ChannelTreePublisher) Subscribe(taskID string) (<-chan NodeUpdate, func()) {
	ch := make(chan NodeUpdate, 16)

	p.mu.Lock()
	p.subs[taskID] = append(p.subs[taskID], ch)
	p.mu.Unlock()

	cancel := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		subs := p.subs[taskID]
		for i, sub := range subs {
			if sub == ch {
				p.subs[taskID] = append(subs[:i], subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

// GetTree returns the latest projection for a task, or nil.
func (p *ChannelTreePublisher) GetTree(taskID string) *ExecutionTree {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.trees[taskID]
}

// PublishStep stores the projection and fans the step update out.
func (p *ChannelTreePublisher) PublishStep(ctx context.Context, task *core.Task, step *core.Step) error {
	p.publish(task, stepNodeUpdate(task, step))
	return nil
}

// PublishTask stores the projection and fans a task-level update out.
func (p *ChannelTreePublisher) PublishTask(ctx context.Context, task *core.Task) error {
	p.publish(task, taskNodeUpdate(task))
	return nil
}

func (p *ChannelTreePublisher) publish(task *core.Task, update NodeUpdate) {
	tree := BuildExecutionTree(task)

	// Sends stay under the lock so an unsubscribe cannot close a channel
	// mid-fanout; they never block because delivery is best-effort.
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trees[task.ID] = tree
	for _, ch := range p.subs[task.ID] {
		select {
		case ch <- update:
		default: // Subscriber is behind; it can rebuild from the projection
		}
	}
}

// Compile-time interface compliance checks
var (
	_ TreePublisher = (*RedisTreePublisher)(nil)
	_ TreePublisher = (*ChannelTreePublisher)(nil)
	_ TreePublisher = NoOpTreePublisher{}
)
