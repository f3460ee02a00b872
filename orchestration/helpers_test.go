package orchestration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/praxisworks/praxis/core"
)

// ============================================================================
// Shared test helpers
// ============================================================================

// newTestRedis starts an in-process Redis and returns a connected client.
// Both shut down with the test.
func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func taskStatusPtr(s core.TaskStatus) *core.TaskStatus { return &s }
func stepStatusPtr(s core.StepStatus) *core.StepStatus { return &s }
func strPtr(s string) *string                          { return &s }
func intPtr(i int) *int                                { return &i }
func boolPtr(b bool) *bool                             { return &b }
func timePtr(ts time.Time) *time.Time                  { return &ts }

// shortTestConfig returns an engine configuration tuned for fast tests:
// real semantics, millisecond delays.
func shortTestConfig() EngineConfig {
	return EngineConfig{
		MaxParallelSteps:    5,
		GlobalInflightCap:   16,
		StepTimeout:         5 * time.Second,
		CheckpointTimeout:   time.Minute,
		CancelGracePeriod:   200 * time.Millisecond,
		LivenessFactor:      2,
		RetryBaseDelay:      5 * time.Millisecond,
		RetryMaxDelay:       40 * time.Millisecond,
		CompletionQueueSize: 16,
		ExpirySweepInterval: time.Minute,
	}
}

// capturingNotifier records checkpoint notifications for assertions.
type capturingNotifier struct {
	mu      sync.Mutex
	records []*CheckpointRecord
}

func (n *capturingNotifier) NotifyCheckpoint(ctx context.Context, record *CheckpointRecord) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.records = append(n.records, record)
	return nil
}

func (n *capturingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.records)
}

func (n *capturingNotifier) last() *CheckpointRecord {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.records) == 0 {
		return nil
	}
	return n.records[len(n.records)-1]
}
