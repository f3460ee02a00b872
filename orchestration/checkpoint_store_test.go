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

type checkpointStoreBackend struct {
	name  string
	build func(t *testing.T) CheckpointStore
}

func checkpointStoreBackends() []checkpointStoreBackend {
	return []checkpointStoreBackend{
		{
			name: "memory",
			build: func(t *testing.T) CheckpointStore {
				return NewInMemoryCheckpointStore()
			},
		},
		{
			name: "redis",
			build: func(t *testing.T) CheckpointStore {
				return NewRedisCheckpointStore(newTestRedis(t), &RedisCheckpointStoreConfig{KeyPrefix: "test"})
			},
		},
	}
}

func pendingRecord(id, taskID, userID string, createdAt time.Time) *CheckpointRecord {
	return &CheckpointRecord{
		ID:        id,
		TaskID:    taskID,
		StepID:    "step-1",
		UserID:    userID,
		Name:      "Approve deploy",
		Type:      core.CheckpointApproval,
		Status:    CheckpointStatusPending,
		CreatedAt: createdAt,
		ExpiresAt: createdAt.Add(time.Hour),
	}
}

// TestCheckpointStoreSaveAndGet verifies the save/read round trip, field
// fidelity and the not-found sentinel.
func TestCheckpointStoreSaveAndGet(t *testing.T) {
	for _, backend := range checkpointStoreBackends() {
		t.Run(backend.name, func(t *testing.T) {
			store := backend.build(t)
			ctx := context.Background()

			record := pendingRecord("cp-1", "task-1", "user-1", time.Now().UTC().Truncate(time.Second))
			record.Preview = map[string]interface{}{"agent_type": "deploy_agent"}
			record.Questions = []string{"Which region?"}
			require.NoError(t, store.SaveCheckpoint(ctx, record))

			got, err := store.GetCheckpoint(ctx, "cp-1")
			require.NoError(t, err)
			assert.Equal(t, record.TaskID, got.TaskID)
			assert.Equal(t, record.StepID, got.StepID)
			assert.Equal(t, core.CheckpointApproval, got.Type)
			assert.Equal(t, CheckpointStatusPending, got.Status)
			assert.Equal(t, "deploy_agent", got.Preview["agent_type"])
			assert.Equal(t, []string{"Which region?"}, got.Questions)

			_, err = store.GetCheckpoint(ctx, "cp-absent")
			assert.ErrorIs(t, err, core.ErrCheckpointNotFound)
		})
	}
}

// TestCheckpointStoreSnapshotIsolation verifies returned records are copies.
func TestCheckpointStoreSnapshotIsolation(t *testing.T) {
	for _, backend := range checkpointStoreBackends() {
		t.Run(backend.name, func(t *testing.T) {
			store := backend.build(t)
			ctx := context.Background()

			require.NoError(t, store.SaveCheckpoint(ctx, pendingRecord("cp-1", "task-1", "user-1", time.Now().UTC())))

			snapshot, err := store.GetCheckpoint(ctx, "cp-1")
			require.NoError(t, err)
			snapshot.Status = CheckpointStatusRejected
			snapshot.Name = "mutated"

			fresh, err := store.GetCheckpoint(ctx, "cp-1")
			require.NoError(t, err)
			assert.Equal(t, CheckpointStatusPending, fresh.Status)
			assert.Equal(t, "Approve deploy", fresh.Name)
		})
	}
}

// TestCheckpointStoreDecide verifies the decide callback commits its
// mutation atomically and errors leave the record untouched.
func TestCheckpointStoreDecide(t *testing.T) {
	for _, backend := range checkpointStoreBackends() {
		t.Run(backend.name, func(t *testing.T) {
			store := backend.build(t)
			ctx := context.Background()

			require.NoError(t, store.SaveCheckpoint(ctx, pendingRecord("cp-1", "task-1", "user-1", time.Now().UTC())))

			decided, err := store.Decide(ctx, "cp-1", func(r *CheckpointRecord) error {
				r.Status = CheckpointStatusApproved
				r.DecidedBy = "user-1"
				now := time.Now().UTC()
				r.DecidedAt = &now
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, CheckpointStatusApproved, decided.Status)
			assert.Equal(t, "user-1", decided.DecidedBy)
			require.NotNil(t, decided.DecidedAt)

			got, err := store.GetCheckpoint(ctx, "cp-1")
			require.NoError(t, err)
			assert.Equal(t, CheckpointStatusApproved, got.Status)

			// A failing callback must not commit anything.
			boom := errors.New("validation failed")
			_, err = store.Decide(ctx, "cp-1", func(r *CheckpointRecord) error {
				r.Status = CheckpointStatusRejected
				return boom
			})
			assert.ErrorIs(t, err, boom)
			got, err = store.GetCheckpoint(ctx, "cp-1")
			require.NoError(t, err)
			assert.Equal(t, CheckpointStatusApproved, got.Status)

			_, err = store.Decide(ctx, "cp-absent", func(r *CheckpointRecord) error { return nil })
			assert.ErrorIs(t, err, core.ErrCheckpointNotFound)
		})
	}
}

// TestCheckpointStoreListPending verifies ordering, filters and that
// decided records drop out of the pending view.
func TestCheckpointStoreListPending(t *testing.T) {
	for _, backend := range checkpointStoreBackends() {
		t.Run(backend.name, func(t *testing.T) {
			store := backend.build(t)
			ctx := context.Background()

			base := time.Now().UTC().Add(-time.Hour)
			require.NoError(t, store.SaveCheckpoint(ctx, pendingRecord("cp-old", "task-1", "user-1", base)))
			require.NoError(t, store.SaveCheckpoint(ctx, pendingRecord("cp-mid", "task-2", "user-1", base.Add(time.Minute))))
			require.NoError(t, store.SaveCheckpoint(ctx, pendingRecord("cp-new", "task-3", "user-2", base.Add(2*time.Minute))))

			all, err := store.ListPending(ctx, CheckpointFilter{})
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, "cp-old", all[0].ID)
			assert.Equal(t, "cp-mid", all[1].ID)
			assert.Equal(t, "cp-new", all[2].ID)

			byUser, err := store.ListPending(ctx, CheckpointFilter{UserID: "user-1"})
			require.NoError(t, err)
			require.Len(t, byUser, 2)

			byTask, err := store.ListPending(ctx, CheckpointFilter{TaskID: "task-2"})
			require.NoError(t, err)
			require.Len(t, byTask, 1)
			assert.Equal(t, "cp-mid", byTask[0].ID)

			_, err = store.Decide(ctx, "cp-old", func(r *CheckpointRecord) error {
				r.Status = CheckpointStatusApproved
				return nil
			})
			require.NoError(t, err)

			remaining, err := store.ListPending(ctx, CheckpointFilter{})
			require.NoError(t, err)
			require.Len(t, remaining, 2)
			assert.Equal(t, "cp-mid", remaining[0].ID)
		})
	}
}

// TestCheckpointStoreSaveTerminalSkipsPending verifies a record saved
// already-terminal never shows up as pending. Auto-approved checkpoints are
// written exactly this way.
func TestCheckpointStoreSaveTerminalSkipsPending(t *testing.T) {
	for _, backend := range checkpointStoreBackends() {
		t.Run(backend.name, func(t *testing.T) {
			store := backend.build(t)
			ctx := context.Background()

			record := pendingRecord("cp-auto", "task-1", "user-1", time.Now().UTC())
			record.Status = CheckpointStatusAutoApproved
			require.NoError(t, store.SaveCheckpoint(ctx, record))

			pending, err := store.ListPending(ctx, CheckpointFilter{})
			require.NoError(t, err)
			assert.Empty(t, pending)

			got, err := store.GetCheckpoint(ctx, "cp-auto")
			require.NoError(t, err)
			assert.Equal(t, CheckpointStatusAutoApproved, got.Status)
		})
	}
}

// TestCheckpointStoreClaimExpiry verifies exactly one claimant wins.
func TestCheckpointStoreClaimExpiry(t *testing.T) {
	for _, backend := range checkpointStoreBackends() {
		t.Run(backend.name, func(t *testing.T) {
			store := backend.build(t)
			ctx := context.Background()

			claimed, err := store.ClaimExpiry(ctx, "cp-1", time.Minute)
			require.NoError(t, err)
			assert.True(t, claimed)

			claimed, err = store.ClaimExpiry(ctx, "cp-1", time.Minute)
			require.NoError(t, err)
			assert.False(t, claimed, "second claimant must lose")

			claimed, err = store.ClaimExpiry(ctx, "cp-2", time.Minute)
			require.NoError(t, err)
			assert.True(t, claimed, "claims are per checkpoint")
		})
	}
}

// TestCheckpointStoreClaimExpiryLapses verifies a stale claim can be
// re-taken after its TTL, so a sweeper that dies mid-expiry does not wedge
// the checkpoint forever.
func TestCheckpointStoreClaimExpiryLapses(t *testing.T) {
	store := NewInMemoryCheckpointStore()
	ctx := context.Background()

	claimed, err := store.ClaimExpiry(ctx, "cp-1", 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, claimed)

	time.Sleep(25 * time.Millisecond)

	claimed, err = store.ClaimExpiry(ctx, "cp-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed, "lapsed claim must be reclaimable")
}

// TestCheckpointStoreDelete verifies deletion, including of the claim, and
// that deleting a missing record is not an error.
func TestCheckpointStoreDelete(t *testing.T) {
	for _, backend := range checkpointStoreBackends() {
		t.Run(backend.name, func(t *testing.T) {
			store := backend.build(t)
			ctx := context.Background()

			require.NoError(t, store.SaveCheckpoint(ctx, pendingRecord("cp-1", "task-1", "user-1", time.Now().UTC())))
			require.NoError(t, store.DeleteCheckpoint(ctx, "cp-1"))

			_, err := store.GetCheckpoint(ctx, "cp-1")
			assert.ErrorIs(t, err, core.ErrCheckpointNotFound)

			pending, err := store.ListPending(ctx, CheckpointFilter{})
			require.NoError(t, err)
			assert.Empty(t, pending)

			assert.NoError(t, store.DeleteCheckpoint(ctx, "cp-1"))
		})
	}
}

// TestCheckpointRecordExpired verifies the expiry predicate only fires for
// pending records past their deadline.
func TestCheckpointRecordExpired(t *testing.T) {
	now := time.Now().UTC()

	record := pendingRecord("cp-1", "task-1", "user-1", now.Add(-2*time.Hour))
	record.ExpiresAt = now.Add(-time.Hour)
	assert.True(t, record.Expired(now))

	record.ExpiresAt = now.Add(time.Hour)
	assert.False(t, record.Expired(now))

	record.ExpiresAt = now.Add(-time.Hour)
	record.Status = CheckpointStatusApproved
	assert.False(t, record.Expired(now), "decided records never expire")
}

// TestNewCheckpointRecord verifies record construction: preview assembly,
// timeout precedence and config copy-through.
func TestNewCheckpointRecord(t *testing.T) {
	task := core.NewTask("user-1", "org-1", "deploy service")
	step := &core.Step{
		ID:        "deploy",
		Name:      "Deploy to production",
		AgentType: "deploy_agent",
		Status:    core.StepStatusPending,
		Inputs: map[string]interface{}{
			"environment": "production",
			"secret":      "not-previewed",
		},
	}

	t.Run("config timeout wins", func(t *testing.T) {
		cfg := &core.CheckpointConfig{
			Name:           "Production gate",
			TimeoutMinutes: 30,
			PreviewFields:  []string{"environment", "absent"},
			PreferenceKey:  "deploy.production",
		}
		record := NewCheckpointRecord(task, step, cfg, 2*time.Hour)

		assert.NotEmpty(t, record.ID)
		assert.Equal(t, task.ID, record.TaskID)
		assert.Equal(t, "deploy", record.StepID)
		assert.Equal(t, "user-1", record.UserID)
		assert.Equal(t, "Production gate", record.Name)
		assert.Equal(t, core.CheckpointApproval, record.Type)
		assert.Equal(t, CheckpointStatusPending, record.Status)
		assert.Equal(t, "deploy_agent", record.Preview["agent_type"])
		assert.Equal(t, "Deploy to production", record.Preview["step_name"])
		assert.Equal(t, "production", record.Preview["environment"])
		assert.NotContains(t, record.Preview, "secret")
		assert.NotContains(t, record.Preview, "absent")
		assert.Equal(t, "deploy.production", record.PreferenceKey)
		assert.WithinDuration(t, record.CreatedAt.Add(30*time.Minute), record.ExpiresAt, time.Second)
	})

	t.Run("default timeout applies", func(t *testing.T) {
		record := NewCheckpointRecord(task, step, &core.CheckpointConfig{}, 2*time.Hour)
		assert.WithinDuration(t, record.CreatedAt.Add(2*time.Hour), record.ExpiresAt, time.Second)
	})

	t.Run("name falls back to step name", func(t *testing.T) {
		record := NewCheckpointRecord(task, step, &core.CheckpointConfig{}, time.Hour)
		assert.Equal(t, "Deploy to production", record.Name)
	})
}
