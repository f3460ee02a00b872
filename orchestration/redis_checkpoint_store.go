package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/praxisworks/praxis/core"
)

// decideMaxAttempts bounds the WATCH retry loop in Decide. Contention on a
// single checkpoint is rare (two humans racing on the same approval), so a
// small bound is plenty.
const decideMaxAttempts = 3

// RedisCheckpointStore implements CheckpointStore using Redis. Records live
// under {prefix}:checkpoint:{id}; a set under {prefix}:checkpoints:pending
// indexes unresolved records for listing and expiry sweeps.
type RedisCheckpointStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	logger    core.Logger
}

// RedisCheckpointStoreConfig configures the Redis checkpoint store.
type RedisCheckpointStoreConfig struct {
	// KeyPrefix is the prefix for all checkpoint keys.
	// Default: PRAXIS_KEY_PREFIX or "praxis".
	KeyPrefix string `json:"key_prefix"`

	// TTL is how long resolved checkpoint records are kept for audit.
	// Default: 7 days.
	TTL time.Duration `json:"ttl"`

	// Logger is an optional logger for store operations.
	Logger core.Logger `json:"-"`
}

// NewRedisCheckpointStore creates a checkpoint store around an existing
// Redis client.
func NewRedisCheckpointStore(client *redis.Client, config *RedisCheckpointStoreConfig) *RedisCheckpointStore {
	if config == nil {
		config = &RedisCheckpointStoreConfig{}
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = getEnvOrDefault("PRAXIS_KEY_PREFIX", "praxis")
	}
	if config.TTL <= 0 {
		config.TTL = 7 * 24 * time.Hour
	}

	s := &RedisCheckpointStore{
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

// NewRedisCheckpointStoreFromURL dials Redis and returns a connected store.
//
// Configuration priority:
//  1. Explicit redisURL argument
//  2. Environment variable (REDIS_URL, PRAXIS_REDIS_DB)
//  3. Default value (redis://localhost:6379, DB 0)
func NewRedisCheckpointStoreFromURL(redisURL string, config *RedisCheckpointStoreConfig) (*RedisCheckpointStore, error) {
	clientOpts := core.RedisClientOptions{URL: redisURL, DB: -1}
	if config != nil {
		clientOpts.Logger = config.Logger
	}
	client, err := core.NewRedisClient(clientOpts)
	if err != nil {
		return nil, err
	}
	return NewRedisCheckpointStore(client, config), nil
}

func (s *RedisCheckpointStore) checkpointKey(id string) string {
	return fmt.Sprintf("%s:checkpoint:%s", s.keyPrefix, id)
}

func (s *RedisCheckpointStore) pendingKey() string {
	return fmt.Sprintf("%s:checkpoints:pending", s.keyPrefix)
}

func (s *RedisCheckpointStore) claimKey(id string) string {
	return fmt.Sprintf("%s:checkpoint:claims:%s", s.keyPrefix, id)
}

// SaveCheckpoint persists a checkpoint record and indexes it while pending.
func (s *RedisCheckpointStore) SaveCheckpoint(ctx context.Context, record *CheckpointRecord) error {
	if record == nil {
		return fmt.Errorf("checkpoint record cannot be nil")
	}
	if record.ID == "" {
		return fmt.Errorf("checkpoint ID cannot be empty")
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to serialize checkpoint %s: %w", record.ID, err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.checkpointKey(record.ID), data, s.ttl)
	if record.Status.IsTerminal() {
		pipe.SRem(ctx, s.pendingKey(), record.ID)
	} else {
		pipe.SAdd(ctx, s.pendingKey(), record.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		if s.logger != nil {
			s.logger.ErrorWithContext(ctx, "Failed to save checkpoint", map[string]interface{}{
				"operation":     "checkpoint_store_save",
				"checkpoint_id": record.ID,
				"error":         err.Error(),
			})
		}
		return fmt.Errorf("failed to save checkpoint %s: %w", record.ID, err)
	}

	if s.logger != nil {
		s.logger.DebugWithContext(ctx, "Checkpoint saved", map[string]interface{}{
			"operation":     "checkpoint_store_save",
			"checkpoint_id": record.ID,
			"task_id":       record.TaskID,
			"status":        record.Status,
		})
	}
	return nil
}

// GetCheckpoint retrieves a checkpoint record by ID.
func (s *RedisCheckpointStore) GetCheckpoint(ctx context.Context, checkpointID string) (*CheckpointRecord, error) {
	if checkpointID == "" {
		return nil, fmt.Errorf("checkpoint ID cannot be empty")
	}

	data, err := s.client.Get(ctx, s.checkpointKey(checkpointID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, core.ErrCheckpointNotFound
		}
		return nil, fmt.Errorf("failed to get checkpoint %s: %w", checkpointID, err)
	}

	var record CheckpointRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to deserialize checkpoint %s: %w", checkpointID, err)
	}
	return &record, nil
}

// Decide applies a resolution atomically under WATCH. When two deciders
// race, the loser's transaction aborts and the loop reloads; its callback
// then observes the terminal status and returns ErrCheckpointDecided, which
// is exactly the answer the losing caller should see.
func (s *RedisCheckpointStore) Decide(ctx context.Context, checkpointID string, decide func(*CheckpointRecord) error) (*CheckpointRecord, error) {
	if checkpointID == "" {
		return nil, fmt.Errorf("checkpoint ID cannot be empty")
	}
	key := s.checkpointKey(checkpointID)

	var committed *CheckpointRecord
	for attempt := 0; attempt < decideMaxAttempts; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return core.ErrCheckpointNotFound
			}
			if err != nil {
				return fmt.Errorf("failed to load checkpoint %s: %w", checkpointID, err)
			}

			var record CheckpointRecord
			if err := json.Unmarshal(data, &record); err != nil {
				return fmt.Errorf("failed to deserialize checkpoint %s: %w", checkpointID, err)
			}

			if err := decide(&record); err != nil {
				return err
			}

			newData, err := json.Marshal(&record)
			if err != nil {
				return fmt.Errorf("failed to serialize checkpoint %s: %w", checkpointID, err)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, newData, s.ttl)
				if record.Status.IsTerminal() {
					pipe.SRem(ctx, s.pendingKey(), checkpointID)
				}
				return nil
			})
			if err != nil {
				return err
			}
			committed = &record
			return nil
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			RecordStoreConflict("checkpoint_decide")
			continue
		}
		if err != nil {
			return nil, err
		}
		return committed, nil
	}

	return nil, fmt.Errorf("decide checkpoint %s: %w", checkpointID, core.ErrTaskConflict)
}

// ListPending returns unresolved checkpoints matching the filter, oldest
// first. Index entries whose record has expired or resolved out-of-band are
// pruned as a side effect.
func (s *RedisCheckpointStore) ListPending(ctx context.Context, filter CheckpointFilter) ([]*CheckpointRecord, error) {
	ids, err := s.client.SMembers(ctx, s.pendingKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list pending checkpoints: %w", err)
	}

	records := make([]*CheckpointRecord, 0, len(ids))
	for _, id := range ids {
		record, err := s.GetCheckpoint(ctx, id)
		if err != nil {
			if errors.Is(err, core.ErrCheckpointNotFound) {
				s.client.SRem(ctx, s.pendingKey(), id)
				continue
			}
			return nil, err
		}
		if record.Status.IsTerminal() {
			s.client.SRem(ctx, s.pendingKey(), id)
			continue
		}
		if filter.UserID != "" && record.UserID != filter.UserID {
			continue
		}
		if filter.TaskID != "" && record.TaskID != filter.TaskID {
			continue
		}
		records = append(records, record)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

// ClaimExpiry takes the single-winner claim for expiring a checkpoint. The
// claim key is SETNX with a TTL, so if the claiming process dies without
// finishing, another sweep can retry after the TTL lapses.
func (s *RedisCheckpointStore) ClaimExpiry(ctx context.Context, checkpointID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	claimed, err := s.client.SetNX(ctx, s.claimKey(checkpointID), time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim expiry for checkpoint %s: %w", checkpointID, err)
	}
	return claimed, nil
}

// DeleteCheckpoint removes a checkpoint record and its index entry.
func (s *RedisCheckpointStore) DeleteCheckpoint(ctx context.Context, checkpointID string) error {
	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.checkpointKey(checkpointID))
	pipe.SRem(ctx, s.pendingKey(), checkpointID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete checkpoint %s: %w", checkpointID, err)
	}
	return nil
}

// Compile-time interface compliance check
var _ CheckpointStore = (*RedisCheckpointStore)(nil)
