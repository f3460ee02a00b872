package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/praxisworks/praxis/core"
)

// InMemoryCheckpointStore implements CheckpointStore with an in-process map,
// mirroring the Redis store's semantics for tests and single-process use.
type InMemoryCheckpointStore struct {
	mu          sync.Mutex
	checkpoints map[string]*CheckpointRecord
	claims      map[string]time.Time
}

// NewInMemoryCheckpointStore creates an empty in-memory checkpoint store.
func NewInMemoryCheckpointStore() *InMemoryCheckpointStore {
	return &InMemoryCheckpointStore{
		checkpoints: make(map[string]*CheckpointRecord),
		claims:      make(map[string]time.Time),
	}
}

func copyCheckpoint(record *CheckpointRecord) (*CheckpointRecord, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("copy checkpoint %s: %w", record.ID, err)
	}
	var out CheckpointRecord
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("copy checkpoint %s: %w", record.ID, err)
	}
	return &out, nil
}

// SaveCheckpoint persists a checkpoint record.
func (s *InMemoryCheckpointStore) SaveCheckpoint(ctx context.Context, record *CheckpointRecord) error {
	if record == nil {
		return fmt.Errorf("checkpoint record cannot be nil")
	}
	if record.ID == "" {
		return fmt.Errorf("checkpoint ID cannot be empty")
	}

	stored, err := copyCheckpoint(record)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[record.ID] = stored
	return nil
}

// GetCheckpoint retrieves a checkpoint record by ID.
func (s *InMemoryCheckpointStore) GetCheckpoint(ctx context.Context, checkpointID string) (*CheckpointRecord, error) {
	s.mu.Lock()
	record, exists := s.checkpoints[checkpointID]
	s.mu.Unlock()

	if !exists {
		return nil, core.ErrCheckpointNotFound
	}
	return copyCheckpoint(record)
}

// Decide applies a resolution atomically under the store lock.
func (s *InMemoryCheckpointStore) Decide(ctx context.Context, checkpointID string, decide func(*CheckpointRecord) error) (*CheckpointRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, exists := s.checkpoints[checkpointID]
	if !exists {
		return nil, core.ErrCheckpointNotFound
	}

	draft, err := copyCheckpoint(record)
	if err != nil {
		return nil, err
	}
	if err := decide(draft); err != nil {
		return nil, err
	}
	s.checkpoints[checkpointID] = draft

	return copyCheckpoint(draft)
}

// ListPending returns unresolved checkpoints matching the filter, oldest
// first.
func (s *InMemoryCheckpointStore) ListPending(ctx context.Context, filter CheckpointFilter) ([]*CheckpointRecord, error) {
	s.mu.Lock()
	records := make([]*CheckpointRecord, 0)
	for _, record := range s.checkpoints {
		if record.Status.IsTerminal() {
			continue
		}
		if filter.UserID != "" && record.UserID != filter.UserID {
			continue
		}
		if filter.TaskID != "" && record.TaskID != filter.TaskID {
			continue
		}
		copied, err := copyCheckpoint(record)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		records = append(records, copied)
	}
	s.mu.Unlock()

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

// ClaimExpiry takes the single-winner claim for expiring a checkpoint.
func (s *InMemoryCheckpointStore) ClaimExpiry(ctx context.Context, checkpointID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if expiry, held := s.claims[checkpointID]; held && now.Before(expiry) {
		return false, nil
	}
	s.claims[checkpointID] = now.Add(ttl)
	return true, nil
}

// DeleteCheckpoint removes a checkpoint record.
func (s *InMemoryCheckpointStore) DeleteCheckpoint(ctx context.Context, checkpointID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, checkpointID)
	delete(s.claims, checkpointID)
	return nil
}

// Compile-time interface compliance check
var _ CheckpointStore = (*InMemoryCheckpointStore)(nil)
