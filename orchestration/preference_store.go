package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/praxisworks/praxis/core"
)

// clampConfidence keeps a learned confidence inside [0, 1].
func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// RedisPreferenceStore implements core.PreferenceStore on a Redis hash per
// user: {prefix}:prefs:{user_id} maps preference key to a JSON record.
type RedisPreferenceStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisPreferenceStore creates a preference store around an existing
// Redis client. An empty keyPrefix falls back to PRAXIS_KEY_PREFIX or
// "praxis".
func NewRedisPreferenceStore(client *redis.Client, keyPrefix string) *RedisPreferenceStore {
	if keyPrefix == "" {
		keyPrefix = getEnvOrDefault("PRAXIS_KEY_PREFIX", "praxis")
	}
	return &RedisPreferenceStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisPreferenceStore) prefsKey(userID string) string {
	return fmt.Sprintf("%s:prefs:%s", s.keyPrefix, userID)
}

// GetPreference returns the stored preference or core.ErrPreferenceNotFound.
func (s *RedisPreferenceStore) GetPreference(ctx context.Context, userID, key string) (*core.Preference, error) {
	data, err := s.client.HGet(ctx, s.prefsKey(userID), key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, core.ErrPreferenceNotFound
		}
		return nil, fmt.Errorf("failed to get preference %s/%s: %w", userID, key, err)
	}

	var pref core.Preference
	if err := json.Unmarshal(data, &pref); err != nil {
		return nil, fmt.Errorf("failed to deserialize preference %s/%s: %w", userID, key, err)
	}
	return &pref, nil
}

// SetPreference stores or replaces a preference, clamping confidence.
func (s *RedisPreferenceStore) SetPreference(ctx context.Context, userID string, pref *core.Preference) error {
	if pref == nil {
		return fmt.Errorf("preference cannot be nil")
	}
	if pref.Key == "" {
		return fmt.Errorf("preference key cannot be empty")
	}

	stored := *pref
	stored.Confidence = clampConfidence(stored.Confidence)
	stored.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to serialize preference %s/%s: %w", userID, pref.Key, err)
	}
	if err := s.client.HSet(ctx, s.prefsKey(userID), pref.Key, data).Err(); err != nil {
		return fmt.Errorf("failed to set preference %s/%s: %w", userID, pref.Key, err)
	}
	return nil
}

// RecordUsage increments the usage counter for a preference. The increment
// runs under WATCH so concurrent auto-approvals don't lose counts.
func (s *RedisPreferenceStore) RecordUsage(ctx context.Context, userID, key string) error {
	hashKey := s.prefsKey(userID)

	for attempt := 0; attempt < decideMaxAttempts; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.HGet(ctx, hashKey, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return core.ErrPreferenceNotFound
			}
			if err != nil {
				return err
			}

			var pref core.Preference
			if err := json.Unmarshal(data, &pref); err != nil {
				return fmt.Errorf("failed to deserialize preference %s/%s: %w", userID, key, err)
			}
			pref.UsageCount++
			pref.UpdatedAt = time.Now().UTC()

			newData, err := json.Marshal(&pref)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, hashKey, key, newData)
				return nil
			})
			return err
		}, hashKey)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("record usage for preference %s/%s: %w", userID, key, core.ErrTaskConflict)
}

// ListPreferences returns every preference stored for the user.
func (s *RedisPreferenceStore) ListPreferences(ctx context.Context, userID string) ([]*core.Preference, error) {
	entries, err := s.client.HGetAll(ctx, s.prefsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list preferences for %s: %w", userID, err)
	}

	prefs := make([]*core.Preference, 0, len(entries))
	for key, data := range entries {
		var pref core.Preference
		if err := json.Unmarshal([]byte(data), &pref); err != nil {
			return nil, fmt.Errorf("failed to deserialize preference %s/%s: %w", userID, key, err)
		}
		prefs = append(prefs, &pref)
	}
	return prefs, nil
}

// DeletePreference removes a preference. Missing keys are not an error.
func (s *RedisPreferenceStore) DeletePreference(ctx context.Context, userID, key string) error {
	if err := s.client.HDel(ctx, s.prefsKey(userID), key).Err(); err != nil {
		return fmt.Errorf("failed to delete preference %s/%s: %w", userID, key, err)
	}
	return nil
}

// InMemoryPreferenceStore implements core.PreferenceStore with nested maps
// for tests and single-process use.
type InMemoryPreferenceStore struct {
	mu    sync.RWMutex
	prefs map[string]map[string]*core.Preference
}

// NewInMemoryPreferenceStore creates an empty in-memory preference store.
func NewInMemoryPreferenceStore() *InMemoryPreferenceStore {
	return &InMemoryPreferenceStore{
		prefs: make(map[string]map[string]*core.Preference),
	}
}

// GetPreference returns the stored preference or core.ErrPreferenceNotFound.
func (s *InMemoryPreferenceStore) GetPreference(ctx context.Context, userID, key string) (*core.Preference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pref, ok := s.prefs[userID][key]
	if !ok {
		return nil, core.ErrPreferenceNotFound
	}
	copied := *pref
	return &copied, nil
}

// SetPreference stores or replaces a preference, clamping confidence.
func (s *InMemoryPreferenceStore) SetPreference(ctx context.Context, userID string, pref *core.Preference) error {
	if pref == nil {
		return fmt.Errorf("preference cannot be nil")
	}
	if pref.Key == "" {
		return fmt.Errorf("preference key cannot be empty")
	}

	stored := *pref
	stored.Confidence = clampConfidence(stored.Confidence)
	stored.UpdatedAt = time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prefs[userID] == nil {
		s.prefs[userID] = make(map[string]*core.Preference)
	}
	s.prefs[userID][pref.Key] = &stored
	return nil
}

// RecordUsage increments the usage counter for a preference.
func (s *InMemoryPreferenceStore) RecordUsage(ctx context.Context, userID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pref, ok := s.prefs[userID][key]
	if !ok {
		return core.ErrPreferenceNotFound
	}
	pref.UsageCount++
	pref.UpdatedAt = time.Now().UTC()
	return nil
}

// ListPreferences returns every preference stored for the user.
func (s *InMemoryPreferenceStore) ListPreferences(ctx context.Context, userID string) ([]*core.Preference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefs := make([]*core.Preference, 0, len(s.prefs[userID]))
	for _, pref := range s.prefs[userID] {
		copied := *pref
		prefs = append(prefs, &copied)
	}
	return prefs, nil
}

// DeletePreference removes a preference. Missing keys are not an error.
func (s *InMemoryPreferenceStore) DeletePreference(ctx context.Context, userID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.prefs[userID], key)
	return nil
}

// Compile-time interface compliance checks
var (
	_ core.PreferenceStore = (*RedisPreferenceStore)(nil)
	_ core.PreferenceStore = (*InMemoryPreferenceStore)(nil)
)
