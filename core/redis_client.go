package core

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// Redis database allocation. All stores default to DB 0 and separate their
// keyspaces with the PRAXIS_KEY_PREFIX namespace; deployments wanting
// physical isolation dial each store with one of these instead.
const (
	RedisDBTasks       = 0
	RedisDBCheckpoints = 1
	RedisDBPreferences = 2
	RedisDBTrees       = 3
	RedisDBEvents      = 4
)

// RedisClientOptions configures NewRedisClient.
type RedisClientOptions struct {
	// URL is the Redis connection URL. Empty falls back to REDIS_URL,
	// then redis://localhost:6379.
	URL string

	// DB selects a database (0-15). Negative keeps the database from the
	// URL, overridable via PRAXIS_REDIS_DB.
	DB int

	// PingTimeout bounds the connection check. Default 5s.
	PingTimeout time.Duration

	// Logger is an optional logger for connection lifecycle events.
	Logger Logger
}

// NewRedisClient dials Redis, applies database selection and verifies the
// connection with a bounded ping. Stores receive the returned client
// directly.
//
// Configuration priority:
//  1. Explicit option values
//  2. Environment variables (REDIS_URL, PRAXIS_REDIS_DB)
//  3. Defaults (redis://localhost:6379, DB 0)
func NewRedisClient(opts RedisClientOptions) (*redis.Client, error) {
	redisURL := opts.URL
	if redisURL == "" {
		redisURL = envOrDefault("REDIS_URL", "redis://localhost:6379")
	}

	parsed, err := redis.ParseURL(redisURL)
	if err != nil {
		if opts.Logger != nil {
			opts.Logger.Error("Failed to parse Redis URL", map[string]interface{}{
				"operation": "redis_connect",
				"error":     err.Error(),
			})
		}
		return nil, fmt.Errorf("invalid redis URL %s (check REDIS_URL): %w", redisURL, ErrInvalidConfiguration)
	}

	db := opts.DB
	if db < 0 {
		db = envIntOrDefault("PRAXIS_REDIS_DB", parsed.DB)
	}
	if db < 0 || db > 15 {
		return nil, fmt.Errorf("redis db %d out of range 0-15: %w", db, ErrInvalidConfiguration)
	}
	parsed.DB = db

	client := redis.NewClient(parsed)

	pingTimeout := opts.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		if opts.Logger != nil {
			opts.Logger.Error("Failed to connect to Redis", map[string]interface{}{
				"operation": "redis_connect",
				"addr":      parsed.Addr,
				"db":        db,
				"error":     err.Error(),
			})
		}
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s db %d: %w", parsed.Addr, db, ErrConnectionFailed)
	}

	if opts.Logger != nil {
		opts.Logger.Info("Redis client connected", map[string]interface{}{
			"operation": "redis_connect",
			"addr":      parsed.Addr,
			"db":        db,
		})
	}
	return client, nil
}

func envOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func envIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
