package orchestration

import (
	"fmt"
	"os"
	"time"
)

// EngineConfig carries the tunable limits the engine components share. The
// zero value is not usable; start from DefaultEngineConfig and override.
type EngineConfig struct {
	// MaxParallelSteps caps simultaneous steps per task when the task does
	// not set its own cap.
	MaxParallelSteps int `json:"max_parallel_steps"`

	// GlobalInflightCap bounds running steps across all tasks on this
	// engine instance. Dispatch defers (never drops) when exhausted.
	GlobalInflightCap int `json:"global_inflight_cap"`

	// StepTimeout bounds one handler invocation.
	StepTimeout time.Duration `json:"step_timeout"`

	// CheckpointTimeout is the default gate lifetime when a checkpoint
	// config carries no timeout of its own.
	CheckpointTimeout time.Duration `json:"checkpoint_timeout"`

	// CancelGracePeriod is how long a cancelled step may keep running
	// before its eventual result is discarded.
	CancelGracePeriod time.Duration `json:"cancel_grace_period"`

	// LivenessFactor scales StepTimeout into the deadline after which a
	// step stuck in running is reclassified as execution_lost on restart.
	LivenessFactor int `json:"liveness_factor"`

	// RetryBaseDelay seeds the exponential backoff for step retries.
	RetryBaseDelay time.Duration `json:"retry_base_delay"`

	// RetryMaxDelay caps the step retry backoff.
	RetryMaxDelay time.Duration `json:"retry_max_delay"`

	// CompletionQueueSize bounds the channel step runners report through.
	CompletionQueueSize int `json:"completion_queue_size"`

	// ExpirySweepInterval is how often pending checkpoints are swept for
	// expiry.
	ExpirySweepInterval time.Duration `json:"expiry_sweep_interval"`
}

// DefaultEngineConfig returns the engine defaults.
//
// Configuration priority for the env-sensitive fields:
//  1. Explicit mutation by the caller
//  2. Environment variable (PRAXIS_MAX_PARALLEL_STEPS, PRAXIS_GLOBAL_INFLIGHT_CAP)
//  3. Default value
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxParallelSteps:    getEnvIntOrDefault("PRAXIS_MAX_PARALLEL_STEPS", 5),
		GlobalInflightCap:   getEnvIntOrDefault("PRAXIS_GLOBAL_INFLIGHT_CAP", 32),
		StepTimeout:         300 * time.Second,
		CheckpointTimeout:   2880 * time.Minute,
		CancelGracePeriod:   30 * time.Second,
		LivenessFactor:      2,
		RetryBaseDelay:      1 * time.Second,
		RetryMaxDelay:       60 * time.Second,
		CompletionQueueSize: 64,
		ExpirySweepInterval: 60 * time.Second,
	}
}

// LivenessDeadline returns the duration after which a running step with no
// result is presumed lost.
func (c EngineConfig) LivenessDeadline() time.Duration {
	factor := c.LivenessFactor
	if factor <= 0 {
		factor = 2
	}
	timeout := c.StepTimeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return time.Duration(factor) * timeout
}

// normalize fills zero fields with defaults so a partially populated config
// behaves like DefaultEngineConfig for the rest.
func (c EngineConfig) normalize() EngineConfig {
	d := DefaultEngineConfig()
	if c.MaxParallelSteps <= 0 {
		c.MaxParallelSteps = d.MaxParallelSteps
	}
	if c.GlobalInflightCap <= 0 {
		c.GlobalInflightCap = d.GlobalInflightCap
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = d.StepTimeout
	}
	if c.CheckpointTimeout <= 0 {
		c.CheckpointTimeout = d.CheckpointTimeout
	}
	if c.CancelGracePeriod <= 0 {
		c.CancelGracePeriod = d.CancelGracePeriod
	}
	if c.LivenessFactor <= 0 {
		c.LivenessFactor = d.LivenessFactor
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = d.RetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = d.RetryMaxDelay
	}
	if c.CompletionQueueSize <= 0 {
		c.CompletionQueueSize = d.CompletionQueueSize
	}
	if c.ExpirySweepInterval <= 0 {
		c.ExpirySweepInterval = d.ExpirySweepInterval
	}
	return c
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := parseInt(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func parseInt(s string) (int, error) {
	var i int
	_, err := fmt.Sscanf(s, "%d", &i)
	return i, err
}
