package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/praxisworks/praxis/core"
	"github.com/praxisworks/praxis/resilience"
)

// resubscribeDelay paces reconnection attempts after a lost subscription.
const resubscribeDelay = time.Second

// EventHandler consumes events delivered by a source, normally
// TriggerBinding.HandleEvent behind a small adapter.
type EventHandler func(ctx context.Context, event *Event)

// EventSource delivers external events into the engine. Start is
// non-blocking; delivery stops when the context ends or Close is called.
type EventSource interface {
	Start(ctx context.Context, handler EventHandler) error
	Publish(ctx context.Context, event *Event) error
	Close() error
}

// ============================================================================
// Redis event source
// ============================================================================

// RedisEventSource subscribes to one Redis pub/sub channel and forwards
// decoded events to the handler. Lost subscriptions resubscribe behind a
// circuit breaker so a down Redis is probed, not hammered.
type RedisEventSource struct {
	client  *redis.Client
	channel string
	breaker *resilience.CircuitBreaker
	logger  core.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// RedisEventSourceConfig configures a RedisEventSource.
type RedisEventSourceConfig struct {
	// Channel is the pub/sub channel events arrive on.
	// Default: "{PRAXIS_KEY_PREFIX}:events".
	Channel string `json:"channel"`

	// Logger is an optional logger for subscription lifecycle.
	Logger core.Logger `json:"-"`
}

// NewRedisEventSource creates an event source around an existing client.
func NewRedisEventSource(client *redis.Client, config *RedisEventSourceConfig) *RedisEventSource {
	channel := ""
	var logger core.Logger
	if config != nil {
		channel = config.Channel
		logger = config.Logger
	}
	if channel == "" {
		channel = getEnvOrDefault("PRAXIS_KEY_PREFIX", "praxis") + ":events"
	}
	if logger != nil {
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			logger = cal.WithComponent("praxis/orchestration")
		}
	}
	return &RedisEventSource{
		client:  client,
		channel: channel,
		logger:  logger,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "event-source",
			MaxFailures:  5,
			RecoveryTime: 10 * time.Second,
			HalfOpenMax:  1,
			Logger:       logger,
		}),
		done: make(chan struct{}),
	}
}

// Start subscribes and begins forwarding events. It returns once the
// consuming goroutine is launched; subscription failures are retried inside
// it.
func (s *RedisEventSource) Start(ctx context.Context, handler EventHandler) error {
	if handler == nil {
		return fmt.Errorf("event source needs a handler")
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("event source already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.started = true
	s.cancel = cancel
	s.mu.Unlock()

	go s.run(runCtx, handler)
	return nil
}

func (s *RedisEventSource) run(ctx context.Context, handler EventHandler) {
	defer close(s.done)

	for {
		if ctx.Err() != nil {
			return
		}
		if !s.breaker.CanExecute() {
			s.sleep(ctx, resubscribeDelay)
			continue
		}

		err := s.consume(ctx, handler)
		if ctx.Err() != nil {
			return
		}
		s.breaker.RecordFailure()
		if s.logger != nil {
			s.logger.Warn("Event subscription lost, resubscribing", map[string]interface{}{
				"operation": "event_subscribe",
				"channel":   s.channel,
				"error":     err.Error(),
			})
		}
		s.sleep(ctx, resubscribeDelay)
	}
}

// consume holds one subscription until it breaks. A nil-free return only
// happens through context cancellation, handled by the caller.
func (s *RedisEventSource) consume(ctx context.Context, handler EventHandler) error {
	pubsub := s.client.Subscribe(ctx, s.channel)
	defer func() { _ = pubsub.Close() }()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w (check REDIS_URL and Redis connectivity)", s.channel, err)
	}
	s.breaker.RecordSuccess()
	if s.logger != nil {
		s.logger.Info("Event subscription established", map[string]interface{}{
			"operation": "event_subscribe",
			"channel":   s.channel,
		})
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription channel closed")
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				if s.logger != nil {
					s.logger.Warn("Failed to decode event, dropping", map[string]interface{}{
						"operation": "event_receive",
						"channel":   s.channel,
						"error":     err.Error(),
					})
				}
				continue
			}
			handler(ctx, &event)
		}
	}
}

// Publish sends an event onto the channel for any subscribed instance.
func (s *RedisEventSource) Publish(ctx context.Context, event *Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", event.ID, err)
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish event %s: %w", event.ID, err)
	}
	return nil
}

// Close stops delivery and waits for the consuming goroutine to exit.
func (s *RedisEventSource) Close() error {
	s.mu.Lock()
	started := s.started
	cancel := s.cancel
	s.mu.Unlock()
	if !started {
		return nil
	}
	cancel()
	<-s.done
	return nil
}

func (s *RedisEventSource) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// ============================================================================
// In-process event source
// ============================================================================

// ChannelEventSource is the in-process twin of RedisEventSource for tests
// and single-binary deployments.
type ChannelEventSource struct {
	events chan *Event

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewChannelEventSource creates an in-process event source with the given
// buffer.
func NewChannelEventSource(buffer int) *ChannelEventSource {
	if buffer <= 0 {
		buffer = 16
	}
	return &ChannelEventSource{
		events: make(chan *Event, buffer),
		done:   make(chan struct{}),
	}
}

// Start begins forwarding published events to the handler.
func (s *ChannelEventSource) Start(ctx context.Context, handler EventHandler) error {
	if handler == nil {
		return fmt.Errorf("event source needs a handler")
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("event source already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.started = true
	s.cancel = cancel
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		for {
			select {
			case <-runCtx.Done():
				return
			case event := <-s.events:
				handler(runCtx, event)
			}
		}
	}()
	return nil
}

// Publish delivers an event to the running handler.
func (s *ChannelEventSource) Publish(ctx context.Context, event *Event) error {
	select {
	case s.events <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops delivery.
func (s *ChannelEventSource) Close() error {
	s.mu.Lock()
	started := s.started
	cancel := s.cancel
	s.mu.Unlock()
	if !started {
		return nil
	}
	cancel()
	<-s.done
	return nil
}

var (
	_ EventSource = (*RedisEventSource)(nil)
	_ EventSource = (*ChannelEventSource)(nil)
)
