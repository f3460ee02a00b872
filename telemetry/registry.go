package telemetry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/praxisworks/praxis/core"
)

var (
	// globalRegistry holds the singleton Registry. atomic.Value gives
	// lock-free reads on the emission hot path; it is written during
	// Initialize and cleared during Shutdown.
	globalRegistry atomic.Value // *Registry

	initOnce sync.Once

	// declaredMetrics collects metric declarations made from init()
	// functions before Initialize runs.
	declaredMetrics sync.Map // map[string]ModuleConfig

	telemetryErrors  atomic.Int64
	telemetryDropped atomic.Int64
)

// ModuleConfig represents metric configuration for one module.
type ModuleConfig struct {
	Metrics []MetricDefinition
}

// MetricDefinition defines a metric's metadata.
type MetricDefinition struct {
	Name    string
	Type    string // counter, histogram, gauge, updowncounter
	Help    string
	Labels  []string
	Unit    string
	Buckets []float64
}

// Registry coordinates the provider, the cardinality limiter and metric
// declarations, and exposes a unified emission path.
type Registry struct {
	config   Config
	provider *OTelProvider
	limiter  *CardinalityLimiter
	logger   core.Logger

	emitted   atomic.Int64
	startTime time.Time
	lastError atomic.Value // string

	// errorLogAfter rate-limits emission error logging so a dead backend
	// cannot flood the logs.
	errorMu       sync.Mutex
	errorLogAfter time.Time
}

// DeclareMetrics registers metric definitions for a module. Safe to call
// from init() before Initialize; declarations are replayed once the
// provider exists.
func DeclareMetrics(module string, config ModuleConfig) {
	declaredMetrics.Store(module, config)
}

// Initialize activates the telemetry system. Call once from main before
// metrics are emitted. Safe to call multiple times; only the first call
// takes effect. When initialization fails the Emit functions stay silent
// no-ops, so the engine keeps running without metrics.
func Initialize(config Config) error {
	var initErr error
	initOnce.Do(func() {
		logger := core.NewProductionLogger().WithComponent("praxis/telemetry")

		registry, err := newRegistry(config)
		if err != nil {
			initErr = err
			logger.Error("Telemetry initialization failed", map[string]interface{}{
				"operation": "telemetry_init",
				"error":     err.Error(),
				"endpoint":  config.Endpoint,
				"impact":    "no metrics will be exported",
			})
			return
		}
		registry.logger = logger

		declaredCount := 0
		declaredMetrics.Range(func(key, value interface{}) bool {
			module := key.(string)
			moduleConfig := value.(ModuleConfig)
			registry.registerModule(module, moduleConfig)
			declaredCount++
			return true
		})

		globalRegistry.Store(registry)

		logger.Info("Telemetry system initialized", map[string]interface{}{
			"operation":        "telemetry_init",
			"service_name":     registry.config.ServiceName,
			"endpoint":         registry.config.Endpoint,
			"declared_modules": declaredCount,
			"limiter_enabled":  registry.limiter != nil,
		})
	})
	return initErr
}

// newRegistry creates a registry with defaults applied
func newRegistry(config Config) (*Registry, error) {
	startTime := time.Now()

	if config.Endpoint == "" {
		config.Endpoint = "localhost:4318"
	}
	if config.ServiceName == "" {
		config.ServiceName = "praxis-engine"
	}
	if config.CardinalityLimit == 0 {
		config.CardinalityLimit = 10000
	}

	provider, err := NewOTelProvider(config.ServiceName, config.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTel provider: %w", err)
	}

	limits := config.CardinalityLimits
	if limits == nil {
		limits = map[string]int{
			"agent_type": 100,
			"error_type": 50,
			"user_id":    100,
			"step_id":    200,
		}
	}

	r := &Registry{
		config:    config,
		provider:  provider,
		limiter:   NewCardinalityLimiter(limits),
		startTime: startTime,
	}
	r.lastError.Store("")
	return r, nil
}

// registerModule replays declared metrics against the provider so the
// instruments exist before the first emission.
func (r *Registry) registerModule(_ string, config ModuleConfig) {
	ctx := context.Background()
	for _, metric := range config.Metrics {
		r.provider.declareKind(metric.Name, metric.Type)
		switch metric.Type {
		case "histogram", "gauge":
			_ = r.provider.instruments.RecordHistogram(ctx, metric.Name, 0)
		case "counter":
			_ = r.provider.instruments.RecordFloatCounter(ctx, metric.Name, 0)
		}
	}
}

// emit records one metric with cardinality limiting applied
func (r *Registry) emit(name string, value float64, labels map[string]string) error {
	if r.limiter != nil {
		for key, val := range labels {
			limited := r.limiter.CheckAndLimit(name, key, val)
			if limited != val {
				labels[key] = limited
			}
		}
	}

	if r.provider != nil {
		r.provider.RecordMetric(name, value, labels)
		r.emitted.Add(1)
	}
	return nil
}

// Emit records a metric through the global registry. Silent no-op when
// telemetry is not initialized.
func Emit(name string, value float64, labels ...string) {
	registry := loadRegistry()
	if registry == nil {
		return
	}

	if err := registry.emit(name, value, parseLabels(labels...)); err != nil {
		telemetryErrors.Add(1)
		registry.lastError.Store(err.Error())

		registry.errorMu.Lock()
		shouldLog := time.Now().After(registry.errorLogAfter)
		if shouldLog {
			registry.errorLogAfter = time.Now().Add(time.Second)
		}
		registry.errorMu.Unlock()

		if shouldLog && registry.logger != nil {
			registry.logger.Error("Failed to emit metric", map[string]interface{}{
				"operation": "telemetry_emit",
				"metric":    name,
				"value":     value,
				"error":     err.Error(),
			})
		}
	}
}

// EmitWithContext records a metric, preferring a context-scoped provider
// when one exists. Falls back to the global registry.
func EmitWithContext(ctx context.Context, name string, value float64, labels ...string) {
	if provider := FromContext(ctx); provider != nil {
		provider.RecordMetric(name, value, parseLabels(labels...))
		return
	}
	Emit(name, value, labels...)
}

type providerContextKey struct{}

// WithProvider stores a provider in the context for scoped emission.
func WithProvider(ctx context.Context, provider *OTelProvider) context.Context {
	return context.WithValue(ctx, providerContextKey{}, provider)
}

// FromContext retrieves a context-scoped provider, or nil.
func FromContext(ctx context.Context) *OTelProvider {
	if ctx == nil {
		return nil
	}
	provider, _ := ctx.Value(providerContextKey{}).(*OTelProvider)
	return provider
}

// parseLabels converts variadic key-value strings to a map.
// "key1", "val1", "key2", "val2" -> map[string]string
func parseLabels(labels ...string) map[string]string {
	m := make(map[string]string)
	for i := 0; i < len(labels)-1; i += 2 {
		m[labels[i]] = labels[i+1]
	}
	return m
}

func loadRegistry() *Registry {
	v := globalRegistry.Load()
	if v == nil {
		return nil
	}
	r, _ := v.(*Registry)
	return r
}

// Shutdown flushes and stops the telemetry system. Emit becomes a no-op
// afterwards.
func Shutdown(ctx context.Context) error {
	registry := loadRegistry()
	if registry == nil {
		return nil
	}

	if registry.logger != nil {
		registry.logger.Info("Shutting down telemetry system", map[string]interface{}{
			"operation":     "telemetry_shutdown",
			"total_emitted": registry.emitted.Load(),
			"uptime_ms":     time.Since(registry.startTime).Milliseconds(),
		})
	}

	if registry.limiter != nil {
		registry.limiter.Stop()
	}

	var shutdownErr error
	if registry.provider != nil {
		shutdownErr = registry.provider.Shutdown(ctx)
	}

	// Typed nil keeps atomic.Value happy and turns Emit into a no-op.
	globalRegistry.Store((*Registry)(nil))
	return shutdownErr
}

// GetRegistry returns the current registry, or nil when uninitialized.
// Exposed for tests.
func GetRegistry() *Registry {
	return loadRegistry()
}

// GetTelemetryProvider returns the active provider as core.Telemetry for
// injection into the orchestration layer. Nil when uninitialized.
func GetTelemetryProvider() core.Telemetry {
	registry := loadRegistry()
	if registry == nil || registry.provider == nil {
		return nil
	}
	return registry.provider
}
