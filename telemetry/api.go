// Package telemetry provides metrics emission and trace helpers for the
// praxis engine. The API favors progressive disclosure: the functions in
// this file cover nearly all call sites, the registry and provider types
// below them exist for wiring and shutdown.
package telemetry

import (
	"time"
)

// Counter increments a counter metric by 1.
// Labels are key-value pairs.
// Example: Counter("engine.tasks.total", "status", "completed")
func Counter(name string, labels ...string) {
	Emit(name, 1, labels...)
}

// Histogram records a value in a distribution. Used for durations, retry
// counts, queue depths.
// Example: Histogram("engine.step.duration_ms", 125.3, "agent_type", "research-agent")
func Histogram(name string, value float64, labels ...string) {
	Emit(name, value, labels...)
}

// Gauge records a current-value metric such as in-flight step count.
// Recorded as a histogram internally; OpenTelemetry gauges require
// callbacks and the extra machinery buys nothing here.
func Gauge(name string, value float64, labels ...string) {
	Emit(name, value, labels...)
}

// Duration records elapsed time since startTime in milliseconds.
// Example:
//
//	start := time.Now()
//	defer Duration("engine.cycle.duration_ms", start)
func Duration(name string, startTime time.Time, labels ...string) {
	ms := float64(time.Since(startTime).Milliseconds())
	Emit(name, ms, labels...)
}

// RecordError records an error occurrence with type classification.
func RecordError(name string, errorType string, labels ...string) {
	allLabels := append(labels, "error_type", errorType)
	Counter(name, allLabels...)
}

// RecordSuccess records a successful operation.
func RecordSuccess(name string, labels ...string) {
	allLabels := append(labels, "status", "success")
	Counter(name, allLabels...)
}

// RecordLatency records operation latency with a coarse bucket label for
// cheap aggregation queries.
func RecordLatency(name string, milliseconds float64, labels ...string) {
	bucket := getLatencyBucket(milliseconds)
	allLabels := append(labels, "latency_bucket", bucket)
	Histogram(name, milliseconds, allLabels...)
}

// TimeOperation times an operation and records its duration on completion.
//
//	defer TimeOperation("engine.checkpoint.gate_ms", "type", "approval")()
func TimeOperation(name string, labels ...string) func() {
	start := time.Now()
	return func() {
		Duration(name, start, labels...)
	}
}

// getLatencyBucket returns a human-readable latency bucket
func getLatencyBucket(ms float64) string {
	switch {
	case ms < 1:
		return "<1ms"
	case ms < 10:
		return "1-10ms"
	case ms < 100:
		return "10-100ms"
	case ms < 1000:
		return "100ms-1s"
	case ms < 10000:
		return "1-10s"
	default:
		return ">10s"
	}
}
