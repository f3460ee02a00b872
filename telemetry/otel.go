package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/praxisworks/praxis/core"
)

const tracerName = "praxis-telemetry"

// OTelProvider implements core.Telemetry with OpenTelemetry. Traces and
// metrics export over OTLP/HTTP to the configured collector endpoint.
type OTelProvider struct {
	tracer        trace.Tracer
	meter         metric.Meter
	traceProvider *sdktrace.TracerProvider
	meterProvider *sdkmetric.MeterProvider
	instruments   *MetricInstruments

	// kinds maps declared metric names to their instrument type so
	// RecordMetric can route values without call-site hints.
	kindsMu sync.RWMutex
	kinds   map[string]string
}

// NewOTelProvider creates a provider exporting to the given OTLP endpoint
// (host:port, no scheme).
func NewOTelProvider(serviceName string, endpoint string) (*OTelProvider, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String("1.0.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	ctx := context.Background()

	traceExporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	metricExporter, err := otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpoint(endpoint),
		otlpmetrichttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
		sdkmetric.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return &OTelProvider{
		tracer:        tp.Tracer(tracerName),
		meter:         mp.Meter(tracerName),
		traceProvider: tp,
		meterProvider: mp,
		instruments:   NewMetricInstruments(tracerName),
		kinds:         make(map[string]string),
	}, nil
}

// StartSpan starts a new telemetry span.
func (o *OTelProvider) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	ctx, span := o.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

// RecordMetric records a metric, routing by declared instrument kind.
// Undeclared names default to a counter.
func (o *OTelProvider) RecordMetric(name string, value float64, labels map[string]string) {
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}

	ctx := context.Background()
	switch o.kindOf(name) {
	case "histogram", "gauge":
		_ = o.instruments.RecordHistogram(ctx, name, value, metric.WithAttributes(attrs...))
	case "updowncounter":
		_ = o.instruments.RecordUpDownCounter(ctx, name, int64(value), metric.WithAttributes(attrs...))
	default:
		_ = o.instruments.RecordFloatCounter(ctx, name, value, metric.WithAttributes(attrs...))
	}
}

func (o *OTelProvider) declareKind(name, kind string) {
	o.kindsMu.Lock()
	o.kinds[name] = kind
	o.kindsMu.Unlock()
}

func (o *OTelProvider) kindOf(name string) string {
	o.kindsMu.RLock()
	kind := o.kinds[name]
	o.kindsMu.RUnlock()
	return kind
}

// Shutdown flushes both pipelines.
func (o *OTelProvider) Shutdown(ctx context.Context) error {
	var firstErr error
	if o.meterProvider != nil {
		if err := o.meterProvider.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if o.traceProvider != nil {
		if err := o.traceProvider.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// otelSpan wraps an OpenTelemetry span to implement core.Span
type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() {
	s.span.End()
}

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

func (s *otelSpan) RecordError(err error) {
	s.span.RecordError(err)
}

var _ core.Telemetry = (*OTelProvider)(nil)
var _ core.Span = (*otelSpan)(nil)
