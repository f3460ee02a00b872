// Package telemetry async span creation for trace restoration.
//
// Task documents persist the TraceID and ParentSpanID captured at creation.
// When the executor later dispatches a step, possibly on a different
// process, StartLinkedSpan creates a span linked back to the originating
// trace so the full journey stays visible in the trace viewer.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// StartLinkedSpan creates a span linked to a stored trace context.
//
// Usage:
//
//	ctx, endSpan := telemetry.StartLinkedSpan(
//	    context.Background(),
//	    "step.execute",
//	    task.TraceID,
//	    task.ParentSpanID,
//	    map[string]string{"task.id": task.ID, "step.id": step.ID},
//	)
//	defer endSpan()
//
// Empty or malformed identifiers degrade gracefully: the span is still
// created, just without the link.
func StartLinkedSpan(
	ctx context.Context,
	name string,
	traceID string,
	parentSpanID string,
	attributes map[string]string,
) (context.Context, func()) {
	if ctx == nil {
		ctx = context.Background()
	}

	tracer := otel.Tracer(tracerName)

	opts := []trace.SpanStartOption{}

	if traceID != "" && parentSpanID != "" {
		tid, tidErr := trace.TraceIDFromHex(traceID)
		sid, sidErr := trace.SpanIDFromHex(parentSpanID)

		if tidErr == nil && sidErr == nil {
			parentSC := trace.NewSpanContext(trace.SpanContextConfig{
				TraceID: tid,
				SpanID:  sid,
				Remote:  true,
			})
			opts = append(opts, trace.WithLinks(trace.Link{
				SpanContext: parentSC,
				Attributes: []attribute.KeyValue{
					attribute.String("link.type", "async_task"),
				},
			}))
		}
	}

	ctx, span := tracer.Start(ctx, name, opts...)

	for k, v := range attributes {
		span.SetAttributes(attribute.String(k, v))
	}

	return ctx, func() { span.End() }
}
