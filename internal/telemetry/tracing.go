package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// tracer is lazily bound to whatever global TracerProvider the host process
// installs; with none installed otel falls back to its own no-op tracer, so
// StartSpan is always safe to call even when nobody configured exporters.
var tracer = otel.Tracer("igniter")

// StartSpan begins a span named after the store/job operation it wraps.
// Callers are responsible for calling span.End().
func StartSpan(ctx context.Context, name string) (context.Context, oteltrace.Span) {
	return tracer.Start(ctx, name)
}

// RecordError marks the current span as failed and attaches err, if any.
func RecordError(span oteltrace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
