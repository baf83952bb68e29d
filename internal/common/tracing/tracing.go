// Package tracing wraps OpenTelemetry for the pipeline components.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/repoindex/repoindex/internal/events"
)

const tracerName = "github.com/repoindex/repoindex"

// StartSpan starts a span from the global tracer provider.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// EventAttributes identifies e on a span.
func EventAttributes(e *events.Event) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("repoindex.repo", e.Repo),
		attribute.String("repoindex.kind", string(e.Kind)),
		attribute.Int64("repoindex.seq", e.Seq),
	}
	if e.IsRecordOp() {
		attrs = append(attrs, attribute.String("repoindex.collection", e.Collection))
	}
	return attrs
}

// End records err, if any, on span and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
