package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "wfinterop"

// Span attribute keys shared by the lifecycle and reconcile spans.
const (
	SubmissionKey = attribute.Key("wfinterop.submission_id")
	QueueKey      = attribute.Key("wfinterop.queue_id")
	RunKey        = attribute.Key("wfinterop.run_id")
	WESKey        = attribute.Key("wfinterop.wes_id")
)

// StartSpan starts a span on the global tracer provider. Spans are no-ops
// unless a provider has been installed.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
