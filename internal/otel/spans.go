package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for QuoteFlow spans.
var (
	AttrTaskID        = attribute.Key("quoteflow.task.id")
	AttrQuoteID       = attribute.Key("quoteflow.quote.id")
	AttrOperationKind = attribute.Key("quoteflow.operation.kind")
	AttrWorkerID      = attribute.Key("quoteflow.worker.id")
	AttrErrorClass    = attribute.Key("quoteflow.error.class")
	AttrTaskState     = attribute.Key("quoteflow.task.state")
	AttrRetryCount    = attribute.Key("quoteflow.task.retry_count")
	AttrOutcome       = attribute.Key("quoteflow.outcome")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (CLI, status surface).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound side effect (executor call).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
