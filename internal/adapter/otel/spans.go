package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "relay"

// StartAdmissionSpan starts a span for one admission decision.
func StartAdmissionSpan(ctx context.Context, actor string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "admission",
		trace.WithAttributes(
			attribute.String("actor", actor),
		),
	)
}

// StartJobSpan starts a span for one job processing attempt.
func StartJobSpan(ctx context.Context, runID string, retry int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "job",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.Int("job.retry", retry),
		),
	)
}

// StartWebhookSpan starts a span for a completion webhook delivery.
func StartWebhookSpan(ctx context.Context, runID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "webhook",
		trace.WithAttributes(
			attribute.String("run.id", runID),
		),
	)
}
