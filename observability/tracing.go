package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/substratehq/dispatch"

// Tracer provides OpenTelemetry tracing for delivery attempts.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a tracer bound to the global tracer provider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartDeliverySpan starts a new span for a delivery attempt.
func (t *Tracer) StartDeliverySpan(ctx context.Context, deliveryID, webhookID, eventType string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "dispatch.delivery",
		trace.WithAttributes(
			attribute.String("dispatch.delivery_id", deliveryID),
			attribute.String("dispatch.webhook_id", webhookID),
			attribute.String("dispatch.event_type", eventType),
		),
	)
}

// EndDeliverySpan ends a delivery span with result attributes.
func (t *Tracer) EndDeliverySpan(span trace.Span, statusCode int, durationMs int64, err string) {
	span.SetAttributes(
		attribute.Int("http.status_code", statusCode),
		attribute.Int64("dispatch.duration_ms", durationMs),
	)
	if err != "" {
		span.SetAttributes(attribute.String("dispatch.error", err))
	}
	span.End()
}
