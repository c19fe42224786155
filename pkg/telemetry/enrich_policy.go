package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RecordAccessDecision annotates the span with an authentication or policy
// outcome. Denials also add an "access.denied" event.
func RecordAccessDecision(span trace.Span, stage string, allowed bool, reason string) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("access.stage", stage),
		attribute.Bool("access.allowed", allowed),
	}
	if reason != "" {
		attrs = append(attrs, attribute.String("access.reason", reason))
	}
	span.SetAttributes(attrs...)

	if !allowed {
		span.AddEvent("access.denied", trace.WithAttributes(attrs...))
	}
}
