package models

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracer parents the otelgorm query spans under one span per operation.
var tracer trace.Tracer = otel.Tracer("audit-tracker/models")

func issueSpanAttrs(issueID string) trace.SpanStartOption {
	return trace.WithAttributes(attribute.String("audit.issue_id", issueID))
}
