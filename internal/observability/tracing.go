package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// otelSpan wraps an OpenTelemetry span behind the Span interface, so
// callers never import go.opentelemetry.io/otel/trace directly.
type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() { s.span.End() }

func (s *otelSpan) SetStatus(code int, description string) {
	var sc codes.Code
	switch code {
	case 1:
		sc = codes.Ok
	case 2:
		sc = codes.Error
	default:
		sc = codes.Unset
	}
	s.span.SetStatus(sc, description)
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

func (s *otelSpan) AddEvent(name string, attributes map[string]interface{}) {
	attrs := make([]attribute.KeyValue, 0, len(attributes))
	for k, v := range attributes {
		attrs = append(attrs, attribute.String(k, fmt.Sprintf("%v", v)))
	}
	s.span.AddEvent(name, trace.WithAttributes(attrs...))
}

func (s *otelSpan) RecordError(err error) { s.span.RecordError(err) }

// tracerName is the service name the global tracer is registered under.
const tracerName = "tasklist-sync"

// StartSpan starts a span on the globally configured OpenTelemetry tracer
// provider. With no provider configured it resolves to otel's own noop
// implementation, so this is always safe to call even when the process
// never wires a real exporter.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, &otelSpan{span: span}
}
