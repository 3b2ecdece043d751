// Package observability provides the logging, tracing, and metrics
// interfaces shared by storage, repository, sync and the server binary.
//
// Grounded on the teacher's pkg/observability package (logger.go, noop.go,
// tracing.go, prometheus_metrics.go): same Logger/Span/MetricsClient
// interface shapes and noop-by-default wiring, pruned down to what this
// module's components actually call and stripped of the teacher's
// otlptracegrpc exporter setup (not part of this module's dependency set).
package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
)

// LogLevel orders log severities for WithLevel filtering.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

// Logger is the structured logger every component depends on instead of
// the standard log package.
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Fatal(msg string, fields map[string]interface{})
	With(fields map[string]interface{}) Logger
	WithPrefix(prefix string) Logger
}

// Span is the subset of an OpenTelemetry span that callers need, so that
// code can depend on observability.Span instead of trace.Span directly.
type Span interface {
	End()
	SetAttribute(key string, value interface{})
	AddEvent(name string, attributes map[string]interface{})
	RecordError(err error)
	SetStatus(code int, description string)
}

// StartSpanFunc starts a span and returns the derived context plus the
// span handle; components take this as a field so tests can inject NoopStartSpan.
type StartSpanFunc func(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, Span)

// MetricsClient is the metrics surface every component depends on.
type MetricsClient interface {
	IncrementCounter(name string, value float64)
	IncrementCounterWithLabels(name string, value float64, labels map[string]string)
	RecordGauge(name string, value float64, labels map[string]string)
	RecordDuration(name string, durationSeconds float64, labels map[string]string)
	StartTimer(name string, labels map[string]string) func()
}
