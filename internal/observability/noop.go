package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
)

// NoopLogger discards everything; used as the default so construction
// never requires a logger.
type NoopLogger struct{}

func NewNoopLogger() Logger { return &NoopLogger{} }

func (l *NoopLogger) Debug(string, map[string]interface{}) {}
func (l *NoopLogger) Info(string, map[string]interface{})  {}
func (l *NoopLogger) Warn(string, map[string]interface{})  {}
func (l *NoopLogger) Error(string, map[string]interface{}) {}
func (l *NoopLogger) Fatal(string, map[string]interface{}) {}
func (l *NoopLogger) With(map[string]interface{}) Logger   { return l }
func (l *NoopLogger) WithPrefix(string) Logger              { return l }

// NoopSpan discards every span operation.
type NoopSpan struct{}

func (s *NoopSpan) End()                                          {}
func (s *NoopSpan) SetAttribute(string, interface{})              {}
func (s *NoopSpan) AddEvent(string, map[string]interface{})       {}
func (s *NoopSpan) RecordError(error)                              {}
func (s *NoopSpan) SetStatus(int, string)                          {}

// NoopStartSpan is the default StartSpanFunc when no tracer is wired.
func NoopStartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, Span) {
	return ctx, &NoopSpan{}
}

// NoopMetricsClient discards every recorded metric.
type NoopMetricsClient struct{}

func NewNoopMetricsClient() MetricsClient { return &NoopMetricsClient{} }

func (m *NoopMetricsClient) IncrementCounter(string, float64)                                {}
func (m *NoopMetricsClient) IncrementCounterWithLabels(string, float64, map[string]string)    {}
func (m *NoopMetricsClient) RecordGauge(string, float64, map[string]string)                   {}
func (m *NoopMetricsClient) RecordDuration(string, float64, map[string]string)                {}
func (m *NoopMetricsClient) StartTimer(string, map[string]string) func()                      { return func() {} }
