package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// NoopMetrics is a MetricsRecorder that does nothing.
type NoopMetrics struct{}

// Compile-time interface check.
var _ MetricsRecorder = NoopMetrics{}

func (NoopMetrics) RecordEvent(context.Context, string, time.Duration) {}
func (NoopMetrics) RecordRejection(context.Context, string) {}
func (NoopMetrics) RecordBreakerTransition(context.Context, string, string, string) {}
func (NoopMetrics) RecordRetryDepth(context.Context, int) {}
func (NoopMetrics) RecordRetryEviction(context.Context) {}
func (NoopMetrics) RecordDeadLetter(context.Context, string) {}
func (NoopMetrics) RecordCacheSync(context.Context, string) {}

// NoopSpanManager is a SpanManager that does nothing.
type NoopSpanManager struct{}

// Compile-time interface check.
var _ SpanManager = NoopSpanManager{}

var noopSpan = noop.Span{}

// StartEventSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartEventSpan(ctx context.Context, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// EndEventSpan does nothing.
func (NoopSpanManager) EndEventSpan(trace.Span, string, error) {}

// AddSpanEvent does nothing.
func (NoopSpanManager) AddSpanEvent(context.Context, string, ...attribute.KeyValue) {}
