package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records pipeline metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordEvent records an event reaching a terminal outcome and the time
	// it took from receipt.
	RecordEvent(ctx context.Context, outcome string, duration time.Duration)

	// RecordRejection records a validation rejection.
	RecordRejection(ctx context.Context, reason string)

	// RecordBreakerTransition records a breaker state change and updates the
	// breaker state gauge.
	RecordBreakerTransition(ctx context.Context, dependency, from, to string)

	// RecordRetryDepth records the current retry buffer depth.
	RecordRetryDepth(ctx context.Context, depth int)

	// RecordRetryEviction records an envelope evicted from a full buffer.
	RecordRetryEviction(ctx context.Context)

	// RecordDeadLetter records a dead-lettered event.
	RecordDeadLetter(ctx context.Context, reason string)

	// RecordCacheSync records the result of one cache update.
	RecordCacheSync(ctx context.Context, result string)
}

// breakerStateValue maps state names to gauge values.
var breakerStateValue = map[string]int64{
	"closed":    0,
	"half_open": 1,
	"open":      2,
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	events         metric.Int64Counter
	eventLatency   metric.Float64Histogram
	rejections     metric.Int64Counter
	breakerChanges metric.Int64Counter
	breakerState   metric.Int64Gauge
	retryDepth     metric.Int64Gauge
	retryEvictions metric.Int64Counter
	deadLetters    metric.Int64Counter
	cacheSyncs     metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics(otel.Meter("fleetflow"))
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics(meter metric.Meter) (*otelMetrics, error) {
	m := &otelMetrics{}
	var err error

	if m.events, err = meter.Int64Counter("fleetflow.events",
		metric.WithDescription("Events by terminal outcome"),
	); err != nil {
		return nil, err
	}
	if m.eventLatency, err = meter.Float64Histogram("fleetflow.event.latency_ms",
		metric.WithDescription("Time from receipt to terminal outcome in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.rejections, err = meter.Int64Counter("fleetflow.validation.rejections",
		metric.WithDescription("Validation rejections by reason"),
	); err != nil {
		return nil, err
	}
	if m.breakerChanges, err = meter.Int64Counter("fleetflow.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions"),
	); err != nil {
		return nil, err
	}
	if m.breakerState, err = meter.Int64Gauge("fleetflow.breaker.state",
		metric.WithDescription("Circuit breaker state (0 closed, 1 half_open, 2 open)"),
	); err != nil {
		return nil, err
	}
	if m.retryDepth, err = meter.Int64Gauge("fleetflow.retry.depth",
		metric.WithDescription("Envelopes waiting in the retry buffer"),
	); err != nil {
		return nil, err
	}
	if m.retryEvictions, err = meter.Int64Counter("fleetflow.retry.evictions",
		metric.WithDescription("Envelopes evicted from a full retry buffer"),
	); err != nil {
		return nil, err
	}
	if m.deadLetters, err = meter.Int64Counter("fleetflow.deadletters",
		metric.WithDescription("Dead-lettered events by reason"),
	); err != nil {
		return nil, err
	}
	if m.cacheSyncs, err = meter.Int64Counter("fleetflow.cache.syncs",
		metric.WithDescription("Cache updates by result"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// NewMetricsRecorderFromProvider builds a recorder on a specific provider
// instead of the global one.
func NewMetricsRecorderFromProvider(provider metric.MeterProvider) (MetricsRecorder, error) {
	m, err := newOtelMetrics(provider.Meter("fleetflow"))
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *otelMetrics) RecordEvent(ctx context.Context, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.events.Add(ctx, 1, attrs)
	m.eventLatency.Record(ctx, float64(duration.Microseconds())/1000, attrs)
}

func (m *otelMetrics) RecordRejection(ctx context.Context, reason string) {
	m.rejections.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *otelMetrics) RecordBreakerTransition(ctx context.Context, dependency, from, to string) {
	m.breakerChanges.Add(ctx, 1, metric.WithAttributes(
		attribute.String("dependency", dependency),
		attribute.String("from", from),
		attribute.String("to", to),
	))
	m.breakerState.Record(ctx, breakerStateValue[to], metric.WithAttributes(
		attribute.String("dependency", dependency),
	))
}

func (m *otelMetrics) RecordRetryDepth(ctx context.Context, depth int) {
	m.retryDepth.Record(ctx, int64(depth))
}

func (m *otelMetrics) RecordRetryEviction(ctx context.Context) {
	m.retryEvictions.Add(ctx, 1)
}

func (m *otelMetrics) RecordDeadLetter(ctx context.Context, reason string) {
	m.deadLetters.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *otelMetrics) RecordCacheSync(ctx context.Context, result string) {
	m.cacheSyncs.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
