// Package observability provides logging helpers, metrics, and tracing for
// the event pipeline.
//
// Features:
//   - Structured logging via slog with consistent attribute keys
//   - Metrics via OpenTelemetry, exported in Prometheus format
//   - Per-event tracing spans via OpenTelemetry
//
// Every logging helper accepts a nil logger, and both metrics and tracing
// have no-op implementations for when they are disabled.
package observability

import (
	"context"
	"log/slog"
	"time"
)

// EnrichLogger adds event identity to a logger.
//
// Example:
//
//	enriched := EnrichLogger(logger, "evt-123", "veh-9")
//	enriched.Info("persisting") // includes event_id and vehicle_id
func EnrichLogger(logger *slog.Logger, eventID, vehicleID string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("event_id", eventID),
		slog.String("vehicle_id", vehicleID),
	)
}

// LogProcessorStart logs processor startup.
func LogProcessorStart(logger *slog.Logger, instanceID string, workers, inFlight int) {
	if logger == nil {
		return
	}
	logger.Info("processor starting",
		slog.String("instance_id", instanceID),
		slog.Int("workers", workers),
		slog.Int("in_flight_limit", inFlight),
	)
}

// LogProcessorStop logs processor shutdown.
func LogProcessorStop(logger *slog.Logger, instanceID string, abandoned int, err error) {
	if logger == nil {
		return
	}
	attrs := []any{
		slog.String("instance_id", instanceID),
		slog.Int("abandoned", abandoned),
	}
	if err != nil {
		logger.Error("processor stopped with error", append(attrs, slog.String("error", err.Error()))...)
		return
	}
	logger.Info("processor stopped", attrs...)
}

// LogEventRejected logs a validation rejection.
func LogEventRejected(logger *slog.Logger, eventID, vehicleID, reason, field, message string) {
	if logger == nil {
		return
	}
	logger.Info("event rejected",
		slog.String("event_id", eventID),
		slog.String("vehicle_id", vehicleID),
		slog.String("reason", reason),
		slog.String("field", field),
		slog.String("message", message),
	)
}

// LogEventCommitted logs a committed event.
func LogEventCommitted(logger *slog.Logger, eventID, vehicleID string, deduplicated bool, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("event committed",
		slog.String("event_id", eventID),
		slog.String("vehicle_id", vehicleID),
		slog.Bool("deduplicated", deduplicated),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogRetryScheduled logs an event entering the retry buffer.
func LogRetryScheduled(logger *slog.Logger, eventID string, attempt int, reason string, eligibleAt time.Time) {
	if logger == nil {
		return
	}
	logger.Info("retry scheduled",
		slog.String("event_id", eventID),
		slog.Int("attempt", attempt),
		slog.String("reason", reason),
		slog.Time("eligible_at", eligibleAt),
	)
}

// LogDeadLettered logs an event handed to the dead-letter sink.
func LogDeadLettered(logger *slog.Logger, eventID, vehicleID, reason string, attempts int, lastError string) {
	if logger == nil {
		return
	}
	logger.Warn("event dead-lettered",
		slog.String("event_id", eventID),
		slog.String("vehicle_id", vehicleID),
		slog.String("reason", reason),
		slog.Int("attempts", attempts),
		slog.String("last_error", lastError),
	)
}

// LogAckFailed logs a broker acknowledgement failure.
func LogAckFailed(logger *slog.Logger, key string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("broker ack failed",
		slog.String("key", key),
		slog.String("error", err.Error()),
	)
}

// LogBreakerTransition logs a circuit breaker state change.
func LogBreakerTransition(logger *slog.Logger, dependency, from, to string) {
	if logger == nil {
		return
	}
	level := slog.LevelInfo
	if to == "open" {
		level = slog.LevelWarn
	}
	logger.Log(context.Background(), level, "circuit breaker state changed",
		slog.String("dependency", dependency),
		slog.String("from", from),
		slog.String("to", to),
	)
}

// LogMaintenance logs a periodic maintenance pass.
func LogMaintenance(logger *slog.Logger, task string, removed int, err error) {
	if logger == nil {
		return
	}
	if err != nil {
		logger.Warn("maintenance failed",
			slog.String("task", task),
			slog.String("error", err.Error()),
		)
		return
	}
	if removed > 0 {
		logger.Debug("maintenance completed",
			slog.String("task", task),
			slog.Int("removed", removed),
		)
	}
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	elapsed := done()
func TimedOperation() func() time.Duration {
	start := time.Now()
	return func() time.Duration {
		return time.Since(start)
	}
}
