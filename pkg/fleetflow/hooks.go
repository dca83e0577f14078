package fleetflow

import (
	"context"
	"log/slog"

	"github.com/randalmurphal/fleetflow/pkg/fleetflow/breaker"
	"github.com/randalmurphal/fleetflow/pkg/fleetflow/cache"
	"github.com/randalmurphal/fleetflow/pkg/fleetflow/deadletter"
	"github.com/randalmurphal/fleetflow/pkg/fleetflow/observability"
	"github.com/randalmurphal/fleetflow/pkg/fleetflow/retry"
)

// The helpers below connect component callbacks to logging and metrics.
// Components are built before the Processor, so the callbacks are wired at
// construction time:
//
//	br := breaker.New("datastore", cfg,
//	    breaker.WithOnStateChange(fleetflow.BreakerObserver(logger, metrics)))

// BreakerObserver logs and counts circuit breaker transitions.
func BreakerObserver(logger *slog.Logger, metrics observability.MetricsRecorder) breaker.StateChangeFunc {
	return func(name string, from, to breaker.State) {
		observability.LogBreakerTransition(logger, name, from.String(), to.String())
		metrics.RecordBreakerTransition(context.Background(), name, from.String(), to.String())
	}
}

// ObserveRetries returns cfg with OnSchedule and OnEvict set to log and
// count buffer activity. Existing callbacks are kept and run first.
func ObserveRetries(cfg retry.Config, logger *slog.Logger, metrics observability.MetricsRecorder) retry.Config {
	onSchedule, onEvict := cfg.OnSchedule, cfg.OnEvict
	cfg.OnSchedule = func(env retry.Envelope) {
		if onSchedule != nil {
			onSchedule(env)
		}
		observability.LogRetryScheduled(logger, env.Event.ID, env.Attempt, env.LastReason, env.NextEligibleAt)
	}
	cfg.OnEvict = func(env *retry.Envelope) {
		if onEvict != nil {
			onEvict(env)
		}
		metrics.RecordRetryEviction(context.Background())
	}
	return cfg
}

// DeadLetterMetrics counts dead-lettered records by reason.
func DeadLetterMetrics(metrics observability.MetricsRecorder) func(*deadletter.Record) {
	return func(rec *deadletter.Record) {
		metrics.RecordDeadLetter(context.Background(), string(rec.Reason))
	}
}

// CacheMetrics counts cache synchronization results.
func CacheMetrics(metrics observability.MetricsRecorder) func(cache.Result) {
	return func(r cache.Result) {
		metrics.RecordCacheSync(context.Background(), string(r))
	}
}
