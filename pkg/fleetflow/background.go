package fleetflow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/randalmurphal/fleetflow/pkg/fleetflow/deadletter"
	"github.com/randalmurphal/fleetflow/pkg/fleetflow/observability"
	"github.com/randalmurphal/fleetflow/pkg/fleetflow/persist"
	"github.com/randalmurphal/fleetflow/pkg/fleetflow/retry"
)

// runRetryScheduler replays due envelopes every RetryTick until loopCtx ends.
// Replays run under procCtx so a batch in progress at shutdown can finish.
func (p *Processor) runRetryScheduler(loopCtx, procCtx context.Context) {
	ticker := time.NewTicker(p.cfg.RetryTick)
	defer ticker.Stop()

	for {
		select {
		case <-loopCtx.Done():
			return
		case <-ticker.C:
			p.retryDue(procCtx)
		}
	}
}

// retryDue replays one batch of due envelopes and retries stranded
// dead-letter records.
func (p *Processor) retryDue(ctx context.Context) {
	for _, env := range p.router.DrainDue(p.now(), p.cfg.RetryBatch) {
		elapsed := observability.TimedOperation()
		spanCtx, span := p.spans.StartEventSpan(ctx, env.Event.ID)
		outcome, err := p.replay(spanCtx, env)
		p.spans.EndEventSpan(span, outcome, err)
		p.metrics.RecordEvent(ctx, outcome, elapsed())
	}

	if n := p.router.FlushStranded(ctx); n > 0 {
		p.logger.Warn("dead-letter records still stranded", slog.Int("count", n))
	}
	p.metrics.RecordRetryDepth(ctx, p.router.Len())
}

// replay runs an envelope through the gate's owner path. The envelope's
// message was acknowledged when it was buffered, so every outcome here is
// final for the broker.
func (p *Processor) replay(ctx context.Context, env *retry.Envelope) (string, error) {
	elapsed := observability.TimedOperation()
	res := p.gate.Retry(ctx, env.Event)

	switch res.Outcome {
	case persist.OutcomeCommitted:
		p.commitDone(env.Event, res, elapsed())
		return OutcomeCommitted, nil

	case persist.OutcomeFatal:
		if err := p.router.DeadLetter(ctx, env, deadletter.ReasonFatal, res.Reason, res.Err); err != nil {
			return p.replayStranded(env, err)
		}
		p.deadLettered.Add(1)
		return OutcomeDeadLettered, res.Err

	default:
		decision, err := p.router.Reschedule(ctx, env, res.Reason, res.Err)
		switch {
		case errors.Is(err, retry.ErrStranded):
			return p.replayStranded(env, err)
		case err != nil:
			p.abandoned.Add(1)
			p.logger.Error("retry routing failed",
				slog.String("event_id", env.Event.ID),
				slog.Int("attempt", env.Attempt),
				slog.String("error", err.Error()),
			)
			return OutcomeAbandoned, err
		case decision == retry.DecisionDeadLettered:
			p.deadLettered.Add(1)
			return OutcomeDeadLettered, res.Err
		}
		p.retryScheduled.Add(1)
		return OutcomeRetryScheduled, res.Err
	}
}

func (p *Processor) replayStranded(env *retry.Envelope, err error) (string, error) {
	p.stranded.Add(1)
	p.logger.Error("dead-letter failed, record kept for another attempt",
		slog.String("event_id", env.Event.ID),
		slog.Int("attempt", env.Attempt),
		slog.String("error", err.Error()),
	)
	return OutcomeStranded, err
}

// runMaintenance sweeps idle vehicles from the monotonicity tracker and
// prunes committed idempotency records past their retention.
func (p *Processor) runMaintenance(ctx context.Context) {
	sweep := time.NewTicker(p.cfg.SweepInterval)
	defer sweep.Stop()

	var pruneC <-chan time.Time
	if p.idem != nil {
		prune := time.NewTicker(p.cfg.PruneInterval)
		defer prune.Stop()
		pruneC = prune.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			removed := p.validator.Tracker().Sweep()
			observability.LogMaintenance(p.logger, "tracker_sweep", removed, nil)
		case <-pruneC:
			p.prune(ctx)
		}
	}
}

func (p *Processor) prune(ctx context.Context) {
	cutoff := p.now().Add(-p.cfg.IdempotencyRetention)
	removed, err := p.idem.Prune(ctx, cutoff)
	observability.LogMaintenance(p.logger, "idempotency_prune", removed, err)
}
