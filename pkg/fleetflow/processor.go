package fleetflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/randalmurphal/fleetflow/pkg/fleetflow/broker"
	"github.com/randalmurphal/fleetflow/pkg/fleetflow/cache"
	"github.com/randalmurphal/fleetflow/pkg/fleetflow/deadletter"
	"github.com/randalmurphal/fleetflow/pkg/fleetflow/event"
	"github.com/randalmurphal/fleetflow/pkg/fleetflow/idempotency"
	"github.com/randalmurphal/fleetflow/pkg/fleetflow/observability"
	"github.com/randalmurphal/fleetflow/pkg/fleetflow/persist"
	"github.com/randalmurphal/fleetflow/pkg/fleetflow/retry"
	"github.com/randalmurphal/fleetflow/pkg/fleetflow/validate"
)

// Outcomes reported to metrics and spans for each processed message.
const (
	OutcomeCommitted      = "committed"
	OutcomeRejected       = "rejected"
	OutcomeRetryScheduled = "retry_scheduled"
	OutcomeDeadLettered   = "dead_lettered"
	OutcomeStranded       = "stranded"
	OutcomeAbandoned      = "abandoned"
)

// ErrAlreadyStarted is returned by Run on a processor that has run before.
var ErrAlreadyStarted = errors.New("processor already started")

const (
	fetchBackoffMin = 50 * time.Millisecond
	fetchBackoffMax = 5 * time.Second
)

// Stats counts messages by how they settled.
type Stats struct {
	InstanceID     string `json:"instance_id"`
	Received       int64  `json:"received"`
	Committed      int64  `json:"committed"`
	Deduplicated   int64  `json:"deduplicated"`
	Rejected       int64  `json:"rejected"`
	RetryScheduled int64  `json:"retry_scheduled"`
	DeadLettered   int64  `json:"dead_lettered"`
	Stranded       int64  `json:"stranded"`
	Abandoned      int64  `json:"abandoned"`
	InFlight       int64  `json:"in_flight"`
}

// Processor is the consumer loop. Create one with New and start it with Run.
type Processor struct {
	sub       broker.Subscription
	validator *validate.Validator
	gate      *persist.Gate
	router    *retry.Router
	cache     *cache.Synchronizer
	idem      idempotency.Store

	cfg        Config
	logger     *slog.Logger
	metrics    observability.MetricsRecorder
	spans      observability.SpanManager
	now        func() time.Time
	instanceID string

	started atomic.Bool

	inFlight       atomic.Int64
	received       atomic.Int64
	committed      atomic.Int64
	deduplicated   atomic.Int64
	rejected       atomic.Int64
	retryScheduled atomic.Int64
	deadLettered   atomic.Int64
	stranded       atomic.Int64
	abandoned      atomic.Int64
}

// New creates a processor reading from sub.
func New(sub broker.Subscription, v *validate.Validator, gate *persist.Gate, router *retry.Router, opts ...Option) *Processor {
	p := &Processor{
		sub:       sub,
		validator: v,
		gate:      gate,
		router:    router,
		cfg:       DefaultConfig,
		logger:    slog.Default(),
		metrics:   observability.NoopMetrics{},
		spans:     observability.NoopSpanManager{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.cfg = p.cfg.withDefaults()
	if p.instanceID == "" {
		p.instanceID = uuid.NewString()
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// Config returns the effective loop configuration.
func (p *Processor) Config() Config {
	return p.cfg
}

// Stats returns a snapshot of the message counters.
func (p *Processor) Stats() Stats {
	return Stats{
		InstanceID:     p.instanceID,
		Received:       p.received.Load(),
		Committed:      p.committed.Load(),
		Deduplicated:   p.deduplicated.Load(),
		Rejected:       p.rejected.Load(),
		RetryScheduled: p.retryScheduled.Load(),
		DeadLettered:   p.deadLettered.Load(),
		Stranded:       p.stranded.Load(),
		Abandoned:      p.abandoned.Load(),
		InFlight:       p.inFlight.Load(),
	}
}

// Run consumes messages until ctx is cancelled or the subscription fails,
// then shuts down:
//
//  1. Stop fetching
//  2. Let in-flight messages settle for up to ShutdownGrace
//  3. Cancel whatever is still running; those messages stay unacknowledged
//  4. Dead-letter the retry buffer
//  5. Close the cache synchronizer and the subscription
//
// Run returns nil after a clean shutdown triggered by ctx.
func (p *Processor) Run(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	observability.LogProcessorStart(p.logger, p.instanceID, p.cfg.Workers, p.cfg.InFlightLimit)

	// Processing outlives ctx by up to ShutdownGrace.
	procCtx, cancelProc := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelProc()
	loopCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()

	if p.cache != nil {
		p.cache.Start()
	}

	credits := make(chan struct{}, p.cfg.InFlightLimit)
	work := make(chan broker.Message)

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for msg := range work {
				p.handle(procCtx, msg)
				<-credits
			}
		}()
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.runRetryScheduler(loopCtx, procCtx)
	}()
	go func() {
		defer wg.Done()
		p.runMaintenance(loopCtx)
	}()

	fetchErr := p.fetchLoop(loopCtx, credits, work)
	close(work)
	stopLoops()

	p.awaitSettled(&wg, cancelProc)

	var errs []error
	if fetchErr != nil {
		errs = append(errs, fetchErr)
	}
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), max(p.cfg.ShutdownGrace, 0)+p.cfg.AckTimeout)
	defer cancel()
	if err := p.router.Close(closeCtx); err != nil {
		errs = append(errs, fmt.Errorf("drain retry buffer: %w", err))
	}
	if p.cache != nil {
		if err := p.cache.Close(closeCtx); err != nil {
			errs = append(errs, fmt.Errorf("close cache: %w", err))
		}
	}
	if err := p.sub.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close subscription: %w", err))
	}

	err := errors.Join(errs...)
	observability.LogProcessorStop(p.logger, p.instanceID, int(p.abandoned.Load()), err)
	return err
}

// awaitSettled waits for workers and background loops, cancelling their
// context once ShutdownGrace has passed.
func (p *Processor) awaitSettled(wg *sync.WaitGroup, cancelProc context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(max(p.cfg.ShutdownGrace, 0))
	defer timer.Stop()
	select {
	case <-done:
		return
	case <-timer.C:
	}

	p.logger.Warn("shutdown grace elapsed, cancelling in-flight work",
		slog.Duration("grace", p.cfg.ShutdownGrace),
		slog.Int64("in_flight", p.inFlight.Load()),
	)
	cancelProc()
	<-done
}

// fetchLoop takes a credit, fetches one message and hands it to a worker,
// until ctx ends, the subscription closes or its commit point stalls.
func (p *Processor) fetchLoop(ctx context.Context, credits chan struct{}, work chan<- broker.Message) error {
	backoff := fetchBackoffMin
	for {
		select {
		case credits <- struct{}{}:
		case <-ctx.Done():
			return nil
		}

		msg, err := p.sub.Fetch(ctx)
		if err != nil {
			<-credits
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, broker.ErrClosed) || errors.Is(err, broker.ErrStalled) {
				return fmt.Errorf("fetch: %w", err)
			}
			p.logger.Warn("fetch failed",
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)
			if !sleepCtx(ctx, backoff) {
				return nil
			}
			backoff = min(backoff*2, fetchBackoffMax)
			continue
		}
		backoff = fetchBackoffMin

		p.inFlight.Add(1)
		select {
		case work <- msg:
		case <-ctx.Done():
			p.nack(msg)
			p.inFlight.Add(-1)
			<-credits
			return nil
		}
	}
}

func (p *Processor) handle(ctx context.Context, msg broker.Message) {
	defer p.inFlight.Add(-1)
	p.received.Add(1)

	elapsed := observability.TimedOperation()
	spanCtx, span := p.spans.StartEventSpan(ctx, msg.Key())
	outcome, err := p.process(spanCtx, msg)
	p.spans.EndEventSpan(span, outcome, err)
	p.metrics.RecordEvent(ctx, outcome, elapsed())
}

// process drives one message to a terminal state and settles it.
func (p *Processor) process(ctx context.Context, msg broker.Message) (string, error) {
	ev, err := p.validator.Validate(msg.Payload())
	if err != nil {
		rej, ok := validate.AsRejection(err)
		if !ok {
			rej = &validate.Rejection{Reason: validate.ReasonMalformed, Message: err.Error()}
		}
		p.rejected.Add(1)
		p.metrics.RecordRejection(ctx, string(rej.Reason))
		observability.LogEventRejected(p.logger, rej.EventID, rej.VehicleID, string(rej.Reason), rej.Field, rej.Message)
		p.ack(msg)
		return OutcomeRejected, nil
	}
	p.spans.AddSpanEvent(ctx, "validated",
		attribute.String("event.id", ev.ID),
		attribute.String("vehicle.id", ev.VehicleID),
	)

	elapsed := observability.TimedOperation()
	res := p.gate.Persist(ctx, ev)
	if res.Outcome != persist.OutcomeCommitted && ctx.Err() != nil {
		return p.abandon(ev, res)
	}

	logger := observability.EnrichLogger(p.logger, ev.ID, ev.VehicleID)
	switch res.Outcome {
	case persist.OutcomeCommitted:
		p.spans.AddSpanEvent(ctx, "persisted", attribute.Bool("deduplicated", res.Deduplicated))
		p.commitDone(ev, res, elapsed())
		p.ack(msg)
		return OutcomeCommitted, nil

	case persist.OutcomeFatal:
		env := &retry.Envelope{Event: ev, Payload: msg.Payload()}
		if err := p.router.DeadLetter(ctx, env, deadletter.ReasonFatal, res.Reason, res.Err); err != nil {
			return p.routingFailed(msg, logger, res, err)
		}
		p.deadLettered.Add(1)
		p.ack(msg)
		return OutcomeDeadLettered, res.Err

	default:
		decision, err := p.router.ScheduleRetry(ctx, ev, msg.Payload(), res.Reason, res.Err)
		if err != nil {
			return p.routingFailed(msg, logger, res, err)
		}
		if decision == retry.DecisionDeadLettered {
			p.deadLettered.Add(1)
			p.ack(msg)
			return OutcomeDeadLettered, res.Err
		}
		p.retryScheduled.Add(1)
		p.ack(msg)
		return OutcomeRetryScheduled, res.Err
	}
}

// routingFailed settles a message whose dead-letter hand-off failed. A
// stranded record is held by the router and retried in the background, so
// the message is acknowledged. Anything else is nacked for redelivery.
func (p *Processor) routingFailed(msg broker.Message, logger *slog.Logger, res persist.Result, err error) (string, error) {
	if errors.Is(err, retry.ErrStranded) {
		p.stranded.Add(1)
		logger.Error("dead-letter append failed, record held for retry",
			slog.String("reason", res.Reason),
			slog.String("error", err.Error()),
		)
		p.ack(msg)
		return OutcomeStranded, err
	}
	p.abandoned.Add(1)
	logger.Error("retry routing failed, leaving message for redelivery",
		slog.String("reason", res.Reason),
		slog.String("error", err.Error()),
	)
	p.nack(msg)
	return OutcomeAbandoned, err
}

// abandon leaves a message unsettled after forced cancellation. The broker
// redelivers it and the idempotency store resolves whatever was done.
func (p *Processor) abandon(ev *event.Event, res persist.Result) (string, error) {
	p.abandoned.Add(1)
	observability.EnrichLogger(p.logger, ev.ID, ev.VehicleID).Warn("processing cancelled, leaving message for redelivery",
		slog.String("reason", res.Reason),
	)
	return OutcomeAbandoned, res.Err
}

func (p *Processor) commitDone(ev *event.Event, res persist.Result, took time.Duration) {
	p.committed.Add(1)
	if res.Deduplicated {
		p.deduplicated.Add(1)
	}
	if p.cache != nil {
		p.cache.Sync(ev)
	}
	observability.LogEventCommitted(p.logger, ev.ID, ev.VehicleID, res.Deduplicated, float64(took.Microseconds())/1000)
}

func (p *Processor) ack(msg broker.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.AckTimeout)
	defer cancel()
	if err := msg.Ack(ctx); err != nil {
		observability.LogAckFailed(p.logger, msg.Key(), err)
	}
}

func (p *Processor) nack(msg broker.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.AckTimeout)
	defer cancel()
	if err := msg.Nack(ctx); err != nil {
		p.logger.Warn("broker nack failed",
			slog.String("key", msg.Key()),
			slog.String("error", err.Error()),
		)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
