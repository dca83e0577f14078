// Package persist implements the persistence gate: the single path by which a
// validated event becomes durable.
//
// The gate claims the event in the idempotency store, writes it through the
// datastore circuit breaker, and commits the claim only after the write is
// confirmed. A claim that is already pending is resolved by probing the
// datastore rather than by guessing.
package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/randalmurphal/fleetflow/pkg/fleetflow/breaker"
	ferrors "github.com/randalmurphal/fleetflow/pkg/fleetflow/errors"
	"github.com/randalmurphal/fleetflow/pkg/fleetflow/event"
	"github.com/randalmurphal/fleetflow/pkg/fleetflow/idempotency"
	"github.com/randalmurphal/fleetflow/pkg/fleetflow/store"
)

// Outcome is the terminal result of one persistence attempt.
type Outcome int

const (
	OutcomeCommitted Outcome = iota
	OutcomeRetryable
	OutcomeFatal
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeCommitted:
		return "committed"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Reasons attached to non-committed results.
const (
	ReasonCircuitOpen            = "circuit_open"
	ReasonIndeterminate          = "indeterminate"
	ReasonTimeout                = "timeout"
	ReasonWriteFailed            = "write_failed"
	ReasonCommitFailed           = "commit_failed"
	ReasonIdempotencyUnavailable = "idempotency_unavailable"
	ReasonRejected               = "rejected_by_datastore"
)

// ErrCircuitOpen is wrapped by results rejected by the datastore breaker.
var ErrCircuitOpen = fmt.Errorf("datastore: %w", breaker.ErrOpen)

// ErrNotLanded is wrapped by indeterminate results whose probe found no row.
var ErrNotLanded = errors.New("pending event has not landed in the datastore")

// Result describes what happened to an event.
type Result struct {
	Outcome Outcome

	// Reason is empty for committed results.
	Reason string

	// Err is a *errors.CategorizedError for non-committed results.
	Err error

	// Deduplicated is set when no new row was written because the event's
	// effects were already durable.
	Deduplicated bool
}

func committed(dedup bool) Result {
	return Result{Outcome: OutcomeCommitted, Deduplicated: dedup}
}

func retryable(reason string, err error) Result {
	return Result{Outcome: OutcomeRetryable, Reason: reason, Err: ferrors.Retryable(err, reason)}
}

func fatal(reason string, err error) Result {
	return Result{Outcome: OutcomeFatal, Reason: reason, Err: ferrors.Fatal(err, reason)}
}

// Config holds per-call deadlines.
type Config struct {
	// WriteTimeout bounds a single datastore insert.
	WriteTimeout time.Duration

	// ProbeTimeout bounds the read-after-write existence check.
	ProbeTimeout time.Duration

	// IdempotencyTimeout bounds idempotency store calls.
	IdempotencyTimeout time.Duration
}

// DefaultConfig is used for zero fields.
var DefaultConfig = Config{
	WriteTimeout:       5 * time.Second,
	ProbeTimeout:       2 * time.Second,
	IdempotencyTimeout: 2 * time.Second,
}

// Gate persists events exactly once in effect. Safe for concurrent use.
type Gate struct {
	idem    idempotency.Store
	repo    store.Repository
	breaker *breaker.Breaker
	cfg     Config
	logger  *slog.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithConfig sets call deadlines.
func WithConfig(cfg Config) Option {
	return func(g *Gate) {
		if cfg.WriteTimeout > 0 {
			g.cfg.WriteTimeout = cfg.WriteTimeout
		}
		if cfg.ProbeTimeout > 0 {
			g.cfg.ProbeTimeout = cfg.ProbeTimeout
		}
		if cfg.IdempotencyTimeout > 0 {
			g.cfg.IdempotencyTimeout = cfg.IdempotencyTimeout
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) {
		g.logger = logger
	}
}

// New creates a Gate. br guards the datastore; pass a dedicated breaker that
// no other dependency shares.
func New(idem idempotency.Store, repo store.Repository, br *breaker.Breaker, opts ...Option) *Gate {
	g := &Gate{
		idem:    idem,
		repo:    repo,
		breaker: br,
		cfg:     DefaultConfig,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Breaker returns the datastore breaker.
func (g *Gate) Breaker() *breaker.Breaker {
	return g.breaker
}

// Persist handles the first delivery of ev.
//
// A pending claim found here belongs to another attempt. If its write has not
// landed the event is handed back as retryable rather than written, so two
// fresh deliveries never race on the same event.
func (g *Gate) Persist(ctx context.Context, ev *event.Event) Result {
	return g.run(ctx, ev, false)
}

// Retry handles a redelivery from the retry buffer. The retry path owns any
// pending claim for the event and writes it when the probe shows it missing.
func (g *Gate) Retry(ctx context.Context, ev *event.Event) Result {
	return g.run(ctx, ev, true)
}

func (g *Gate) run(ctx context.Context, ev *event.Event, owner bool) Result {
	ictx, cancel := context.WithTimeout(ctx, g.cfg.IdempotencyTimeout)
	outcome, err := g.idem.BeginProcessing(ictx, ev.ID)
	cancel()
	if err != nil {
		if ferrors.IsFatal(err) {
			return fatal(ReasonIdempotencyUnavailable, err)
		}
		return retryable(ReasonIdempotencyUnavailable, err)
	}

	switch outcome {
	case idempotency.OutcomeAlreadyCommitted:
		return committed(true)
	case idempotency.OutcomeAlreadyPending:
		return g.resolvePending(ctx, ev, owner)
	default:
		return g.write(ctx, ev)
	}
}

func (g *Gate) write(ctx context.Context, ev *event.Event) Result {
	gen, ok := g.breaker.Allow()
	if !ok {
		return retryable(ReasonCircuitOpen, ErrCircuitOpen)
	}

	wctx, cancel := context.WithTimeout(ctx, g.cfg.WriteTimeout)
	inserted, err := g.repo.Insert(wctx, ev)
	timedOut := errors.Is(wctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()

	if err != nil {
		g.breaker.RecordFailure(gen)

		switch ferrors.Categorize(err) {
		case ferrors.CategoryFatal:
			return fatal(ReasonRejected, err)
		case ferrors.CategoryIndeterminate:
			return g.resolveIndeterminate(ctx, ev, err)
		}
		if timedOut {
			return retryable(ReasonTimeout, &ferrors.TimeoutError{Operation: "insert event", Duration: g.cfg.WriteTimeout})
		}
		return retryable(ReasonWriteFailed, err)
	}

	g.breaker.RecordSuccess(gen)
	return g.commit(ctx, ev, !inserted)
}

// resolveIndeterminate probes after a write whose outcome is unknown.
func (g *Gate) resolveIndeterminate(ctx context.Context, ev *event.Event, cause error) Result {
	landed, res, ok := g.probe(ctx, ev)
	if !ok {
		return res
	}
	if landed {
		return g.commit(ctx, ev, false)
	}
	return retryable(ReasonIndeterminate, fmt.Errorf("%w: %w", ErrNotLanded, cause))
}

func (g *Gate) resolvePending(ctx context.Context, ev *event.Event, owner bool) Result {
	landed, res, ok := g.probe(ctx, ev)
	if !ok {
		return res
	}
	if landed {
		return g.commit(ctx, ev, true)
	}
	if owner {
		return g.write(ctx, ev)
	}
	return retryable(ReasonIndeterminate, ErrNotLanded)
}

// probe checks whether ev's row exists. ok is false when the probe itself
// could not run, in which case res carries the retryable result.
func (g *Gate) probe(ctx context.Context, ev *event.Event) (landed bool, res Result, ok bool) {
	gen, allowed := g.breaker.Allow()
	if !allowed {
		return false, retryable(ReasonCircuitOpen, ErrCircuitOpen), false
	}

	pctx, cancel := context.WithTimeout(ctx, g.cfg.ProbeTimeout)
	landed, err := g.repo.Exists(pctx, ev.ID)
	cancel()
	if err != nil {
		g.breaker.RecordFailure(gen)
		return false, retryable(ReasonIndeterminate, fmt.Errorf("probe event: %w", err)), false
	}
	g.breaker.RecordSuccess(gen)
	return landed, Result{}, true
}

func (g *Gate) commit(ctx context.Context, ev *event.Event, dedup bool) Result {
	cctx, cancel := context.WithTimeout(ctx, g.cfg.IdempotencyTimeout)
	err := g.idem.Commit(cctx, ev.ID)
	cancel()
	if err != nil {
		// The row is durable; the next attempt probes, finds it, and commits.
		if g.logger != nil {
			g.logger.Warn("idempotency commit failed after write",
				slog.String("event_id", ev.ID),
				slog.String("error", err.Error()),
			)
		}
		return retryable(ReasonCommitFailed, err)
	}
	return committed(dedup)
}
