// Package retry buffers events that failed with a retryable error and hands
// them back once their backoff has elapsed.
//
// The buffer has a fixed capacity. Each failure increments the envelope's
// attempt counter; an event is dead-lettered exactly when its attempt counter
// exceeds MaxAttempts. When the buffer is full, the envelope that first failed
// longest ago is evicted to the dead-letter sink and the eviction is logged.
//
// A dead-letter record whose append fails is kept on a bounded stranded list
// and retried by FlushStranded, so callers may acknowledge the source message
// once the router has taken the record.
package retry

import (
	"container/heap"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/randalmurphal/fleetflow/pkg/fleetflow/deadletter"
	"github.com/randalmurphal/fleetflow/pkg/fleetflow/event"
)

// ErrRouterClosed is returned when scheduling after Close.
var ErrRouterClosed = errors.New("retry router closed")

// ErrStranded wraps a dead-letter append failure. The record is held by the
// router and retried by FlushStranded.
var ErrStranded = errors.New("dead-letter record stranded for retry")

// Decision is what the router did with a failed event.
type Decision int

const (
	DecisionScheduled Decision = iota
	DecisionDeadLettered
)

// String returns the decision name.
func (d Decision) String() string {
	switch d {
	case DecisionScheduled:
		return "retry_scheduled"
	case DecisionDeadLettered:
		return "dead_lettered"
	default:
		return "unknown"
	}
}

// Config configures the router.
type Config struct {
	// MaxAttempts is the number of retries allowed. The failure that pushes
	// the attempt counter past it dead-letters the event.
	// Default: 5
	MaxAttempts int

	// BaseDelay is the delay after the first failure.
	// Default: 500ms
	BaseDelay time.Duration

	// MaxDelay caps every delay, jitter included.
	// Default: 30s
	MaxDelay time.Duration

	// Jitter adds up to Jitter*delay on top of the exponential delay (0.0-1.0).
	// Default: 0.2
	Jitter float64

	// Capacity is the maximum number of buffered envelopes. It also bounds
	// the stranded list; past it the oldest stranded record is logged and
	// discarded.
	// Default: 10000
	Capacity int

	// OnSchedule is called with a copy of each envelope after it is buffered.
	OnSchedule func(Envelope)

	// OnEvict is called after an envelope is evicted for capacity.
	OnEvict func(*Envelope)
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	MaxAttempts: 5,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    30 * time.Second,
	Jitter:      0.2,
	Capacity:    10000,
}

// Envelope wraps a failed event with its retry bookkeeping.
type Envelope struct {
	Event          *event.Event
	Payload        []byte
	Attempt        int
	NextEligibleAt time.Time
	LastReason     string
	LastError      string
	FirstFailedAt  time.Time
	History        []deadletter.Attempt

	lastDelay time.Duration
	index     int
}

// Stats summarizes router activity.
type Stats struct {
	Depth        int   `json:"depth"`
	Capacity     int   `json:"capacity"`
	Scheduled    int64 `json:"scheduled"`
	DeadLettered int64 `json:"dead_lettered"`
	Evicted      int64 `json:"evicted"`
	Stranded     int   `json:"stranded"`
	// StrandedDropped counts stranded records discarded for capacity.
	StrandedDropped int64 `json:"stranded_dropped"`
}

// Router owns the retry buffer. Safe for concurrent use.
type Router struct {
	cfg       Config
	publisher *deadletter.Publisher
	logger    *slog.Logger
	now       func() time.Time
	random    func() float64

	mu       sync.Mutex
	queue    envelopeHeap
	stranded []*deadletter.Record
	closed   bool

	scheduled    int64
	deadLettered int64
	evicted      int64
	strandDrops  int64
}

// Option configures a Router.
type Option func(*Router)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Router) {
		r.now = now
	}
}

// WithRandom replaces the jitter source. fn must return values in [0, 1).
func WithRandom(fn func() float64) Option {
	return func(r *Router) {
		r.random = fn
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		r.logger = logger
	}
}

// New creates a Router that dead-letters through publisher.
func New(cfg Config, publisher *deadletter.Publisher, opts ...Option) *Router {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultConfig.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultConfig.MaxDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if cfg.Jitter > 1 {
		cfg.Jitter = 1
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultConfig.Capacity
	}

	r := &Router{
		cfg:       cfg,
		publisher: publisher,
		logger:    slog.Default(),
		now:       time.Now,
		random:    rand.Float64,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Config returns the effective configuration.
func (r *Router) Config() Config {
	return r.cfg
}

// ScheduleRetry records the first failure of ev and buffers it, or
// dead-letters it if MaxAttempts allows no retries at all. payload is the raw
// message body, carried into any dead-letter record.
func (r *Router) ScheduleRetry(ctx context.Context, ev *event.Event, payload []byte, reason string, cause error) (Decision, error) {
	return r.Reschedule(ctx, &Envelope{Event: ev, Payload: payload}, reason, cause)
}

// Reschedule records another failure for env, which must not be in the buffer.
//
// If dead-lettering env fails, the returned error wraps ErrStranded: the
// record is kept and retried by FlushStranded.
func (r *Router) Reschedule(ctx context.Context, env *Envelope, reason string, cause error) (Decision, error) {
	now := r.now()
	r.recordFailure(env, reason, cause, now)

	if env.Attempt > r.cfg.MaxAttempts {
		rec := newRecord(env, deadletter.ReasonMaxAttempts, now)
		if err := r.publish(ctx, rec); err != nil {
			return DecisionDeadLettered, err
		}
		return DecisionDeadLettered, nil
	}

	delay := r.backoff(env)
	env.lastDelay = delay
	env.NextEligibleAt = now.Add(delay)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return DecisionScheduled, ErrRouterClosed
	}
	var victim *Envelope
	if r.queue.Len() >= r.cfg.Capacity {
		victim = r.oldestLocked(env)
		if victim != env {
			heap.Remove(&r.queue, victim.index)
			heap.Push(&r.queue, env)
		}
		r.evicted++
	} else {
		heap.Push(&r.queue, env)
	}
	var buffered Envelope
	if victim != env {
		r.scheduled++
		buffered = *env
	}
	r.mu.Unlock()

	if victim != nil {
		r.logger.Warn("retry buffer full, evicting oldest envelope to dead-letter",
			slog.String("event_id", victim.Event.ID),
			slog.Int("attempt", victim.Attempt),
			slog.Time("first_failed_at", victim.FirstFailedAt),
			slog.Int("capacity", r.cfg.Capacity),
		)
		if r.cfg.OnEvict != nil {
			r.cfg.OnEvict(victim)
		}
		rec := newRecord(victim, deadletter.ReasonRetryOverflow, now)
		if err := r.publish(ctx, rec); err != nil && victim == env {
			return DecisionDeadLettered, err
		}
		if victim == env {
			return DecisionDeadLettered, nil
		}
	}

	if r.cfg.OnSchedule != nil {
		r.cfg.OnSchedule(buffered)
	}
	return DecisionScheduled, nil
}

// DeadLetter sends env straight to the dead-letter sink, appending the final
// failure to its history. A failed append wraps ErrStranded, as in Reschedule.
func (r *Router) DeadLetter(ctx context.Context, env *Envelope, reason deadletter.Reason, failure string, cause error) error {
	now := r.now()
	r.recordFailure(env, failure, cause, now)
	return r.publish(ctx, newRecord(env, reason, now))
}

// DrainDue removes and returns up to limit envelopes whose backoff has
// elapsed, earliest first. limit <= 0 means no limit.
func (r *Router) DrainDue(now time.Time, limit int) []*Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []*Envelope
	for r.queue.Len() > 0 && (limit <= 0 || len(due) < limit) {
		next := r.queue[0]
		if next.NextEligibleAt.After(now) {
			break
		}
		due = append(due, heap.Pop(&r.queue).(*Envelope))
	}
	return due
}

// NextDue returns the earliest NextEligibleAt, if any envelope is buffered.
func (r *Router) NextDue() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.queue.Len() == 0 {
		return time.Time{}, false
	}
	return r.queue[0].NextEligibleAt, true
}

// FlushStranded retries dead-letter records whose earlier append failed.
// It returns the number still stranded.
func (r *Router) FlushStranded(ctx context.Context) int {
	r.mu.Lock()
	pending := r.stranded
	r.stranded = nil
	r.mu.Unlock()

	var failed []*deadletter.Record
	for _, rec := range pending {
		if err := r.publisher.Publish(ctx, rec); err != nil {
			failed = append(failed, rec)
			continue
		}
		r.mu.Lock()
		r.deadLettered++
		r.mu.Unlock()
	}

	r.mu.Lock()
	r.stranded = append(failed, r.stranded...)
	dropped := r.trimStrandedLocked()
	n := len(r.stranded)
	r.mu.Unlock()
	r.logDropped(dropped)
	return n
}

// Close stops accepting envelopes and dead-letters everything still buffered
// with ReasonShutdown. The broker already acknowledged these events, so the
// dead-letter sink is the only place they survive a restart.
func (r *Router) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	remaining := make([]*Envelope, 0, r.queue.Len())
	for r.queue.Len() > 0 {
		remaining = append(remaining, heap.Pop(&r.queue).(*Envelope))
	}
	r.mu.Unlock()

	now := r.now()
	var errs []error
	for _, env := range remaining {
		rec := newRecord(env, deadletter.ReasonShutdown, now)
		if err := r.publish(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	if r.FlushStranded(ctx) > 0 {
		errs = append(errs, errors.New("dead-letter records stranded at shutdown"))
	}
	return errors.Join(errs...)
}

// Len returns the number of buffered envelopes.
func (r *Router) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queue.Len()
}

// Stats returns counters and the current depth.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Depth:        r.queue.Len(),
		Capacity:     r.cfg.Capacity,
		Scheduled:    r.scheduled,
		DeadLettered: r.deadLettered,
		Evicted:      r.evicted,
		Stranded:     len(r.stranded),

		StrandedDropped: r.strandDrops,
	}
}

// Peek returns copies of up to limit buffered envelopes, earliest first.
func (r *Router) Peek(limit int) []Envelope {
	r.mu.Lock()
	cp := make(envelopeHeap, len(r.queue))
	for i, env := range r.queue {
		c := *env
		c.History = append([]deadletter.Attempt(nil), env.History...)
		cp[i] = &c
	}
	r.mu.Unlock()

	if limit <= 0 || limit > len(cp) {
		limit = len(cp)
	}
	out := make([]Envelope, 0, limit)
	for cp.Len() > 0 && len(out) < limit {
		out = append(out, *heap.Pop(&cp).(*Envelope))
	}
	return out
}

func (r *Router) recordFailure(env *Envelope, reason string, cause error, now time.Time) {
	env.Attempt++
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	env.LastReason = reason
	env.LastError = msg
	if env.FirstFailedAt.IsZero() {
		env.FirstFailedAt = now
	}
	env.History = append(env.History, deadletter.Attempt{
		Number: env.Attempt,
		At:     now,
		Reason: reason,
		Error:  msg,
	})
}

// backoff computes min(BaseDelay*2^(attempt-1), MaxDelay) plus upward jitter,
// clamped to MaxDelay and never below the envelope's previous delay.
func (r *Router) backoff(env *Envelope) time.Duration {
	delay := r.cfg.MaxDelay
	if shift := env.Attempt - 1; shift < 62 {
		if d := r.cfg.BaseDelay << uint(shift); d > 0 && d < r.cfg.MaxDelay {
			delay = d
		}
	}
	if r.cfg.Jitter > 0 {
		delay += time.Duration(float64(delay) * r.cfg.Jitter * r.random())
	}
	delay = min(delay, r.cfg.MaxDelay)
	return max(delay, env.lastDelay)
}

// oldestLocked returns the envelope with the earliest FirstFailedAt among the
// buffer and candidate.
func (r *Router) oldestLocked(candidate *Envelope) *Envelope {
	oldest := candidate
	for _, env := range r.queue {
		if env.FirstFailedAt.Before(oldest.FirstFailedAt) {
			oldest = env
		}
	}
	return oldest
}

func newRecord(env *Envelope, reason deadletter.Reason, now time.Time) *deadletter.Record {
	rec := deadletter.NewRecord(env.Event, reason, env.History, now)
	rec.Payload = env.Payload
	return rec
}

func (r *Router) publish(ctx context.Context, rec *deadletter.Record) error {
	if err := r.publisher.Publish(ctx, rec); err != nil {
		r.mu.Lock()
		r.stranded = append(r.stranded, rec)
		dropped := r.trimStrandedLocked()
		r.mu.Unlock()
		r.logDropped(dropped)
		return fmt.Errorf("%w: %w", ErrStranded, err)
	}
	r.mu.Lock()
	r.deadLettered++
	r.mu.Unlock()
	return nil
}

// trimStrandedLocked drops the oldest stranded records beyond Capacity.
func (r *Router) trimStrandedLocked() []*deadletter.Record {
	over := len(r.stranded) - r.cfg.Capacity
	if over <= 0 {
		return nil
	}
	dropped := append([]*deadletter.Record(nil), r.stranded[:over]...)
	r.stranded = append(r.stranded[:0], r.stranded[over:]...)
	r.strandDrops += int64(over)
	return dropped
}

// logDropped writes each discarded record in full so it can be recovered
// from the logs.
func (r *Router) logDropped(dropped []*deadletter.Record) {
	for _, rec := range dropped {
		data, _ := json.Marshal(rec)
		r.logger.Error("stranded dead-letter list full, discarding oldest record",
			slog.String("event_id", rec.EventID),
			slog.String("reason", string(rec.Reason)),
			slog.Int("capacity", r.cfg.Capacity),
			slog.String("record", string(data)),
		)
	}
}

// envelopeHeap orders envelopes by NextEligibleAt.
type envelopeHeap []*Envelope

func (h envelopeHeap) Len() int { return len(h) }

func (h envelopeHeap) Less(i, j int) bool {
	return h[i].NextEligibleAt.Before(h[j].NextEligibleAt)
}

func (h envelopeHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *envelopeHeap) Push(x any) {
	env := x.(*Envelope)
	env.index = len(*h)
	*h = append(*h, env)
}

func (h *envelopeHeap) Pop() any {
	old := *h
	n := len(old)
	env := old[n-1]
	old[n-1] = nil
	env.index = -1
	*h = old[:n-1]
	return env
}
