// Package idempotency records which events have been claimed and committed.
//
// A record moves pending -> committed and never back. The check-and-insert in
// BeginProcessing is atomic in every implementation because it is enforced by
// the backing store's primary key rather than by application locks, so several
// processor instances may share one store.
package idempotency

import (
	"context"
	"errors"
	"time"
)

// Outcome is the result of claiming an event id.
type Outcome int

const (
	// OutcomeProceed means the caller now owns a fresh pending record.
	OutcomeProceed Outcome = iota

	// OutcomeAlreadyCommitted means the event's effects are durable.
	OutcomeAlreadyCommitted

	// OutcomeAlreadyPending means another attempt claimed the event and has
	// not committed it (in flight, crashed, or awaiting retry).
	OutcomeAlreadyPending
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeProceed:
		return "proceed"
	case OutcomeAlreadyCommitted:
		return "already_committed"
	case OutcomeAlreadyPending:
		return "already_pending"
	default:
		return "unknown"
	}
}

// Status is the state of a record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCommitted Status = "committed"
)

// Record is a single idempotency entry.
type Record struct {
	EventID     string
	Status      Status
	ClaimedAt   time.Time
	CommittedAt time.Time
}

// Store tracks event ids across deliveries.
// Implementations must be safe for concurrent use.
type Store interface {
	// BeginProcessing atomically claims eventID if no record exists.
	BeginProcessing(ctx context.Context, eventID string) (Outcome, error)

	// Commit marks eventID committed. Committing twice is a no-op; committing
	// an unknown id creates a committed record.
	Commit(ctx context.Context, eventID string) error

	// Get returns the record for eventID or ErrNotFound.
	Get(ctx context.Context, eventID string) (Record, error)

	// Prune deletes committed records whose CommittedAt is before cutoff.
	// Pending records are never removed.
	Prune(ctx context.Context, cutoff time.Time) (int, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases any resources (connections, files).
	Close() error
}

// Sentinel errors for idempotency operations.
var (
	// ErrNotFound indicates no record exists for an event id.
	ErrNotFound = errors.New("idempotency record not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("idempotency store closed")
)

// Option configures a store.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces the time source used for ClaimedAt and CommittedAt.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func applyOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
