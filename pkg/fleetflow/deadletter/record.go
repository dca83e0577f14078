// Package deadletter holds events that the pipeline gave up on.
//
// A Record carries the event, the raw payload it was decoded from and the
// full history of failed attempts, so an operator can diagnose and replay it.
package deadletter

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/fleetflow/pkg/fleetflow/event"
)

// Reason explains why an event was dead-lettered.
type Reason string

const (
	// ReasonFatal marks a failure that retrying cannot fix.
	ReasonFatal Reason = "fatal"

	// ReasonMaxAttempts marks an event whose retry budget ran out.
	ReasonMaxAttempts Reason = "max_attempts_exceeded"

	// ReasonRetryOverflow marks an event evicted from a full retry buffer.
	ReasonRetryOverflow Reason = "retry_buffer_overflow"

	// ReasonShutdown marks an event still waiting for retry at shutdown.
	ReasonShutdown Reason = "shutdown_drain"
)

// Attempt is one failed processing attempt.
type Attempt struct {
	Number int       `json:"number"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
	Error  string    `json:"error"`
}

// Record is a dead-lettered event. Payload is the raw message body the event
// was decoded from, when the source message is known.
type Record struct {
	ID             string       `json:"id"`
	EventID        string       `json:"event_id"`
	VehicleID      string       `json:"vehicle_id"`
	Event          *event.Event `json:"event"`
	Payload        []byte       `json:"payload,omitempty"`
	Reason         Reason       `json:"reason"`
	Attempts       []Attempt    `json:"attempts"`
	LastError      string       `json:"last_error"`
	FirstFailedAt  time.Time    `json:"first_failed_at"`
	DeadLetteredAt time.Time    `json:"dead_lettered_at"`
}

// NewRecord builds a record with a fresh id. attempts is copied.
func NewRecord(ev *event.Event, reason Reason, attempts []Attempt, now time.Time) *Record {
	rec := &Record{
		ID:             uuid.NewString(),
		Event:          ev,
		Reason:         reason,
		Attempts:       append([]Attempt(nil), attempts...),
		DeadLetteredAt: now.UTC(),
	}
	if ev != nil {
		rec.EventID = ev.ID
		rec.VehicleID = ev.VehicleID
	}
	if n := len(attempts); n > 0 {
		rec.LastError = attempts[n-1].Error
		rec.FirstFailedAt = attempts[0].At
	}
	return rec
}

// Sink accepts dead-lettered records.
// Implementations must be safe for concurrent use.
type Sink interface {
	// Append stores rec durably. An error means the record was not stored.
	Append(ctx context.Context, rec *Record) error

	// Close releases any resources.
	Close() error
}

// Lister is implemented by sinks that can be browsed by operators.
type Lister interface {
	// List returns up to limit records, newest first.
	List(ctx context.Context, limit int) ([]*Record, error)

	// Len returns the number of stored records.
	Len(ctx context.Context) (int, error)
}

// ErrSinkClosed indicates the sink has been closed.
var ErrSinkClosed = errors.New("dead-letter sink closed")
