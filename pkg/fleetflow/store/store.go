// Package store provides the durable event datastore behind the persistence gate.
//
// Repositories are idempotent at the storage layer: inserting an event whose
// id already exists is a no-op, never an error. Every returned error is a
// *errors.CategorizedError so callers can route on category alone.
package store

import (
	"context"
	"errors"

	"github.com/randalmurphal/fleetflow/pkg/fleetflow/event"
)

// Repository persists validated events.
// Implementations must be safe for concurrent use.
type Repository interface {
	// Insert writes ev. It returns inserted=false when a row with the same
	// event id already exists.
	Insert(ctx context.Context, ev *event.Event) (inserted bool, err error)

	// Exists reports whether a row with eventID has landed.
	Exists(ctx context.Context, eventID string) (bool, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases any resources (connections, files).
	Close() error
}

// Sentinel errors for repository operations.
var (
	// ErrNotFound indicates an event has not been stored.
	ErrNotFound = errors.New("event not found")

	// ErrStoreClosed indicates the repository has been closed.
	ErrStoreClosed = errors.New("event store closed")
)
