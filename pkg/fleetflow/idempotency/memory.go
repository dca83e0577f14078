package idempotency

import (
	"context"
	"sync"
	"time"

	ferrors "github.com/randalmurphal/fleetflow/pkg/fleetflow/errors"
)

// MemoryStore keeps records in memory.
// Useful for testing and single-process demos. Not durable.
type MemoryStore struct {
	opts    options
	mu      sync.Mutex
	records map[string]Record
	closed  bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		opts:    applyOptions(opts),
		records: make(map[string]Record),
	}
}

// BeginProcessing implements Store.
func (m *MemoryStore) BeginProcessing(_ context.Context, eventID string) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ferrors.Retryable(ErrStoreClosed, "begin processing")
	}

	if rec, ok := m.records[eventID]; ok {
		if rec.Status == StatusCommitted {
			return OutcomeAlreadyCommitted, nil
		}
		return OutcomeAlreadyPending, nil
	}

	m.records[eventID] = Record{
		EventID:   eventID,
		Status:    StatusPending,
		ClaimedAt: m.opts.now().UTC(),
	}
	return OutcomeProceed, nil
}

// Commit implements Store.
func (m *MemoryStore) Commit(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ferrors.Retryable(ErrStoreClosed, "commit")
	}

	now := m.opts.now().UTC()
	rec, ok := m.records[eventID]
	if ok && rec.Status == StatusCommitted {
		return nil
	}
	if !ok {
		rec = Record{EventID: eventID, ClaimedAt: now}
	}
	rec.Status = StatusCommitted
	rec.CommittedAt = now
	m.records[eventID] = rec
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, eventID string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Record{}, ErrStoreClosed
	}
	rec, ok := m.records[eventID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// Prune implements Store.
func (m *MemoryStore) Prune(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrStoreClosed
	}

	removed := 0
	for id, rec := range m.records {
		if rec.Status == StatusCommitted && rec.CommittedAt.Before(cutoff) {
			delete(m.records, id)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of records.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Ping implements Store.
func (m *MemoryStore) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
