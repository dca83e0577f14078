package store

import (
	"context"
	"sync"

	"github.com/randalmurphal/fleetflow/pkg/fleetflow/event"
)

// MemoryRepository stores events in memory.
// Useful for testing and the in-process demo. Not durable.
type MemoryRepository struct {
	mu     sync.RWMutex
	events map[string]event.Event
	writes int
	closed bool
}

// NewMemoryRepository creates a new in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{events: make(map[string]event.Event)}
}

// Insert implements Repository.
func (m *MemoryRepository) Insert(_ context.Context, ev *event.Event) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, ClassifySQLite(ErrStoreClosed, "insert event")
	}
	if _, ok := m.events[ev.ID]; ok {
		return false, nil
	}
	m.events[ev.ID] = *ev
	m.writes++
	return true, nil
}

// Exists implements Repository.
func (m *MemoryRepository) Exists(_ context.Context, eventID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return false, ClassifySQLite(ErrStoreClosed, "probe event")
	}
	_, ok := m.events[eventID]
	return ok, nil
}

// Get returns a copy of a stored event.
func (m *MemoryRepository) Get(eventID string) (*event.Event, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.events[eventID]
	if !ok {
		return nil, false
	}
	return &ev, true
}

// Writes returns the number of rows actually inserted.
func (m *MemoryRepository) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

// Ping implements Repository.
func (m *MemoryRepository) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrStoreClosed
	}
	return nil
}

// Close implements Repository.
func (m *MemoryRepository) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Compile-time interface checks.
var (
	_ Repository = (*MemoryRepository)(nil)
	_ Repository = (*SQLiteRepository)(nil)
	_ Repository = (*PostgresRepository)(nil)
)
