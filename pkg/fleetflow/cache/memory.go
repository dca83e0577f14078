package cache

import (
	"context"
	"sync"
	"time"

	"github.com/randalmurphal/fleetflow/pkg/fleetflow/event"
)

// MemoryWriter keeps the newest event per vehicle in memory.
// Useful for tests and the in-process demo.
type MemoryWriter struct {
	mu       sync.Mutex
	vehicles map[string]event.Event
	writes   int
	err      error
}

// NewMemoryWriter creates an empty MemoryWriter.
func NewMemoryWriter() *MemoryWriter {
	return &MemoryWriter{vehicles: make(map[string]event.Event)}
}

// FailWith makes every subsequent call return err. Pass nil to recover.
func (m *MemoryWriter) FailWith(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// Write implements Writer.
func (m *MemoryWriter) Write(_ context.Context, ev *event.Event, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.writes++
	if cur, ok := m.vehicles[ev.VehicleID]; ok && !ev.OccurredAt.After(cur.OccurredAt) {
		return nil
	}
	m.vehicles[ev.VehicleID] = *ev
	return nil
}

// Latest returns the newest cached event for a vehicle.
func (m *MemoryWriter) Latest(vehicleID string) (event.Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.vehicles[vehicleID]
	return ev, ok
}

// Writes returns the number of successful Write calls.
func (m *MemoryWriter) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Ping implements Writer.
func (m *MemoryWriter) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Close implements Writer.
func (m *MemoryWriter) Close() error { return nil }

var _ Writer = (*MemoryWriter)(nil)
