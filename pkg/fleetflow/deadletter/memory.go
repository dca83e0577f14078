package deadletter

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
)

// MemorySink keeps the most recent records in memory.
// Suitable for testing and single-instance deployments.
type MemorySink struct {
	mu      sync.RWMutex
	records []*Record
	maxSize int
	dropped int64
	closed  bool
	logger  *slog.Logger

	onAppend func(*Record)
}

// MemoryConfig configures a MemorySink.
type MemoryConfig struct {
	// MaxSize limits retained records. When full, the oldest is discarded
	// and logged in full at error level.
	// Default: 10000
	MaxSize int

	// Logger receives discarded records. Default: slog.Default()
	Logger *slog.Logger

	// OnAppend is called, under the sink lock, for every stored record.
	OnAppend func(*Record)
}

// DefaultMemoryConfig provides reasonable defaults.
var DefaultMemoryConfig = MemoryConfig{
	MaxSize: 10000,
}

// NewMemorySink creates a new in-memory sink.
func NewMemorySink(cfg MemoryConfig) *MemorySink {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMemoryConfig.MaxSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &MemorySink{
		maxSize:  cfg.MaxSize,
		logger:   cfg.Logger,
		onAppend: cfg.OnAppend,
	}
}

// Append implements Sink.
func (m *MemorySink) Append(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrSinkClosed
	}
	if len(m.records) >= m.maxSize {
		oldest := m.records[0]
		m.records[0] = nil
		m.records = m.records[1:]
		m.dropped++

		data, _ := json.Marshal(oldest)
		m.logger.Error("dead-letter memory sink full, discarding oldest record",
			slog.String("event_id", oldest.EventID),
			slog.String("reason", string(oldest.Reason)),
			slog.Int("max_size", m.maxSize),
			slog.String("record", string(data)),
		)
	}
	m.records = append(m.records, rec)

	if m.onAppend != nil {
		m.onAppend(rec)
	}
	return nil
}

// List implements Lister.
func (m *MemorySink) List(_ context.Context, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.records) {
		limit = len(m.records)
	}
	out := make([]*Record, 0, limit)
	for i := len(m.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.records[i])
	}
	return out, nil
}

// Len implements Lister.
func (m *MemorySink) Len(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records), nil
}

// Find returns the newest record for eventID.
func (m *MemorySink) Find(eventID string) (*Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.records) - 1; i >= 0; i-- {
		if m.records[i].EventID == eventID {
			return m.records[i], true
		}
	}
	return nil, false
}

// Dropped returns how many records were discarded to respect MaxSize.
func (m *MemorySink) Dropped() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dropped
}

// Close implements Sink.
func (m *MemorySink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
