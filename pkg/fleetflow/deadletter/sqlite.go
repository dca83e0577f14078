package deadletter

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/randalmurphal/fleetflow/pkg/fleetflow/store"
)

// SQLiteSink persists records to a SQLite table. It can share a database
// file with the event repository.
type SQLiteSink struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteSink opens (or creates) the dead_letters table at path.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	db, err := store.OpenSQLite(path)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS dead_letters (
			id               TEXT PRIMARY KEY,
			event_id         TEXT NOT NULL,
			vehicle_id       TEXT NOT NULL,
			reason           TEXT NOT NULL,
			dead_lettered_at INTEGER NOT NULL,
			record           BLOB NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_dead_letters_time
		ON dead_letters(dead_lettered_at)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	return &SQLiteSink{db: db}, nil
}

// Append implements Sink.
func (s *SQLiteSink) Append(ctx context.Context, rec *Record) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrSinkClosed
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode dead-letter record: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (id, event_id, vehicle_id, reason, dead_lettered_at, record)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, rec.ID, rec.EventID, rec.VehicleID, string(rec.Reason), rec.DeadLetteredAt.UnixNano(), data)
	if err != nil {
		return store.ClassifySQLite(err, "append dead letter")
	}
	return nil
}

// List implements Lister.
func (s *SQLiteSink) List(ctx context.Context, limit int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrSinkClosed
	}
	if limit <= 0 {
		limit = -1 // no limit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT record FROM dead_letters
		ORDER BY dead_lettered_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// Len implements Lister.
func (s *SQLiteSink) Len(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrSinkClosed
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return n, nil
}

// Close implements Sink.
func (s *SQLiteSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Compile-time interface checks.
var (
	_ Sink   = (*MemorySink)(nil)
	_ Lister = (*MemorySink)(nil)
	_ Sink   = (*SQLiteSink)(nil)
	_ Lister = (*SQLiteSink)(nil)
	_ Sink   = (*KafkaSink)(nil)
)
