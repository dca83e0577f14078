package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/randalmurphal/fleetflow/pkg/fleetflow/store"
)

// SQLiteStore persists idempotency records to SQLite.
// Timestamps are stored as Unix nanoseconds so that Prune compares integers.
type SQLiteStore struct {
	db     *sql.DB
	opts   options
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore creates a new SQLite idempotency store.
// The path should be a file path or ":memory:" for testing.
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	db, err := store.OpenSQLite(path)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS idempotency_records (
			event_id     TEXT PRIMARY KEY,
			status       TEXT NOT NULL CHECK (status IN ('pending', 'committed')),
			claimed_at   INTEGER NOT NULL,
			committed_at INTEGER
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_idempotency_committed
		ON idempotency_records(committed_at)
		WHERE status = 'committed'
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	return &SQLiteStore{db: db, opts: applyOptions(opts)}, nil
}

// BeginProcessing implements Store.
func (s *SQLiteStore) BeginProcessing(ctx context.Context, eventID string) (Outcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, store.ClassifySQLite(ErrStoreClosed, "begin processing")
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_records (event_id, status, claimed_at)
		VALUES (?, 'pending', ?)
		ON CONFLICT(event_id) DO NOTHING
	`, eventID, s.opts.now().UnixNano())
	if err != nil {
		return 0, store.ClassifySQLite(err, "begin processing")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, store.ClassifySQLite(err, "begin processing")
	}
	if n == 1 {
		return OutcomeProceed, nil
	}

	var status string
	err = s.db.QueryRowContext(ctx, `
		SELECT status FROM idempotency_records WHERE event_id = ?
	`, eventID).Scan(&status)
	if err != nil {
		return 0, store.ClassifySQLite(err, "begin processing")
	}
	if Status(status) == StatusCommitted {
		return OutcomeAlreadyCommitted, nil
	}
	return OutcomeAlreadyPending, nil
}

// Commit implements Store.
func (s *SQLiteStore) Commit(ctx context.Context, eventID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return store.ClassifySQLite(ErrStoreClosed, "commit")
	}

	now := s.opts.now().UnixNano()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_records (event_id, status, claimed_at, committed_at)
		VALUES (?, 'committed', ?, ?)
		ON CONFLICT(event_id) DO UPDATE SET
			status = 'committed',
			committed_at = excluded.committed_at
		WHERE idempotency_records.status = 'pending'
	`, eventID, now, now)
	if err != nil {
		return store.ClassifySQLite(err, "commit")
	}
	return nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, eventID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Record{}, ErrStoreClosed
	}

	var (
		status      string
		claimedAt   int64
		committedAt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT status, claimed_at, committed_at
		FROM idempotency_records WHERE event_id = ?
	`, eventID).Scan(&status, &claimedAt, &committedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("load record: %w", err)
	}

	rec := Record{
		EventID:   eventID,
		Status:    Status(status),
		ClaimedAt: time.Unix(0, claimedAt).UTC(),
	}
	if committedAt.Valid {
		rec.CommittedAt = time.Unix(0, committedAt.Int64).UTC()
	}
	return rec, nil
}

// Prune implements Store.
func (s *SQLiteStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency_records
		WHERE status = 'committed' AND committed_at < ?
	`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune records: %w", err)
	}
	return int(n), nil
}

// Ping implements Store.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return s.db.PingContext(ctx)
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
