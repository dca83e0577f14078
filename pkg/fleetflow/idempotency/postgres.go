package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/randalmurphal/fleetflow/pkg/fleetflow/store"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS idempotency_records (
    event_id     TEXT PRIMARY KEY,
    status       TEXT NOT NULL CHECK (status IN ('pending', 'committed')),
    claimed_at   TIMESTAMPTZ NOT NULL,
    committed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_idempotency_committed
    ON idempotency_records (committed_at)
    WHERE status = 'committed';
`

// PostgresStore persists idempotency records to PostgreSQL. It is the store to
// use when several processor instances consume the same stream.
type PostgresStore struct {
	pool *pgxpool.Pool
	opts options
	owns bool
}

// NewPostgresStore connects to dsn and owns the resulting pool.
func NewPostgresStore(ctx context.Context, dsn string, opts ...Option) (*PostgresStore, error) {
	pool, err := store.NewPostgresPool(ctx, dsn)
	if err != nil {
		return nil, err
	}
	s := NewPostgresStoreFromPool(pool, opts...)
	s.owns = true
	return s, nil
}

// NewPostgresStoreFromPool shares a pool with other components. Close leaves
// the pool open.
func NewPostgresStoreFromPool(pool *pgxpool.Pool, opts ...Option) *PostgresStore {
	return &PostgresStore{pool: pool, opts: applyOptions(opts)}
}

// EnsureSchema creates the records table. Safe to run multiple times.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("apply idempotency schema: %w", err)
	}
	return nil
}

// BeginProcessing implements Store.
func (s *PostgresStore) BeginProcessing(ctx context.Context, eventID string) (Outcome, error) {
	var one int
	err := s.pool.QueryRow(ctx, `
		INSERT INTO idempotency_records (event_id, status, claimed_at)
		VALUES ($1, 'pending', $2)
		ON CONFLICT (event_id) DO NOTHING
		RETURNING 1
	`, eventID, s.opts.now().UTC()).Scan(&one)
	if err == nil {
		return OutcomeProceed, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		// the claim either landed or not; a retry will observe which
		return 0, store.ClassifyPostgres(err, "begin processing", false)
	}

	var status string
	err = s.pool.QueryRow(ctx, `
		SELECT status FROM idempotency_records WHERE event_id = $1
	`, eventID).Scan(&status)
	if err != nil {
		return 0, store.ClassifyPostgres(err, "begin processing", false)
	}
	if Status(status) == StatusCommitted {
		return OutcomeAlreadyCommitted, nil
	}
	return OutcomeAlreadyPending, nil
}

// Commit implements Store.
func (s *PostgresStore) Commit(ctx context.Context, eventID string) error {
	now := s.opts.now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO idempotency_records (event_id, status, claimed_at, committed_at)
		VALUES ($1, 'committed', $2, $2)
		ON CONFLICT (event_id) DO UPDATE SET
			status = 'committed',
			committed_at = EXCLUDED.committed_at
		WHERE idempotency_records.status = 'pending'
	`, eventID, now)
	if err != nil {
		return store.ClassifyPostgres(err, "commit", false)
	}
	return nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, eventID string) (Record, error) {
	var (
		status      string
		claimedAt   time.Time
		committedAt *time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT status, claimed_at, committed_at
		FROM idempotency_records WHERE event_id = $1
	`, eventID).Scan(&status, &claimedAt, &committedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("load record: %w", err)
	}

	rec := Record{EventID: eventID, Status: Status(status), ClaimedAt: claimedAt.UTC()}
	if committedAt != nil {
		rec.CommittedAt = committedAt.UTC()
	}
	return rec, nil
}

// Prune implements Store.
func (s *PostgresStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM idempotency_records
		WHERE status = 'committed' AND committed_at < $1
	`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune records: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Ping implements Store.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	if s.owns {
		s.pool.Close()
	}
	return nil
}

// Compile-time interface checks.
var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
