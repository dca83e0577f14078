package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/randalmurphal/fleetflow/pkg/fleetflow/event"
)

// schemaSQL is embedded so the processor can bootstrap its own schema.
//
//go:embed schema.sql
var schemaSQL string

// PostgresRepository persists events to PostgreSQL through a pgx pool.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository connects to dsn and fails fast if the database is
// unreachable.
func NewPostgresRepository(ctx context.Context, dsn string) (*PostgresRepository, error) {
	pool, err := NewPostgresPool(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &PostgresRepository{pool: pool}, nil
}

// NewPostgresRepositoryFromPool wraps an existing pool. Close will close it.
func NewPostgresRepositoryFromPool(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// NewPostgresPool creates a pgx pool and pings it.
func NewPostgresPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// EnsureSchema applies schema.sql. Safe to run multiple times.
func (p *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Insert implements Repository.
//
// Duplicates are absorbed by the primary key: RETURNING yields a row only
// when the insert happened.
func (p *PostgresRepository) Insert(ctx context.Context, ev *event.Event) (bool, error) {
	var one int
	err := p.pool.QueryRow(ctx, `
		INSERT INTO vehicle_events (
			event_id, vehicle_id, occurred_at, latitude, longitude, speed, status,
			trip_id, place, fare, distance_km
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''), $10, $11)
		ON CONFLICT (event_id) DO NOTHING
		RETURNING 1
	`,
		ev.ID, ev.VehicleID, ev.OccurredAt, ev.Latitude, ev.Longitude, ev.Speed, string(ev.Status),
		ev.TripID, ev.Place, ev.Fare, ev.DistanceKm,
	).Scan(&one)

	if err == nil {
		return true, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return false, ClassifyPostgres(err, "insert event", true)
}

// Exists implements Repository.
func (p *PostgresRepository) Exists(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM vehicle_events WHERE event_id = $1)
	`, eventID).Scan(&exists)
	if err != nil {
		return false, ClassifyPostgres(err, "probe event", false)
	}
	return exists, nil
}

// Ping implements Repository.
func (p *PostgresRepository) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close implements Repository.
func (p *PostgresRepository) Close() error {
	p.pool.Close()
	return nil
}
