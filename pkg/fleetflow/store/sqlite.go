package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/randalmurphal/fleetflow/pkg/fleetflow/event"
)

// SQLiteRepository persists events to SQLite.
// It is suitable for single-process deployments and the in-process demo.
type SQLiteRepository struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteRepository opens (or creates) the events table at path.
// The path should be a file path (e.g., "./events.db") or ":memory:" for testing.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	db, err := OpenSQLite(path)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS vehicle_events (
			event_id    TEXT PRIMARY KEY,
			vehicle_id  TEXT NOT NULL,
			occurred_at TEXT NOT NULL,
			latitude    REAL NOT NULL CHECK (latitude BETWEEN -90 AND 90),
			longitude   REAL NOT NULL CHECK (longitude BETWEEN -180 AND 180),
			speed       REAL NOT NULL CHECK (speed >= 0),
			status      TEXT NOT NULL,
			trip_id     TEXT,
			place       TEXT,
			fare        REAL CHECK (fare IS NULL OR fare >= 0),
			distance_km REAL CHECK (distance_km IS NULL OR distance_km >= 0),
			ingested_at TEXT NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_vehicle_events_vehicle
		ON vehicle_events(vehicle_id, occurred_at)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

// OpenSQLite opens a SQLite database in WAL mode. Shared by every SQLite-backed
// component so that they can point at the same file.
func OpenSQLite(path string) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" && !strings.Contains(path, "?") {
		// pragmas in the DSN apply to every pooled connection
		dsn = path + "?_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// a :memory: database exists per connection
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	return db, nil
}

// Insert implements Repository.
func (s *SQLiteRepository) Insert(ctx context.Context, ev *event.Event) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false, ClassifySQLite(ErrStoreClosed, "insert event")
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO vehicle_events (
			event_id, vehicle_id, occurred_at, latitude, longitude, speed, status,
			trip_id, place, fare, distance_km, ingested_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING
	`,
		ev.ID, ev.VehicleID, ev.OccurredAt.UTC().Format(time.RFC3339Nano),
		ev.Latitude, ev.Longitude, ev.Speed, string(ev.Status),
		nullString(ev.TripID), nullString(ev.Place), ev.Fare, ev.DistanceKm,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return false, ClassifySQLite(err, "insert event")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, ClassifySQLite(err, "insert event")
	}
	return n == 1, nil
}

// Exists implements Repository.
func (s *SQLiteRepository) Exists(ctx context.Context, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false, ClassifySQLite(ErrStoreClosed, "probe event")
	}

	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM vehicle_events WHERE event_id = ?
	`, eventID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, ClassifySQLite(err, "probe event")
	}
	return true, nil
}

// Get loads a stored event. Returns ErrNotFound when absent.
func (s *SQLiteRepository) Get(ctx context.Context, eventID string) (*event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var (
		ev                 event.Event
		occurredAt, status string
		tripID, place      sql.NullString
		fare, distance     sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT event_id, vehicle_id, occurred_at, latitude, longitude, speed, status,
		       trip_id, place, fare, distance_km
		FROM vehicle_events WHERE event_id = ?
	`, eventID).Scan(
		&ev.ID, &ev.VehicleID, &occurredAt, &ev.Latitude, &ev.Longitude, &ev.Speed, &status,
		&tripID, &place, &fare, &distance,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load event: %w", err)
	}

	ev.OccurredAt, err = time.Parse(time.RFC3339Nano, occurredAt)
	if err != nil {
		return nil, fmt.Errorf("parse occurred_at: %w", err)
	}
	ev.Status = event.Status(status)
	ev.TripID = tripID.String
	ev.Place = place.String
	if fare.Valid {
		ev.Fare = &fare.Float64
	}
	if distance.Valid {
		ev.DistanceKm = &distance.Float64
	}
	return &ev, nil
}

// Count returns the number of stored events.
func (s *SQLiteRepository) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrStoreClosed
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vehicle_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// Ping implements Repository.
func (s *SQLiteRepository) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return s.db.PingContext(ctx)
}

// Close implements Repository.
func (s *SQLiteRepository) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
