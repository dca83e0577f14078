package store

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	ferrors "github.com/randalmurphal/fleetflow/pkg/fleetflow/errors"
)

// ClassifyPostgres maps a pgx error onto the failure taxonomy.
//
// write marks errors from statements that modify data. A failed write that
// may already have reached the server is indeterminate; a failed read never is.
func ClassifyPostgres(err error, op string, write bool) error {
	if err == nil {
		return nil
	}
	var catErr *ferrors.CategorizedError
	if errors.As(err, &catErr) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "42P01", "42501":
			// undefined_table and insufficient_privilege clear up once a
			// migration or grant lands, without any change to the event
			return ferrors.Retryable(err, op)
		}
		switch pgErr.Code[:min(2, len(pgErr.Code))] {
		case "22", "23", "42":
			// data exception, integrity violation, syntax or access rule
			return ferrors.Fatal(err, op)
		default:
			return ferrors.Retryable(err, op)
		}
	}

	if pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
		if write && !pgconn.SafeToRetry(err) {
			return ferrors.Indeterminate(err, op)
		}
		return ferrors.Retryable(err, op)
	}

	if write && !pgconn.SafeToRetry(err) && !errors.Is(err, context.Canceled) {
		return ferrors.Indeterminate(err, op)
	}
	return ferrors.Retryable(err, op)
}

// ClassifySQLite maps a modernc.org/sqlite error onto the failure taxonomy.
func ClassifySQLite(err error, op string) error {
	if err == nil {
		return nil
	}
	var catErr *ferrors.CategorizedError
	if errors.As(err, &catErr) {
		return err
	}

	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) {
		// extended result codes keep the primary code in the low byte
		switch sqlErr.Code() & 0xff {
		case sqlite3.SQLITE_CONSTRAINT, sqlite3.SQLITE_MISMATCH, sqlite3.SQLITE_TOOBIG, sqlite3.SQLITE_RANGE:
			return ferrors.Fatal(err, op)
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_IOERR, sqlite3.SQLITE_FULL, sqlite3.SQLITE_CANTOPEN:
			return ferrors.Retryable(err, op)
		}
	}

	if errors.Is(err, ErrStoreClosed) {
		return ferrors.Retryable(err, op)
	}
	if strings.Contains(err.Error(), "constraint failed") {
		return ferrors.Fatal(err, op)
	}
	return ferrors.Retryable(err, op)
}
