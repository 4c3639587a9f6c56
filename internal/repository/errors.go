package repository

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Storage errors. Callers match them with errors.Is.
var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
	ErrTransient = errors.New("transient storage error")
	ErrImmutable = errors.New("completed section ledger entry is immutable")
)

// Postgres error codes worth retrying.
var transientCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
	"57014": true, // query_canceled (statement_timeout)
	"53300": true, // too_many_connections
	"57P01": true, // admin_shutdown
	"08000": true,
	"08003": true,
	"08006": true,
}

// classify wraps a driver error with the matching storage sentinel.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "23505" {
			return fmt.Errorf("%w: %w", ErrDuplicate, err)
		}
		if transientCodes[pgErr.Code] {
			return fmt.Errorf("%w: %w", ErrTransient, err)
		}
		return err
	}

	var connErr *pgconn.ConnectError
	var netErr net.Error
	switch {
	case errors.As(err, &connErr),
		errors.As(err, &netErr),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, context.DeadlineExceeded),
		pgconn.SafeToRetry(err),
		pgconn.Timeout(err):
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return err
}

// IsTransient reports whether a retry of the whole unit of work may succeed.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
