// Package postgres is the Postgres backend: connection setup, schema and the circulation
// transaction store.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"shelfsync/internal/apperr"
)

//go:embed schema.sql
var schema string

// schemaLockID serialises Migrate across services booting at the same time.
const schemaLockID = 7_340_112

// Postgres error codes translated by the store.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
	codeUniqueViolation      = "23505"
)

// Pool holds connection pool settings.
type Pool struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

func DefaultPool() Pool {
	return Pool{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnectTimeout:  30 * time.Second,
	}
}

// Open connects to dsn, retrying with exponential backoff until the database answers or
// pool.ConnectTimeout passes.
func Open(ctx context.Context, dsn string, pool Pool, logger *slog.Logger) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, db.PingContext(ctx)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(pool.ConnectTimeout),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logger.WarnContext(ctx, "database not ready, retrying", slog.Any("error", err), slog.Duration("backoff", wait))
		}),
	)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return db, nil
}

// Migrate creates any missing tables and indexes.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockID); err != nil {
		return fmt.Errorf("lock schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return tx.Commit()
}

// translate maps Postgres failures onto the apperr vocabulary. Lock timeouts, deadlocks and
// serialization failures become retryable transaction conflicts.
func translate(err error) error {
	var pqErr *pq.Error
	if err == nil || apperr.KindOf(err) != apperr.KindInternal || !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
		return fmt.Errorf("%w: %s", apperr.ErrTxConflict, pqErr.Message)
	case codeUniqueViolation:
		return apperr.Wrap(apperr.KindConflict, err, "conflicting row (%s)", pqErr.Constraint)
	default:
		return err
	}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == codeUniqueViolation
}
