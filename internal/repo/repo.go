// Package repo provides typed Postgres accessors (C12) for every entity
// in the data model: users, scholar profiles, publications and their
// identifiers, scholar-publication links, crawl runs, and the PDF job
// queue. Every method is context-scoped. Methods that run inside a
// caller's transaction (advisory lock, run insert, publication upserts)
// take an explicit pgx.Tx so callers control transaction boundaries; the
// rest run directly on the pool.
package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Pool wraps the pgx connection pool with the advisory-lock namespace
// the run engine uses for its per-user lock (spec §4.5 Phase B).
type Pool struct {
	*pgxpool.Pool
	AdvisoryLockNamespace int32
}

// NewPool builds a Pool from a DSN.
func NewPool(ctx context.Context, dsn string, maxConns int32, advisoryLockNamespace int32) (*Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pgx config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	return &Pool{Pool: pool, AdvisoryLockNamespace: advisoryLockNamespace}, nil
}

// TryAdvisoryLock attempts pg_try_advisory_xact_lock(namespace, userID)
// on tx, returning false if another session already holds it. The lock
// is released automatically when tx commits or rolls back.
func TryAdvisoryLock(ctx context.Context, tx pgx.Tx, namespace int32, userID int64) (bool, error) {
	var acquired bool
	if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1, $2)`, namespace, userID).Scan(&acquired); err != nil {
		return false, fmt.Errorf("try advisory lock: %w", err)
	}
	return acquired, nil
}
