// Package postgres is the durable job store, backed by PostgreSQL through pgx.
//
// Jobs live in training_jobs with their configuration blobs as JSONB columns;
// assets live in training_assets and are removed with their job by
// ON DELETE CASCADE. Every mutation of a job row happens inside a transaction
// that holds the row lock (SELECT ... FOR UPDATE) for the whole
// read-modify-write.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect creates a connection pool to PostgreSQL.
func Connect(ctx context.Context, databaseURL string, maxConns int) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}
