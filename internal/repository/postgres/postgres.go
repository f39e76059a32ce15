// Package postgres implements the repository interfaces on PostgreSQL using pgx.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Pool is the subset of pgxpool.Pool used by the repositories
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool Pool
}

// New creates a new PostgreSQL connection pool
func New(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// NewWithPool wraps an existing pool
func NewWithPool(pool Pool) *DB {
	return &DB{Pool: pool}
}

const schema = `
CREATE TABLE IF NOT EXISTS papers (
	id          BIGSERIAL PRIMARY KEY,
	title       VARCHAR(500) NOT NULL,
	authors     TEXT NOT NULL DEFAULT '',
	year        INTEGER,
	filename    VARCHAR(255) NOT NULL UNIQUE,
	file_path   VARCHAR(500) NOT NULL DEFAULT '',
	total_pages INTEGER NOT NULL DEFAULT 0,
	upload_date TIMESTAMPTZ NOT NULL DEFAULT now(),
	processed   INTEGER NOT NULL DEFAULT 0,
	chunk_count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS queries (
	id            UUID PRIMARY KEY,
	question      TEXT NOT NULL,
	answer        TEXT NOT NULL DEFAULT '',
	paper_ids     BIGINT[],
	top_k         INTEGER NOT NULL DEFAULT 5,
	response_time DOUBLE PRECISION NOT NULL DEFAULT 0,
	confidence    DOUBLE PRECISION NOT NULL DEFAULT 0,
	sources_used  TEXT[] NOT NULL DEFAULT '{}',
	citations     JSONB,
	cached        BOOLEAN NOT NULL DEFAULT false,
	status        VARCHAR(32) NOT NULL DEFAULT 'ok',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS queries_created_at_idx ON queries (created_at DESC);
CREATE INDEX IF NOT EXISTS queries_paper_ids_idx ON queries USING GIN (paper_ids);
`

// Migrate creates the tables if they do not exist
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Ping verifies the database is reachable
func (db *DB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Close closes the connection pool
func (db *DB) Close() {
	db.Pool.Close()
}
