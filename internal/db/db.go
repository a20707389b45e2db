// Package db provides the shared Postgres connection pool used by the
// pgstore backend and the HTTP health check, adapted from the teacher's
// pgxpool usage in cmd/geo-index/main.go.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps a pgxpool.Pool.
type DB struct {
	Pool *pgxpool.Pool
}

// New connects to Postgres using uri, applying a conservative pool
// configuration suitable for a tile-serving workload (many small
// short-lived queries).
func New(ctx context.Context, uri string) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(uri)
	if err != nil {
		return nil, fmt.Errorf("db: parse connection string: %w", err)
	}

	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 10 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("db: connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db: ping: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close releases all pooled connections.
func (d *DB) Close() {
	d.Pool.Close()
}

// Health reports whether the database is reachable.
func (d *DB) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := d.Pool.Ping(ctx); err != nil {
		return fmt.Errorf("db: health check failed: %w", err)
	}
	return nil
}
