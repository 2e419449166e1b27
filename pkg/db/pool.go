// Package db stores operation descriptors in Postgres via pgx.
package db

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

const logPrefix = "db:pool"

const (
	catalogMaxConns = 4
	catalogMinConns = 1
)

// NewPool creates a new pgx connection pool from the given database URL.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	slog.Info(fmt.Sprintf("%s - Connecting to database", logPrefix))

	config, err := poolConfig(databaseURL)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to create pool: %w", logPrefix, err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s - failed to ping database: %w", logPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Database connection established", logPrefix))
	return pool, nil
}

// poolConfig parses databaseURL and sizes the pool for a catalog that is read
// once at startup and written by seed runs only. Explicit pool_max_conns and
// pool_min_conns URL parameters win.
func poolConfig(databaseURL string) (*pgxpool.Config, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to parse database URL: %w", logPrefix, err)
	}
	query := ""
	if u, err := url.Parse(databaseURL); err == nil {
		query = u.RawQuery
	}
	if !strings.Contains(query, "pool_max_conns") {
		config.MaxConns = catalogMaxConns
	}
	if !strings.Contains(query, "pool_min_conns") {
		config.MinConns = catalogMinConns
	}
	return config, nil
}
