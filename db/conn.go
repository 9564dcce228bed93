package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolLimits bounds the connection pool. Zero values keep the pgxpool
// defaults.
type PoolLimits struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// NewPool constructs a pgx connection pool from the connection string,
// applying any non-zero limits.
func NewPool(ctx context.Context, connString string, limits PoolLimits) (*pgxpool.Pool, error) {
	if connString == "" {
		return nil, fmt.Errorf("db: empty connection string")
	}

	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("db: parse config: %w", err)
	}
	if limits.MaxConns > 0 {
		cfg.MaxConns = limits.MaxConns
	}
	if limits.MinConns > 0 {
		cfg.MinConns = limits.MinConns
	}
	if limits.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = limits.MaxConnLifetime
	}
	if limits.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = limits.MaxConnIdleTime
	}

	return pgxpool.NewWithConfig(ctx, cfg)
}
