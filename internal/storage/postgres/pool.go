// Package postgres persists price rows and the job archive in Postgres
// through a bounded pgx pool.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultTable          = "market_prices"
	defaultAcquireTimeout = 30 * time.Second
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the connection pool and the stores built on it.
type Config struct {
	DSN                   string `mapstructure:"dsn"`
	Table                 string `mapstructure:"table"`
	MaxConns              int32  `mapstructure:"max_conns"`
	AcquireTimeoutSeconds int    `mapstructure:"acquire_timeout_seconds"`
	AutoMigrate           bool   `mapstructure:"auto_migrate"`
	ArchiveJobs           bool   `mapstructure:"archive_jobs"`
}

// AcquireTimeout bounds how long one operation may wait for a connection
// plus run.
func (c Config) AcquireTimeout() time.Duration {
	if c.AcquireTimeoutSeconds <= 0 {
		return defaultAcquireTimeout
	}
	return time.Duration(c.AcquireTimeoutSeconds) * time.Second
}

// Pool is the subset of pgxpool.Pool the stores use. pgxmock satisfies it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Connect opens a pool and checks it with a ping.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, cfg.AcquireTimeout())
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

func execAll(ctx context.Context, pool Pool, statements []string) error {
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}
	return nil
}
