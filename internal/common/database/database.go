// Package database opens the PostgreSQL pool behind the ownership feed.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/kandev/agentstream/internal/common/config"
	"github.com/kandev/agentstream/internal/common/logger"
)

const connectTimeout = 10 * time.Second

// DB owns a pgxpool.Pool. The feed holds one connection for LISTEN, so the
// pool needs at least two.
type DB struct {
	pool   *pgxpool.Pool
	logger *logger.Logger
}

// NewDB opens a pool from cfg and pings it before returning.
func NewDB(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	poolConfig.MaxConns = int32(max(cfg.MaxConns, 2))
	if cfg.MinConns > 0 {
		poolConfig.MinConns = int32(cfg.MinConns)
	}
	poolConfig.ConnConfig.ConnectTimeout = connectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database %s: %w", cfg.DBName, err)
	}

	log = log.WithFields(zap.String("component", "database"), zap.String("database", cfg.DBName))
	log.Debug("connection pool ready", zap.Int32("max_conns", poolConfig.MaxConns))
	return &DB{pool: pool, logger: log}, nil
}

// Pool returns the underlying pool.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Close closes the pool. Safe to call more than once.
func (db *DB) Close() {
	if db.pool == nil {
		return
	}
	stat := db.pool.Stat()
	db.pool.Close()
	db.pool = nil
	db.logger.Debug("connection pool closed", zap.Int32("acquired_conns", stat.AcquiredConns()))
}
