package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kandev/agentstream/internal/common/config"
	"github.com/kandev/agentstream/internal/common/database"
	"github.com/kandev/agentstream/internal/common/logger"
	"github.com/kandev/agentstream/internal/ownership"
)

// provideOwnershipFeed builds the configured ownership feed. The returned
// cleanup releases whatever the feed holds.
func provideOwnershipFeed(ctx context.Context, cfg *config.Config, log *logger.Logger) (ownership.Feed, func(), error) {
	switch cfg.Ownership.Backend {
	case "", "memory":
		log.Info("Using in-memory ownership feed")
		return ownership.NewMemory(log), func() {}, nil
	case "postgres":
		db, err := database.NewDB(ctx, cfg.Database, log)
		if err != nil {
			return nil, nil, err
		}
		feed, err := ownership.NewPostgres(db.Pool(), ownership.PostgresOptions{
			Channel:        cfg.Ownership.Channel,
			ResyncInterval: cfg.Ownership.ResyncIntervalDuration(),
		}, log)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		if cfg.Ownership.EnsureSchema {
			if err := feed.EnsureSchema(ctx); err != nil {
				db.Close()
				return nil, nil, err
			}
		}
		log.Info("Connected to PostgreSQL ownership feed",
			zap.String("host", cfg.Database.Host),
			zap.String("database", cfg.Database.DBName))
		return feed, db.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown ownership backend %q", cfg.Ownership.Backend)
	}
}
