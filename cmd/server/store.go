package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/edudashpro/presence/backend-go/internal/config"
	"github.com/edudashpro/presence/backend-go/internal/db"
	"github.com/edudashpro/presence/backend-go/internal/presence"
	"github.com/edudashpro/presence/backend-go/internal/store/natskv"
	"github.com/edudashpro/presence/backend-go/internal/store/postgres"
	redisstore "github.com/edudashpro/presence/backend-go/internal/store/redis"
)

// openStore connects the configured backend and prepares its server-side
// upsert procedure. The returned func releases the connection.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (presence.Store, func(), error) {
	logger = logger.With("backend", cfg.Backend)

	switch cfg.Backend {
	case config.BackendPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		store := postgres.New(pool, logger)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		return store, pool.Close, nil

	case config.BackendRedis:
		rdb, err := redisstore.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		store := redisstore.New(rdb, logger)
		if cfg.RedisLoadFunction {
			// Without the function library writes fall back to plain hash writes.
			if err := store.LoadFunction(ctx); err != nil {
				logger.Warn("load presence function", "error", err)
			}
		}
		return store, func() { rdb.Close() }, nil

	case config.BackendNATS:
		nc, err := natskv.Connect(cfg.NATSURL, cfg.OTelServiceName, logger)
		if err != nil {
			return nil, nil, err
		}
		store, err := natskv.New(nc, logger)
		if err != nil {
			nc.Close()
			return nil, nil, err
		}
		if cfg.NATSServeUpsert {
			if _, err := store.ServeUpsert(); err != nil {
				nc.Close()
				return nil, nil, fmt.Errorf("serve presence.upsert: %w", err)
			}
		}
		return store, func() { nc.Drain() }, nil
	}
	return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}
