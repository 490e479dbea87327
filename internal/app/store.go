// Package app opens the venue store and shared clients selected by
// configuration. Both binaries use it.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/onnwee/boogie/internal/config"
	"github.com/onnwee/boogie/internal/db"
	"github.com/onnwee/boogie/internal/follow"
	"github.com/onnwee/boogie/internal/venue"
)

// redisPingTimeout bounds the startup connectivity check.
const redisPingTimeout = 5 * time.Second

// Backend is an opened venue store plus the connections behind it.
type Backend struct {
	Store venue.Store
	// Follows lives in the same backend as Store.
	Follows follow.Repository

	// DB is set for the postgres store.
	DB *sql.DB
	// Redis is set for the redis store, or whenever REDIS_URL is configured
	// so rate limiting and idempotency can share it.
	Redis *redis.Client

	closers []func() error
}

// StoreConfig maps service configuration onto venue store settings.
func StoreConfig(cfg *config.Config, logger *slog.Logger) venue.StoreConfig {
	return venue.StoreConfig{
		Logger: logger,
		Retry: venue.RetryPolicy{
			MaxAttempts: cfg.VibeMaxRetries,
			BaseDelay:   cfg.RetryBaseDelay(),
			MaxDelay:    cfg.RetryMaxDelay(),
		},
	}
}

// Open connects the backend named by cfg.StoreBackend. Postgres schemas are
// migrated before the store is returned.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Backend{}

	if cfg.RedisURL != "" {
		client, err := openRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		b.Redis = client
		b.closers = append(b.closers, client.Close)
	}

	storeCfg := StoreConfig(cfg, logger)

	switch cfg.StoreBackend {
	case config.StoreMemory:
		b.Store = venue.NewInMemoryStore(storeCfg)
		b.Follows = follow.NewInMemoryRepository()
	case config.StorePostgres:
		conn, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		b.DB = conn
		b.closers = append(b.closers, conn.Close)
		if _, err := db.Migrate(ctx, conn, logger); err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		b.Store = venue.NewPostgresStore(conn, storeCfg)
		b.Follows = follow.NewPostgresRepository(conn)
	case config.StoreRedis:
		if b.Redis == nil {
			return nil, config.ErrMissingRedisURL
		}
		b.Store = venue.NewRedisStore(b.Redis, storeCfg)
		b.Follows = follow.NewRedisRepository(b.Redis)
	default:
		_ = b.Close()
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidStoreBackend, cfg.StoreBackend)
	}

	logger.Info("venue store opened", slog.String("backend", cfg.StoreBackend))
	return b, nil
}

// Close releases every connection opened by Open.
func (b *Backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

// SeedFromFile loads a YAML venue file into repo. An empty path is a no-op.
func SeedFromFile(ctx context.Context, repo venue.Repository, path string, logger *slog.Logger) error {
	if path == "" {
		return nil
	}
	venues, err := venue.LoadSeedFile(path)
	if err != nil {
		return err
	}
	return venue.SeedAll(ctx, repo, venues, logger)
}

func openRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}
