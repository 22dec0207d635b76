package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"enrichment-scheduler/internal/config"
)

// Open connects the backend named by cfg.StoreBackend. Postgres migrations are
// applied before the store is returned.
func Open(ctx context.Context, cfg config.Config) (Store, error) {
	switch cfg.StoreBackend {
	case "postgres":
		st, err := NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := st.RunMigrations(ctx); err != nil {
			_ = st.Close()
			return nil, err
		}
		return st, nil
	case "mongo":
		return NewMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		return NewRedis(client, cfg.RedisPrefix), nil
	}
	return nil, fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
}
