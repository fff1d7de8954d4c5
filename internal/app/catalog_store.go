package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"webinteract/internal/domain"
	"webinteract/internal/infra/catalog"
)

// catalogStore is the cache backend chosen by catalog.store.
type catalogStore struct {
	cache catalog.Cache
	// probe checks a remote backend; nil for local stores.
	probe func(ctx context.Context) error
	close func() error
}

func openCatalogStore(cfg CatalogConfig, logger *zap.Logger) (*catalogStore, error) {
	switch cfg.Store {
	case "", domain.CatalogStoreMemory:
		cache := catalog.NewMemoryCache()
		return &catalogStore{cache: cache, close: cache.Close}, nil
	case domain.CatalogStoreBolt:
		cache, err := catalog.OpenBoltCache(cfg.BoltPath)
		if err != nil {
			return nil, fmt.Errorf("open catalog store: %w", err)
		}
		logger.Info("catalog cache persisted to bolt", zap.String("path", cfg.BoltPath))
		return &catalogStore{cache: cache, close: cache.Close}, nil
	case domain.CatalogStoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		cache, err := catalog.NewRedisCache(catalog.RedisCacheOptions{
			Client:    client,
			KeyPrefix: cfg.Redis.KeyPrefix,
			Expiry:    redisEntryExpiry(cfg.CacheTTL),
		})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		logger.Info("catalog cache shared through redis", zap.String("address", cfg.Redis.Address))
		return &catalogStore{
			cache: cache,
			probe: cache.Ping,
			close: func() error {
				return errors.Join(cache.Close(), client.Close())
			},
		}, nil
	default:
		return nil, fmt.Errorf("unknown catalog store %q", cfg.Store)
	}
}

// redisEntryExpiry keeps entries past their TTL so stale fallback has
// something to serve.
func redisEntryExpiry(ttl time.Duration) time.Duration {
	return domain.CatalogRedisExpiryFactor * ttl
}
