package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"webinteract/internal/domain"
)

const DefaultRedisKeyPrefix = "webinteract:catalog:"

type RedisCacheOptions struct {
	Client    *redis.Client
	KeyPrefix string
	// Expiry bounds how long Redis keeps an entry. It should exceed the
	// freshness TTL so a stale entry is still available to the fallback policy.
	Expiry time.Duration
}

type RedisCache struct {
	rdb    *redis.Client
	prefix string
	expiry time.Duration
}

type redisRecord struct {
	FetchedAt time.Time               `json:"fetchedAt"`
	Tools     []domain.ToolDescriptor `json:"tools"`
}

func NewRedisCache(opts RedisCacheOptions) (*RedisCache, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = DefaultRedisKeyPrefix
	}
	return &RedisCache{rdb: opts.Client, prefix: prefix, expiry: opts.Expiry}, nil
}

func (c *RedisCache) key(origin string) string {
	return c.prefix + origin
}

func (c *RedisCache) Get(ctx context.Context, origin string) (domain.CatalogEntry, bool, error) {
	raw, err := c.rdb.Get(ctx, c.key(origin)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.CatalogEntry{}, false, nil
	}
	if err != nil {
		return domain.CatalogEntry{}, false, fmt.Errorf("redis get catalog %s: %w", origin, err)
	}
	var record redisRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return domain.CatalogEntry{}, false, fmt.Errorf("decode catalog %s: %w", origin, err)
	}
	return domain.CatalogEntry{Origin: origin, Tools: record.Tools, FetchedAt: record.FetchedAt}, true, nil
}

func (c *RedisCache) Set(ctx context.Context, entry domain.CatalogEntry) error {
	raw, err := json.Marshal(redisRecord{FetchedAt: entry.FetchedAt, Tools: entry.Tools})
	if err != nil {
		return fmt.Errorf("encode catalog %s: %w", entry.Origin, err)
	}
	if err := c.rdb.Set(ctx, c.key(entry.Origin), raw, c.expiry).Err(); err != nil {
		return fmt.Errorf("redis set catalog %s: %w", entry.Origin, err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, origin string) error {
	if err := c.rdb.Del(ctx, c.key(origin)).Err(); err != nil {
		return fmt.Errorf("redis delete catalog %s: %w", origin, err)
	}
	return nil
}

// Ping reports whether the backing Redis is reachable.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close leaves the client open; its owner closes it.
func (c *RedisCache) Close() error {
	return nil
}

var _ Cache = (*RedisCache)(nil)
