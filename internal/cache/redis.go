package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/momentos/cafe-core/internal/config"
)

// onlineCountTTL bounds how stale the cached roster size can get; the DB
// remains the source of truth.
const onlineCountTTL = time.Minute

type RedisCache struct {
	Client *redis.Client
}

// NewRedisCache initializes Redis client from config.
// Only Addr is mandatory, Password/DB are optional.
func NewRedisCache(cfg *config.Config) *RedisCache {
	opts := &redis.Options{
		Addr: cfg.Redis.Addr,
	}
	if cfg.Redis.Password != "" {
		opts.Password = cfg.Redis.Password
	}
	if cfg.Redis.DB != 0 {
		opts.DB = cfg.Redis.DB
	}
	return &RedisCache{Client: redis.NewClient(opts)}
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.Client.Ping(ctx).Err()
}

func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return c.Client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.Client.Get(ctx, key).Result()
}

func (c *RedisCache) Del(ctx context.Context, key string) error {
	return c.Client.Del(ctx, key).Err()
}

// KeyForOnlineCount is the cache key for the lobby's online-user count.
func (c *RedisCache) KeyForOnlineCount() string {
	return "presence:online_count"
}

// UpdateOnlineCount stores the latest roster size with a fresh TTL.
func (c *RedisCache) UpdateOnlineCount(ctx context.Context, count int64) error {
	return c.Client.Set(ctx, c.KeyForOnlineCount(), count, onlineCountTTL).Err()
}

// GetOnlineCount reads the cached roster size; found=false on a miss.
func (c *RedisCache) GetOnlineCount(ctx context.Context) (int64, bool, error) {
	val, err := c.Client.Get(ctx, c.KeyForOnlineCount()).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil // cache miss
	} else if err != nil {
		return 0, false, err
	}
	// refresh TTL on access
	_ = c.Client.Expire(ctx, c.KeyForOnlineCount(), onlineCountTTL).Err()
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, nil
	}
	return n, true, nil
}
