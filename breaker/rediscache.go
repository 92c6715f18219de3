package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache is a Cache implementation backed by go-redis, letting the hot
// Allow() path avoid a primary-database round-trip on every call. Entries
// carry a short TTL so a crashed writer's stale cache entry self-heals
// without needing an explicit invalidation.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache constructs a RedisCache. keyPrefix namespaces breaker keys
// within a shared Redis instance (e.g. "durableflow:breaker:").
func NewRedisCache(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &RedisCache{client: client, prefix: keyPrefix, ttl: ttl}
}

var _ Cache = (*RedisCache)(nil)

func (c *RedisCache) redisKey(key string) string {
	return c.prefix + key
}

func (c *RedisCache) Get(ctx context.Context, key string) (CircuitState, bool, error) {
	raw, err := c.client.Get(ctx, c.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return CircuitState{}, false, nil
	}
	if err != nil {
		return CircuitState{}, false, err
	}
	var state CircuitState
	if err := json.Unmarshal(raw, &state); err != nil {
		return CircuitState{}, false, err
	}
	return state, true, nil
}

func (c *RedisCache) Set(ctx context.Context, state CircuitState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.redisKey(state.Key), raw, c.ttl).Err()
}

func (c *RedisCache) Invalidate(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.redisKey(key)).Err()
}
