package perm

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
)

const redisKeyPrefix = "clinicore:perm:"

// RedisCache is a Cache backed by a shared Redis instance, letting several
// application nodes see the same decisions and invalidations.
type RedisCache struct {
	client *redis.Client
}

var _ Cache = (*RedisCache)(nil)

// NewRedisCache wraps an existing Redis client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key string) (*CacheEntry, bool) {
	data, err := c.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		return nil, false
	}
	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false
	}
	return &entry, true
}

func (c *RedisCache) Set(ctx context.Context, key string, entry CacheEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	namespaced := redisKeyPrefix + key
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, namespaced, data, entry.TTL)
	for _, tag := range entry.Dependencies {
		tagKey := redisKeyPrefix + "tag:" + tag
		pipe.SAdd(ctx, tagKey, namespaced)
		// Tag sets outlive their members slightly; expired members are
		// harmless because invalidation just deletes absent keys.
		pipe.Expire(ctx, tagKey, entry.TTL+time.Minute)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (c *RedisCache) InvalidateByTag(ctx context.Context, tag string) error {
	tagKey := redisKeyPrefix + "tag:" + tag
	keys, err := c.client.SMembers(ctx, tagKey).Result()
	if err != nil {
		return err
	}
	pipe := c.client.TxPipeline()
	if len(keys) > 0 {
		pipe.Del(ctx, keys...)
	}
	pipe.Del(ctx, tagKey)
	_, err = pipe.Exec(ctx)
	return err
}

func (c *RedisCache) Flush(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, redisKeyPrefix+"*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}
