package tracker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache is a CompletionCache backed by Redis lists with key expiry,
// letting a client that reconnects to a different node still pick up a
// recent completion.
type RedisCache struct {
	client     *redis.Client
	prefix     string
	ttl        time.Duration
	perSession int64
}

func NewRedisCache(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisCache {
	if keyPrefix == "" {
		keyPrefix = "notify:"
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{
		client:     client,
		prefix:     keyPrefix,
		ttl:        ttl,
		perSession: DefaultCachePerSession,
	}
}

func (c *RedisCache) key(sessionID string) string { return c.prefix + "cache:" + sessionID }

func (c *RedisCache) Put(ctx context.Context, sessionID string, frame []byte) error {
	key := c.key(sessionID)
	pipe := c.client.TxPipeline()
	pipe.RPush(ctx, key, frame)
	pipe.LTrim(ctx, key, -c.perSession, -1)
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache completion: %w", err)
	}
	return nil
}

// takeScript atomically reads and deletes the session's cached frames so two
// reconnecting listeners don't both replay them.
var takeScript = redis.NewScript(`
local frames = redis.call('LRANGE', KEYS[1], 0, -1)
redis.call('DEL', KEYS[1])
return frames
`)

func (c *RedisCache) Take(ctx context.Context, sessionID string) ([][]byte, error) {
	res, err := takeScript.Run(ctx, c.client, []string{c.key(sessionID)}).StringSlice()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("take cached completions: %w", err)
	}
	out := make([][]byte, 0, len(res))
	for _, s := range res {
		out = append(out, []byte(s))
	}
	return out, nil
}

var _ CompletionCache = (*RedisCache)(nil)
