package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const logPrefix = "cache:redis"

// DefaultKeyPrefix namespaces router entries in a shared Redis.
const DefaultKeyPrefix = "capability-router:resolution:"

// RedisParams configures a Redis-backed cache.
type RedisParams struct {
	Client    redis.UniversalClient
	KeyPrefix string
	TTL       time.Duration
}

// Redis is a Cache shared between router processes.
type Redis struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedis creates a Redis cache over an existing client.
func NewRedis(p RedisParams) *Redis {
	prefix := p.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Redis{client: p.Client, prefix: prefix, ttl: p.TTL}
}

// NewRedisFromURL parses a redis:// URL and creates a cache over a new client.
func NewRedisFromURL(ctx context.Context, rawURL string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%s - parse url: %w", logPrefix, err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%s - ping: %w", logPrefix, err)
	}
	return NewRedis(RedisParams{Client: client, TTL: ttl}), nil
}

// Get returns the cached value for key.
func (r *Redis) Get(ctx context.Context, key string) (map[string]any, bool) {
	raw, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Warn(fmt.Sprintf("%s - get %s: %v", logPrefix, key, err))
		}
		return nil, false
	}
	var value map[string]any
	if err := json.Unmarshal(raw, &value); err != nil {
		slog.Warn(fmt.Sprintf("%s - decode %s: %v", logPrefix, key, err))
		return nil, false
	}
	return value, true
}

// Set stores value under key.
func (r *Redis) Set(ctx context.Context, key string, value map[string]any) {
	raw, err := json.Marshal(value)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - encode %s: %v", logPrefix, key, err))
		return
	}
	if err := r.client.Set(ctx, r.prefix+key, raw, r.ttl).Err(); err != nil {
		slog.Warn(fmt.Sprintf("%s - set %s: %v", logPrefix, key, err))
	}
}

// Close releases the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Ping checks that the backend answers.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
