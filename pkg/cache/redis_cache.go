// Package cache stores upstream news responses in Redis so repeated queries
// do not spend API key quota.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/abdhe/newsfeed-gateway/pkg/newsapi"
)

const keyPrefix = "newsfeed:response:"

// RedisCache wraps a Redis client for storing and retrieving upstream responses.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache creates a new Redis-backed response cache.
func NewRedisCache(addr, password string, db int, ttl time.Duration) *RedisCache {
	return &RedisCache{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		ttl: ttl,
	}
}

// Get retrieves a cached response by target URL.
// Returns the response and true if found, or zero value and false if not.
func (r *RedisCache) Get(ctx context.Context, target string) (newsapi.Response, bool, error) {
	val, err := r.client.Get(ctx, KeyFor(target)).Bytes()
	if errors.Is(err, redis.Nil) {
		return newsapi.Response{}, false, nil
	}
	if err != nil {
		return newsapi.Response{}, false, fmt.Errorf("redis_cache: get: %w", err)
	}

	var resp newsapi.Response
	if err := json.Unmarshal(val, &resp); err != nil {
		return newsapi.Response{}, false, fmt.Errorf("redis_cache: unmarshal: %w", err)
	}

	return resp, true, nil
}

// Set stores a response under its target URL with the configured TTL.
func (r *RedisCache) Set(ctx context.Context, target string, resp newsapi.Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("redis_cache: marshal: %w", err)
	}

	if err := r.client.Set(ctx, KeyFor(target), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis_cache: set: %w", err)
	}

	return nil
}

// Ping checks the Redis connection.
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (r *RedisCache) Close() error {
	return r.client.Close()
}

// KeyFor returns the Redis key for a target URL. Targets never carry the API
// key, so cached entries are shared across keys.
func KeyFor(target string) string {
	hash := sha256.Sum256([]byte(target))
	return fmt.Sprintf("%s%x", keyPrefix, hash[:16])
}
