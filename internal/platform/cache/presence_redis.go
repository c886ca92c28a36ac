// --- File: internal/platform/cache/presence_redis.go ---
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Nicat85/BuynityProject-sub001/pkg/delivery"
)

// redisClient defines the subset of go-redis the presence cache needs.
type redisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisPresenceCache implements delivery.PresenceCache. Each online identity
// has one key, `presence:{identity}`, holding its ConnectionInfo as JSON.
// Entries expire after ttl so a crashed instance cannot leave users online
// forever; a ttl of zero disables expiry.
type RedisPresenceCache struct {
	client redisClient
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedisPresenceCache is the constructor for the RedisPresenceCache.
func NewRedisPresenceCache(client redisClient, ttl time.Duration, logger zerolog.Logger) (*RedisPresenceCache, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	return &RedisPresenceCache{
		client: client,
		ttl:    ttl,
		logger: logger.With().Str("component", "RedisPresenceCache").Logger(),
	}, nil
}

func (c *RedisPresenceCache) Set(ctx context.Context, identity delivery.Identity, info delivery.ConnectionInfo) error {
	payload, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal presence: %w", err)
	}
	key := presenceKey(identity)
	if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		c.logger.Error().Err(err).Str("key", key).Msg("Failed to set presence.")
		return fmt.Errorf("failed to set presence: %w", err)
	}
	return nil
}

func (c *RedisPresenceCache) Fetch(ctx context.Context, identity delivery.Identity) (delivery.ConnectionInfo, error) {
	key := presenceKey(identity)
	payload, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return delivery.ConnectionInfo{}, fmt.Errorf("presence for %s: %w", identity, delivery.ErrNotFound)
	}
	if err != nil {
		return delivery.ConnectionInfo{}, fmt.Errorf("failed to get presence: %w", err)
	}

	var info delivery.ConnectionInfo
	if err := json.Unmarshal([]byte(payload), &info); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Corrupt presence entry.")
		return delivery.ConnectionInfo{}, fmt.Errorf("failed to unmarshal presence: %w", err)
	}
	return info, nil
}

func (c *RedisPresenceCache) Delete(ctx context.Context, identity delivery.Identity) error {
	if err := c.client.Del(ctx, presenceKey(identity)).Err(); err != nil {
		return fmt.Errorf("failed to delete presence: %w", err)
	}
	return nil
}

func presenceKey(identity delivery.Identity) string { return fmt.Sprintf("presence:%s", identity) }
