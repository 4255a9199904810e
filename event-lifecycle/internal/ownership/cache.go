// Package ownership caches ownership and role checks per (resource, user) and evicts them
// whenever a write changes who owns or manages a resource.
//
// Eviction is a best-effort scan-then-delete over the resource's key namespace. A read that
// started before an eviction may still return the old decision; entries also expire after
// their TTL, which bounds staleness when an eviction fails.
package ownership

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stagepass/platform/event-lifecycle/internal/metrics"
)

// Lookup answers ownership and role questions for a resource.
type Lookup interface {
	IsOwner(ctx context.Context, resourceID, userID uuid.UUID) (bool, error)
	HasRole(ctx context.Context, resourceID, userID uuid.UUID, role string) (bool, error)
}

// Evictor drops every cached decision for a resource.
type Evictor interface {
	EvictResource(ctx context.Context, resourceID uuid.UUID) error
}

// NopEvictor is used when lookups are not cached.
type NopEvictor struct{}

func (NopEvictor) EvictResource(context.Context, uuid.UUID) error { return nil }

const keyPrefix = "ownership:"

func ownerKey(resourceID, userID uuid.UUID) string {
	return fmt.Sprintf("%s%s:%s:owner", keyPrefix, resourceID, userID)
}

func roleKey(resourceID, userID uuid.UUID, role string) string {
	return fmt.Sprintf("%s%s:%s:role:%s", keyPrefix, resourceID, userID, role)
}

func resourcePattern(resourceID uuid.UUID) string {
	return fmt.Sprintf("%s%s:*", keyPrefix, resourceID)
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Connect opens a Redis client and verifies it answers.
func Connect(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

// Cache is a read-through Redis cache in front of a Lookup. Redis errors fall back to the
// source so an unavailable cache never denies a request on its own.
type Cache struct {
	client *redis.Client
	source Lookup
	ttl    time.Duration
	log    zerolog.Logger
}

func NewCache(client *redis.Client, source Lookup, ttl time.Duration, logger zerolog.Logger) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{client: client, source: source, ttl: ttl, log: logger}
}

func (c *Cache) IsOwner(ctx context.Context, resourceID, userID uuid.UUID) (bool, error) {
	return c.readThrough(ctx, ownerKey(resourceID, userID), func(ctx context.Context) (bool, error) {
		return c.source.IsOwner(ctx, resourceID, userID)
	})
}

func (c *Cache) HasRole(ctx context.Context, resourceID, userID uuid.UUID, role string) (bool, error) {
	return c.readThrough(ctx, roleKey(resourceID, userID, role), func(ctx context.Context) (bool, error) {
		return c.source.HasRole(ctx, resourceID, userID, role)
	})
}

func (c *Cache) readThrough(ctx context.Context, key string, load func(context.Context) (bool, error)) (bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		metrics.OwnershipCacheTotal.WithLabelValues("hit").Inc()
		return val == "1", nil
	case err == redis.Nil:
		metrics.OwnershipCacheTotal.WithLabelValues("miss").Inc()
	default:
		metrics.OwnershipCacheTotal.WithLabelValues("error").Inc()
		c.log.Warn().Err(err).Str("key", key).Msg("redis get failed")
	}

	decision, err := load(ctx)
	if err != nil {
		return false, err
	}
	stored := "0"
	if decision {
		stored = "1"
	}
	if err := c.client.Set(ctx, key, stored, c.ttl).Err(); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("redis set failed")
	}
	return decision, nil
}

// EvictResource deletes every cached decision for resourceID.
func (c *Cache) EvictResource(ctx context.Context, resourceID uuid.UUID) error {
	var (
		cursor  uint64
		evicted int
	)
	pattern := resourcePattern(resourceID)
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("scan %s: %w", pattern, err)
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("delete %d keys for %s: %w", len(keys), resourceID, err)
			}
			evicted += len(keys)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	metrics.OwnershipCacheTotal.WithLabelValues("evicted").Add(float64(evicted))
	c.log.Debug().Str("resource_id", resourceID.String()).Int("keys", evicted).Msg("ownership cache evicted")
	return nil
}
