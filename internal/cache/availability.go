// Package cache provides an optional Redis read-through cache for resolved
// availability. A nil *Cache is a no-op, so callers never branch on
// whether Redis is configured.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"vitalsync/internal/models"
)

// Cache stores resolved availability keyed by professional and date range.
type Cache struct {
	redis *redis.Client
	ttl   time.Duration
}

// New creates a cache. Returns nil when the client is nil or the TTL is
// not positive, which disables caching.
func New(client *redis.Client, ttl time.Duration) *Cache {
	if client == nil || ttl <= 0 {
		return nil
	}
	return &Cache{redis: client, ttl: ttl}
}

func key(professionalID int64, startDate, endDate string) string {
	return fmt.Sprintf("availability:%d:%s:%s", professionalID, startDate, endDate)
}

func setKey(professionalID int64) string {
	return fmt.Sprintf("availability:keys:%d", professionalID)
}

// Get returns cached slots, or false on miss.
func (c *Cache) Get(ctx context.Context, professionalID int64, startDate, endDate string) ([]models.BookableInterval, bool) {
	if c == nil {
		return nil, false
	}
	val, err := c.redis.Get(ctx, key(professionalID, startDate, endDate)).Result()
	if err != nil {
		return nil, false
	}
	var slots []models.BookableInterval
	if err := json.Unmarshal([]byte(val), &slots); err != nil {
		return nil, false
	}
	return slots, true
}

// Set stores slots and tracks the key for later invalidation.
func (c *Cache) Set(ctx context.Context, professionalID int64, startDate, endDate string, slots []models.BookableInterval) {
	if c == nil {
		return
	}
	data, err := json.Marshal(slots)
	if err != nil {
		return
	}
	k := key(professionalID, startDate, endDate)
	_ = c.redis.Set(ctx, k, data, c.ttl).Err()
	_ = c.redis.SAdd(ctx, setKey(professionalID), k).Err()
	_ = c.redis.Expire(ctx, setKey(professionalID), c.ttl).Err()
}

// Invalidate drops all cached availability for a professional. Called on
// every block or appointment write that can change their availability.
func (c *Cache) Invalidate(ctx context.Context, professionalID int64) {
	if c == nil {
		return
	}
	keys, err := c.redis.SMembers(ctx, setKey(professionalID)).Result()
	if err != nil || len(keys) == 0 {
		return
	}
	_ = c.redis.Del(ctx, append(keys, setKey(professionalID))...).Err()
}
