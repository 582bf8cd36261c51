package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"vbtix/internal/logger"
	"vbtix/internal/models"

	"github.com/go-redis/redis/v8"
)

const availabilityKeyPrefix = "availability:"

// RedisCache is a short-TTL read-through cache for the availability
// read model. Cache misses and redis failures degrade silently to a
// database read; the ledger invalidates the key on every counter
// mutation so a stale entry cannot outlive a sale.
type RedisCache struct {
	Client *redis.Client
	TTL    time.Duration
	Log    *logger.Logger
}

func NewRedisCache(client *redis.Client, ttl time.Duration, log *logger.Logger) *RedisCache {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &RedisCache{Client: client, TTL: ttl, Log: log}
}

func (c *RedisCache) GetAvailability(ctx context.Context, ticketTypeID string) (*models.Availability, bool) {
	raw, err := c.Client.Get(ctx, availabilityKeyPrefix+ticketTypeID).Result()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		c.Log.Warn("CACHE", fmt.Sprintf("availability read failed for %s: %v", ticketTypeID, err))
		return nil, false
	}

	var availability models.Availability
	if err := json.Unmarshal([]byte(raw), &availability); err != nil {
		c.Log.Warn("CACHE", fmt.Sprintf("corrupt availability entry for %s: %v", ticketTypeID, err))
		return nil, false
	}
	return &availability, true
}

func (c *RedisCache) SetAvailability(ctx context.Context, availability *models.Availability) {
	raw, err := json.Marshal(availability)
	if err != nil {
		return
	}
	if err := c.Client.Set(ctx, availabilityKeyPrefix+availability.TicketTypeID, raw, c.TTL).Err(); err != nil {
		c.Log.Warn("CACHE", fmt.Sprintf("availability write failed for %s: %v", availability.TicketTypeID, err))
	}
}

func (c *RedisCache) Invalidate(ctx context.Context, ticketTypeID string) {
	if err := c.Client.Del(ctx, availabilityKeyPrefix+ticketTypeID).Err(); err != nil {
		c.Log.Warn("CACHE", fmt.Sprintf("availability invalidate failed for %s: %v", ticketTypeID, err))
	}
}
