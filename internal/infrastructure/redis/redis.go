package redis

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/raceline/registration-service/internal/domain"
	"github.com/redis/go-redis/v9"
)

type Cache struct {
	Client *redis.Client
	// TTL bounds staleness of the advisory spots-left figure.
	TTL time.Duration
}

func New(addr, pass string, db int, ttl time.Duration) *Cache {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr, Password: pass, DB: db,
	})
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &Cache{Client: rdb, TTL: ttl}
}

func spotsKey(distanceID uuid.UUID) string {
	return "distance:spots:" + distanceID.String()
}

func (c *Cache) GetSpotsLeft(ctx context.Context, distanceID uuid.UUID) (int, error) {
	val, err := c.Client.Get(ctx, spotsKey(distanceID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, domain.ErrCacheMiss
		}
		return 0, err
	}
	return strconv.Atoi(val)
}

func (c *Cache) SetSpotsLeft(ctx context.Context, distanceID uuid.UUID, spots int) error {
	return c.Client.Set(ctx, spotsKey(distanceID), spots, c.TTL).Err()
}

// InvalidateSpots drops the cached figure after any write that changes the
// active count for the distance.
func (c *Cache) InvalidateSpots(ctx context.Context, distanceID uuid.UUID) error {
	return c.Client.Del(ctx, spotsKey(distanceID)).Err()
}

// AllowRequest: Simple Fixed Window Rate Limit
func (c *Cache) AllowRequest(ctx context.Context, ip string, limit int, window time.Duration) (bool, error) {
	key := "ratelimit:" + ip
	count, err := c.Client.Incr(ctx, key).Result()
	if err != nil {
		return true, nil // fail open
	}
	if count == 1 {
		_ = c.Client.Expire(ctx, key, window).Err()
	}
	return count <= int64(limit), nil
}
