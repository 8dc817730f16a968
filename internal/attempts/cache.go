package attempts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/trainhub/portal/internal/models"
)

const resultKeyPrefix = "portal:attempt:result:"

// RedisResultCache stores finalize results in Redis with a TTL.
type RedisResultCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisResultCache creates a result cache.
func NewRedisResultCache(client *redis.Client, ttl time.Duration) *RedisResultCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisResultCache{client: client, ttl: ttl}
}

func resultKey(takerID, attemptID uuid.UUID) string {
	return resultKeyPrefix + takerID.String() + ":" + attemptID.String()
}

// Get returns the cached result or ErrCacheMiss.
func (c *RedisResultCache) Get(ctx context.Context, takerID, attemptID uuid.UUID) (*models.Result, error) {
	raw, err := c.client.Get(ctx, resultKey(takerID, attemptID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var res models.Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode cached result: %w", err)
	}
	return &res, nil
}

// Set caches res.
func (c *RedisResultCache) Set(ctx context.Context, takerID uuid.UUID, res *models.Result) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return c.client.Set(ctx, resultKey(takerID, res.AttemptID), raw, c.ttl).Err()
}
