package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/bulk-dispatch/internal/model"
)

type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

type receiptValue struct {
	Identity string    `json:"identity"`
	SentAt   time.Time `json:"sentAt"`
}

func (c *RedisCache) StoreReceipt(ctx context.Context, jobID string, recipient model.Recipient, identityHandle string, at time.Time) error {
	key := fmt.Sprintf("receipt:%s:%s:%s", jobID, recipient.Kind, strings.ToLower(recipient.Identifier))
	val := receiptValue{
		Identity: identityHandle,
		SentAt:   at.UTC(),
	}

	b, err := json.Marshal(val)
	if err != nil {
		return err
	}

	return c.rdb.Set(ctx, key, b, c.ttl).Err()
}
