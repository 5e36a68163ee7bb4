package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"restopos/backend/internal/domain"
)

const stockKeyPrefix = "restopos:stock:"

type RedisStockCache struct {
	client *redis.Client
}

func NewRedisStockCache(addr string, password string, db int) *RedisStockCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisStockCache{client: client}
}

func (c *RedisStockCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisStockCache) Close() error {
	return c.client.Close()
}

func (c *RedisStockCache) GetItem(ctx context.Context, itemID string) (*domain.InventoryItem, bool, error) {
	val, err := c.client.Get(ctx, stockKeyPrefix+itemID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var item domain.InventoryItem
	if err := json.Unmarshal([]byte(val), &item); err != nil {
		return nil, false, err
	}
	return &item, true, nil
}

func (c *RedisStockCache) SetItem(ctx context.Context, item domain.InventoryItem, ttl time.Duration) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, stockKeyPrefix+item.ID, payload, ttl).Err()
}

func (c *RedisStockCache) Invalidate(ctx context.Context, itemIDs ...string) error {
	if len(itemIDs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(itemIDs))
	for _, id := range itemIDs {
		keys = append(keys, stockKeyPrefix+id)
	}
	return c.client.Del(ctx, keys...).Err()
}
