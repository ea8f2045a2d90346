package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"apotekpos/backend/internal/domain"
)

const supplierListKey = "catalog:suppliers"

type RedisCatalogCache struct {
	client *redis.Client
}

func NewRedisCatalogCache(addr string, password string, db int) *RedisCatalogCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisCatalogCache{client: client}
}

func (c *RedisCatalogCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCatalogCache) Close() error {
	return c.client.Close()
}

func (c *RedisCatalogCache) GetSuppliers(ctx context.Context) ([]domain.Supplier, bool, error) {
	val, err := c.client.Get(ctx, supplierListKey).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var suppliers []domain.Supplier
	if err := json.Unmarshal([]byte(val), &suppliers); err != nil {
		return nil, false, err
	}
	return suppliers, true, nil
}

func (c *RedisCatalogCache) SetSuppliers(ctx context.Context, suppliers []domain.Supplier, ttl time.Duration) error {
	payload, err := json.Marshal(suppliers)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, supplierListKey, payload, ttl).Err()
}

func (c *RedisCatalogCache) InvalidateSuppliers(ctx context.Context) error {
	return c.client.Del(ctx, supplierListKey).Err()
}
