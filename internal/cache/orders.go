package cache

import (
	"context"
	"fmt"

	"github.com/fjod/go_cart/shop-service/internal/domain"
	"github.com/redis/go-redis/v9"
)

const listPattern = "orders:*"

// OrderRedisCache shares the TTL policy of RedisCache.
type OrderRedisCache struct {
	RedisCache
}

func NewOrderRedisCache(client *redis.Client) *OrderRedisCache {
	return &OrderRedisCache{RedisCache: *NewRedisCache(client)}
}

func (r OrderRedisCache) GetOrder(ctx context.Context, id int64) (*domain.Order, error) {
	var order domain.Order
	if err := r.getJSON(ctx, orderKey(id), &order); err != nil {
		return nil, err
	}
	return &order, nil
}

func (r OrderRedisCache) SetOrder(ctx context.Context, order *domain.Order) error {
	return r.setJSON(ctx, orderKey(order.ID), order)
}

func (r OrderRedisCache) GetOrderList(ctx context.Context, key ListKey) ([]*domain.Order, error) {
	var orders []*domain.Order
	if err := r.getJSON(ctx, key.String(), &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

func (r OrderRedisCache) SetOrderList(ctx context.Context, key ListKey, orders []*domain.Order) error {
	return r.setJSON(ctx, key.String(), orders)
}

func (r OrderRedisCache) InvalidateOrder(ctx context.Context, id int64) error {
	if err := r.client.Del(ctx, orderKey(id)).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}

	var batch []string
	iter := r.client.Scan(ctx, 0, listPattern, 100).Iterator()
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 100 {
			if err := r.client.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("redis delete failed: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan failed: %w", err)
	}
	if len(batch) > 0 {
		if err := r.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("redis delete failed: %w", err)
		}
	}
	return nil
}

func orderKey(id int64) string {
	return fmt.Sprintf("order:%d", id)
}
