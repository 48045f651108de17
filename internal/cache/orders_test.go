package cache

import (
	"context"
	"fmt"
	"testing"

	"github.com/fjod/go_cart/shop-service/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOrder(id int64, username string) *domain.Order {
	o := &domain.Order{
		ID:              id,
		Number:          fmt.Sprintf("ORD-%d", id),
		Username:        username,
		Status:          domain.OrderStatusPending,
		ShippingAddress: "Main St 1",
	}
	o.AddDetail(domain.NewOrderDetail(&domain.Product{ID: 7, Name: "Lamp", Price: domain.MustMoney("10.00")}, 2))
	return o
}

func TestOrderCache_RoundTrip(t *testing.T) {
	client, _ := setupTestRedis(t)
	cache := NewOrderRedisCache(client)
	ctx := context.Background()

	_, err := cache.GetOrder(ctx, 1)
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, cache.SetOrder(ctx, testOrder(1, "alice")))

	got, err := cache.GetOrder(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "ORD-1", got.Number)
	assert.Equal(t, "20.00", got.Total.StringFixed(2))
	require.Len(t, got.Details, 1)
}

func TestOrderCache_InvalidateDropsEveryListPage(t *testing.T) {
	client, mr := setupTestRedis(t)
	cache := NewOrderRedisCache(client)
	ctx := context.Background()

	keys := []ListKey{
		{Username: "alice", Page: domain.Page{Page: 0, Size: 10}},
		{Username: "alice", Page: domain.Page{Page: 1, Size: 10}},
		{Username: "bob", Page: domain.Page{Page: 0, Size: 5}},
		{Page: domain.Page{Page: 0, Size: 20}},
	}
	for _, k := range keys {
		require.NoError(t, cache.SetOrderList(ctx, k, []*domain.Order{testOrder(1, "alice")}))
	}
	for i := 0; i < 250; i++ {
		require.NoError(t, cache.SetOrderList(ctx, ListKey{Username: "carol", Page: domain.Page{Page: i, Size: 1}}, nil))
	}
	require.NoError(t, cache.SetOrder(ctx, testOrder(1, "alice")))
	require.NoError(t, cache.SetOrder(ctx, testOrder(2, "bob")))
	require.NoError(t, mr.Set("cart:user:alice", "{}"))

	require.NoError(t, cache.InvalidateOrder(ctx, 1))

	for _, k := range keys {
		_, err := cache.GetOrderList(ctx, k)
		assert.ErrorIs(t, err, ErrCacheMiss, k.String())
	}
	_, err := cache.GetOrder(ctx, 1)
	assert.ErrorIs(t, err, ErrCacheMiss)
	_, err = cache.GetOrder(ctx, 2)
	assert.NoError(t, err)
	assert.True(t, mr.Exists("cart:user:alice"))
	assert.Len(t, mr.Keys(), 2)
}

func TestListKey_Format(t *testing.T) {
	assert.Equal(t, "orders:user:alice:2:10", ListKey{Username: "alice", Page: domain.Page{Page: 2, Size: 10}}.String())
	assert.Equal(t, "orders:all:0:20", ListKey{Page: domain.Page{Size: 20}}.String())
}
