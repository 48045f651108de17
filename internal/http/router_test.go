package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fjod/go_cart/shop-service/internal/cache"
	"github.com/fjod/go_cart/shop-service/internal/domain"
	"github.com/fjod/go_cart/shop-service/internal/gateway"
	"github.com/fjod/go_cart/shop-service/internal/service"
	"github.com/fjod/go_cart/shop-service/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testShop struct {
	router http.Handler
	store  *store.MemoryStore
	lamp   int64
	alice  string
	bob    string
	admin  string
}

func newTestShop(t *testing.T) *testShop {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })
	st.AddUser(domain.User{Username: "alice", Email: "alice@example.com"})
	st.AddUser(domain.User{Username: "bob", Email: "bob@example.com"})
	st.AddUser(domain.User{Username: "admin", Email: "admin@example.com", Role: domain.RoleAdmin})
	lamp := st.AddProduct(domain.Product{Name: "Desk lamp", Price: domain.MustMoney("10.00"), Stock: 5, Active: true})

	cartCache := cache.NewRedisCache(client)
	carts := service.NewCartService(st, cartCache, nil)
	orders := service.NewOrderService(st, cartCache, cache.NewOrderRedisCache(client), nil, service.DefaultPageSize)
	payments := service.NewPaymentService(st, orders, gateway.NewSimulated(gateway.OddDigitDecider{}, 0), nil)

	router := NewRouter(RouterConfig{
		Carts:          carts,
		Orders:         orders,
		Payments:       payments,
		JWTSecret:      testSecret,
		RequestTimeout: 5 * time.Second,
		Ping:           st.Ping,
	})

	return &testShop{
		router: router,
		store:  st,
		lamp:   lamp,
		alice:  signToken(t, testSecret, "alice", domain.RoleUser, time.Hour),
		bob:    signToken(t, testSecret, "bob", domain.RoleUser, time.Hour),
		admin:  signToken(t, testSecret, "admin", domain.RoleAdmin, time.Hour),
	}
}

// do sends body as JSON. headers alternate name and value.
func (s *testShop) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func bearer(token string) []string {
	return []string{"Authorization", "Bearer " + token}
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

func paymentBody(orderID int64, amount, card string) map[string]any {
	return map[string]any{
		"order_id": orderID,
		"amount":   amount,
		"card": map[string]string{
			"number": card,
			"expiry": "12/39",
			"cvv":    "123",
			"holder": "Alice",
		},
	}
}

func TestRouter_Health(t *testing.T) {
	shop := newTestShop(t)

	rec := shop.do(t, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestRouter_HealthReportsStoreFailure(t *testing.T) {
	router := NewRouter(RouterConfig{
		RequestTimeout: time.Second,
		Ping:           func(context.Context) error { return errors.New("connection refused") },
	})
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRouter_CheckoutFlow(t *testing.T) {
	shop := newTestShop(t)
	cartToken := []string{CartTokenHeader, "tok-1"}

	rec := shop.do(t, http.MethodPost, "/api/v1/cart/items", map[string]any{"product_id": shop.lamp, "quantity": 1}, cartToken...)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	anonCart := decodeBody[domain.Cart](t, rec)
	require.Len(t, anonCart.Items, 1)
	assert.Equal(t, "anon:tok-1", anonCart.Owner)

	rec = shop.do(t, http.MethodPost, "/api/v1/orders", map[string]any{"shipping_address": "Calle Mayor 1"}, bearer(shop.alice)...)
	assert.Equal(t, http.StatusConflict, rec.Code, "alice's own cart is still empty")

	rec = shop.do(t, http.MethodPost, "/api/v1/cart/merge", nil, append(bearer(shop.alice), cartToken...)...)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	merged := decodeBody[domain.Cart](t, rec)
	require.Len(t, merged.Items, 1)
	assert.Equal(t, "user:alice", merged.Owner)

	rec = shop.do(t, http.MethodPost, "/api/v1/orders", map[string]any{
		"shipping_address": "Calle Mayor 1, Madrid",
		"taxes":            "1.50",
		"shipping":         "3.00",
	}, bearer(shop.alice)...)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	order := decodeBody[domain.Order](t, rec)
	assert.Equal(t, domain.OrderStatusPending, order.Status)
	assert.True(t, order.Total.Equal(decimal.RequireFromString("14.50")), order.Total.String())
	assert.Equal(t, 4, shop.store.Stock(shop.lamp))
	orderPath := fmt.Sprintf("/api/v1/orders/%d", order.ID)

	rec = shop.do(t, http.MethodPost, "/api/v1/payments", paymentBody(order.ID, "14.50", "4111111111111111"), bearer(shop.alice)...)
	require.Equal(t, http.StatusPaymentRequired, rec.Code, rec.Body.String())
	declined := decodeBody[domain.PaymentResult](t, rec)
	assert.False(t, declined.Approved)
	assert.Equal(t, domain.PaymentStatusFailed, declined.Status)

	rec = shop.do(t, http.MethodPost, "/api/v1/payments", paymentBody(order.ID, "14.50", "4111111111111112"), bearer(shop.alice)...)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	approved := decodeBody[domain.PaymentResult](t, rec)
	assert.True(t, approved.Approved)
	assert.Equal(t, domain.OrderStatusPaid, approved.OrderStatus)

	shipPath := fmt.Sprintf("/api/v1/admin/orders/%d/ship", order.ID)
	rec = shop.do(t, http.MethodPost, shipPath, map[string]string{"tracking_number": "TRK-1"}, bearer(shop.alice)...)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = shop.do(t, http.MethodPost, shipPath, map[string]string{"tracking_number": "TRK-1"}, bearer(shop.admin)...)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.OrderStatusShipped, decodeBody[domain.Order](t, rec).Status)

	rec = shop.do(t, http.MethodGet, orderPath, nil, bearer(shop.alice)...)
	require.Equal(t, http.StatusOK, rec.Code)
	final := decodeBody[domain.Order](t, rec)
	assert.Equal(t, domain.OrderStatusShipped, final.Status)
	assert.Len(t, final.Payments, 2)

	rec = shop.do(t, http.MethodGet, orderPath, nil, bearer(shop.bob)...)
	assert.Equal(t, http.StatusForbidden, rec.Code)


	rec = shop.do(t, http.MethodPost, orderPath+"/cancel", nil, bearer(shop.alice)...)
	assert.Equal(t, http.StatusOK, rec.Code, "shipped orders can still be cancelled")
	assert.Equal(t, 5, shop.store.Stock(shop.lamp))
}

func TestRouter_Authentication(t *testing.T) {
	shop := newTestShop(t)

	tests := []struct {
		name    string
		method  string
		path    string
		headers []string
		want    int
	}{
		{"cart without identity", http.MethodGet, "/api/v1/cart", nil, http.StatusUnauthorized},
		{"anonymous cart", http.MethodGet, "/api/v1/cart", []string{CartTokenHeader, "tok-2"}, http.StatusOK},
		{"orders need a user", http.MethodGet, "/api/v1/orders", []string{CartTokenHeader, "tok-2"}, http.StatusUnauthorized},
		{"merge needs a user", http.MethodPost, "/api/v1/cart/merge", []string{CartTokenHeader, "tok-2"}, http.StatusUnauthorized},
		{"garbage token", http.MethodGet, "/api/v1/orders", []string{"Authorization", "Bearer nope"}, http.StatusUnauthorized},
		{"expired token", http.MethodGet, "/api/v1/orders", bearer(signToken(t, testSecret, "alice", domain.RoleUser, -time.Minute)), http.StatusUnauthorized},
		{"user lists own orders", http.MethodGet, "/api/v1/orders", bearer(shop.alice), http.StatusOK},
		{"user on admin route", http.MethodGet, "/api/v1/admin/orders", bearer(shop.alice), http.StatusForbidden},
		{"admin lists all orders", http.MethodGet, "/api/v1/admin/orders", bearer(shop.admin), http.StatusOK},
		{"unknown order", http.MethodGet, "/api/v1/orders/404", bearer(shop.alice), http.StatusNotFound},
		{"bad order id", http.MethodGet, "/api/v1/orders/abc", bearer(shop.alice), http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := shop.do(t, tt.method, tt.path, nil, tt.headers...)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestRouter_AdminStatusUpdate(t *testing.T) {
	shop := newTestShop(t)

	rec := shop.do(t, http.MethodPost, "/api/v1/cart/items", map[string]any{"product_id": shop.lamp, "quantity": 2}, bearer(shop.alice)...)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = shop.do(t, http.MethodPost, "/api/v1/orders", map[string]any{"shipping_address": "Calle Mayor 1"}, bearer(shop.alice)...)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	order := decodeBody[domain.Order](t, rec)
	statusPath := fmt.Sprintf("/api/v1/admin/orders/%d/status", order.ID)

	rec = shop.do(t, http.MethodPut, statusPath, map[string]string{"status": "PERDIDA"}, bearer(shop.admin)...)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = shop.do(t, http.MethodPut, statusPath, map[string]string{"status": string(domain.OrderStatusCancelled)}, bearer(shop.admin)...)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 5, shop.store.Stock(shop.lamp))

	rec = shop.do(t, http.MethodPut, statusPath, map[string]string{"status": string(domain.OrderStatusPaid)}, bearer(shop.admin)...)
	assert.Equal(t, http.StatusConflict, rec.Code)
}
