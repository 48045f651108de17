package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/fjod/go_cart/shop-service/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockCartService struct {
	m        sync.RWMutex
	cart     *domain.Cart
	err      error
	lastID   domain.Identity
	lastItem int64
	lastQty  int
	mergedBy string
}

func (s *mockCartService) record(id domain.Identity, item int64, qty int) (*domain.Cart, error) {
	s.m.Lock()
	defer s.m.Unlock()
	s.lastID, s.lastItem, s.lastQty = id, item, qty
	if s.err != nil {
		return nil, s.err
	}
	return s.cart, nil
}

func (s *mockCartService) GetCart(_ context.Context, id domain.Identity) (*domain.Cart, error) {
	return s.record(id, 0, 0)
}

func (s *mockCartService) AddItem(_ context.Context, id domain.Identity, productID int64, quantity int) (*domain.Cart, error) {
	return s.record(id, productID, quantity)
}

func (s *mockCartService) UpdateItemQuantity(_ context.Context, id domain.Identity, itemID int64, quantity int) (*domain.Cart, error) {
	return s.record(id, itemID, quantity)
}

func (s *mockCartService) RemoveItem(_ context.Context, id domain.Identity, itemID int64) (*domain.Cart, error) {
	return s.record(id, itemID, 0)
}

func (s *mockCartService) Clear(_ context.Context, id domain.Identity) (*domain.Cart, error) {
	return s.record(id, 0, 0)
}

func (s *mockCartService) MergeAnonymousIntoUser(_ context.Context, anonToken, username string) (*domain.Cart, error) {
	s.m.Lock()
	s.mergedBy = username
	s.m.Unlock()
	return s.record(domain.AnonymousIdentity(anonToken), 0, 0)
}

func withPrincipal(r *http.Request, p Principal) *http.Request {
	return r.WithContext(WithPrincipal(r.Context(), p))
}

func withURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestCartHandler_GetCart(t *testing.T) {
	svc := &mockCartService{cart: &domain.Cart{ID: 7, Owner: "anon:tok-1", Items: []domain.CartItem{}}}
	handler := NewCartHandler(svc, 5*time.Second)
	rec := httptest.NewRecorder()
	req := withPrincipal(httptest.NewRequest(http.MethodGet, "/", nil), Principal{CartToken: "tok-1"})

	handler.GetCart(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var cart domain.Cart
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&cart))
	assert.Equal(t, int64(7), cart.ID)
	assert.Equal(t, domain.AnonymousIdentity("tok-1"), svc.lastID)
}

func TestCartHandler_AddItem(t *testing.T) {
	svc := &mockCartService{cart: domain.NewEmptyCart("user:alice")}
	handler := NewCartHandler(svc, 5*time.Second)
	body := bytes.NewBufferString(`{"product_id": 3, "quantity": 2}`)
	rec := httptest.NewRecorder()
	req := withPrincipal(httptest.NewRequest(http.MethodPost, "/", body), Principal{Username: "alice"})

	handler.AddItem(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, int64(3), svc.lastItem)
	assert.Equal(t, 2, svc.lastQty)
	assert.Equal(t, domain.UserIdentity("alice"), svc.lastID)
}

func TestCartHandler_AddItemBadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
		code string
	}{
		{"invalid json", `{"product_id":`, "invalid_request"},
		{"empty body", ``, "invalid_request"},
		{"missing product", `{"quantity": 1}`, "invalid_product_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewCartHandler(&mockCartService{}, 5*time.Second)
			rec := httptest.NewRecorder()
			req := withPrincipal(httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(tt.body)), Principal{Username: "alice"})

			handler.AddItem(rec, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.code, decodeError(t, rec).Code)
		})
	}
}

func TestCartHandler_ServiceErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantMsg    string
	}{
		{"validation", domain.Validation("quantity must be at least 1"), http.StatusBadRequest, "quantity must be at least 1"},
		{"not found", domain.NotFound("cart item 9 not found"), http.StatusNotFound, "cart item 9 not found"},
		{"conflict", domain.Conflict("insufficient stock"), http.StatusConflict, "insufficient stock"},
		{"forbidden", domain.Forbidden("nope"), http.StatusForbidden, "nope"},
		{"unavailable", domain.Unavailable(errors.New("dial tcp"), "try later"), http.StatusServiceUnavailable, "try later"},
		{"internal hides detail", domain.Internal(errors.New("pq: relation missing"), "update cart item failed"), http.StatusInternalServerError, "internal server error"},
		{"plain error", errors.New("boom"), http.StatusInternalServerError, "internal server error"},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout, "request timed out"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewCartHandler(&mockCartService{err: tt.err}, 5*time.Second)
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPut, "/", bytes.NewBufferString(`{"quantity": 1}`))
			req = withURLParam(withPrincipal(req, Principal{Username: "alice"}), "item_id", "9")

			handler.UpdateQuantity(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantMsg, decodeError(t, rec).Error)
		})
	}
}

func TestCartHandler_RemoveItemInvalidID(t *testing.T) {
	handler := NewCartHandler(&mockCartService{}, 5*time.Second)
	rec := httptest.NewRecorder()
	req := withURLParam(withPrincipal(httptest.NewRequest(http.MethodDelete, "/", nil), Principal{Username: "alice"}), "item_id", "abc")

	handler.RemoveItem(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_item_id", decodeError(t, rec).Code)
}

func TestCartHandler_MergeTokenFromBody(t *testing.T) {
	svc := &mockCartService{cart: domain.NewEmptyCart("user:alice")}
	handler := NewCartHandler(svc, 5*time.Second)
	rec := httptest.NewRecorder()
	req := withPrincipal(httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"cart_token":"tok-9"}`)), Principal{Username: "alice"})

	handler.Merge(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.AnonymousIdentity("tok-9"), svc.lastID)
	assert.Equal(t, "alice", svc.mergedBy)
}
