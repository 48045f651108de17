package http

import (
	"context"
	"net/http"
	"time"

	"github.com/fjod/go_cart/shop-service/internal/domain"
)

type CartService interface {
	GetCart(ctx context.Context, id domain.Identity) (*domain.Cart, error)
	AddItem(ctx context.Context, id domain.Identity, productID int64, quantity int) (*domain.Cart, error)
	UpdateItemQuantity(ctx context.Context, id domain.Identity, itemID int64, quantity int) (*domain.Cart, error)
	RemoveItem(ctx context.Context, id domain.Identity, itemID int64) (*domain.Cart, error)
	Clear(ctx context.Context, id domain.Identity) (*domain.Cart, error)
	MergeAnonymousIntoUser(ctx context.Context, anonToken, username string) (*domain.Cart, error)
}

type CartHandler struct {
	carts   CartService
	timeout time.Duration
}

func NewCartHandler(carts CartService, timeout time.Duration) *CartHandler {
	return &CartHandler{
		carts:   carts,
		timeout: timeout,
	}
}

type AddItemRequestDTO struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

type UpdateQuantityRequestDTO struct {
	Quantity int `json:"quantity"`
}

type MergeRequestDTO struct {
	CartToken string `json:"cart_token"`
}

// GET /api/v1/cart
func (h *CartHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	cart, err := h.carts.GetCart(ctx, principalFromContext(r.Context()).Identity())
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cart)
}

// POST /api/v1/cart/items
func (h *CartHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req AddItemRequestDTO
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ProductID <= 0 {
		respondError(w, http.StatusBadRequest, "invalid_product_id", "product_id must be positive")
		return
	}

	cart, err := h.carts.AddItem(ctx, principalFromContext(r.Context()).Identity(), req.ProductID, req.Quantity)
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, cart)
}

// PUT /api/v1/cart/items/{item_id}
func (h *CartHandler) UpdateQuantity(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	itemID, ok := pathID(w, r, "item_id")
	if !ok {
		return
	}
	var req UpdateQuantityRequestDTO
	if !decodeJSON(w, r, &req) {
		return
	}

	cart, err := h.carts.UpdateItemQuantity(ctx, principalFromContext(r.Context()).Identity(), itemID, req.Quantity)
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cart)
}

// DELETE /api/v1/cart/items/{item_id}
func (h *CartHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	itemID, ok := pathID(w, r, "item_id")
	if !ok {
		return
	}

	cart, err := h.carts.RemoveItem(ctx, principalFromContext(r.Context()).Identity(), itemID)
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cart)
}

// DELETE /api/v1/cart
func (h *CartHandler) ClearCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	cart, err := h.carts.Clear(ctx, principalFromContext(r.Context()).Identity())
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cart)
}

// POST /api/v1/cart/merge
// The anonymous token comes from X-Cart-Token or, failing that, the body.
func (h *CartHandler) Merge(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	p := principalFromContext(r.Context())
	token := p.CartToken
	if token == "" {
		var req MergeRequestDTO
		if !decodeJSON(w, r, &req) {
			return
		}
		token = req.CartToken
	}
	if token == "" {
		respondError(w, http.StatusBadRequest, "missing_cart_token", "cart token is required")
		return
	}

	cart, err := h.carts.MergeAnonymousIntoUser(ctx, token, p.Username)
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cart)
}
