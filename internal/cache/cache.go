package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/fjod/go_cart/shop-service/internal/domain"
)

type CartCache interface {
	Get(ctx context.Context, owner string) (*domain.Cart, error)
	Set(ctx context.Context, owner string, cart *domain.Cart) error
	Delete(ctx context.Context, owners ...string) error
}

// OrderCache keeps single orders and paginated listings. Listings cannot be
// invalidated selectively, so every order write drops all of them.
type OrderCache interface {
	GetOrder(ctx context.Context, id int64) (*domain.Order, error)
	SetOrder(ctx context.Context, order *domain.Order) error
	GetOrderList(ctx context.Context, key ListKey) ([]*domain.Order, error)
	SetOrderList(ctx context.Context, key ListKey, orders []*domain.Order) error
	InvalidateOrder(ctx context.Context, id int64) error
}

// ListKey identifies one page of an order listing. An empty Username is the admin listing.
type ListKey struct {
	Username string
	Page     domain.Page
}

func (k ListKey) String() string {
	if k.Username == "" {
		return fmt.Sprintf("orders:all:%d:%d", k.Page.Page, k.Page.Size)
	}
	return fmt.Sprintf("orders:user:%s:%d:%d", k.Username, k.Page.Page, k.Page.Size)
}

var ErrCacheMiss = errors.New("cache miss")
