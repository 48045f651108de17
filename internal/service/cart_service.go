package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fjod/go_cart/shop-service/internal/cache"
	"github.com/fjod/go_cart/shop-service/internal/domain"
	"github.com/fjod/go_cart/shop-service/internal/repository"
	"github.com/fjod/go_cart/shop-service/pkg/metrics"
	"golang.org/x/sync/singleflight"
)

const (
	mergeAttempts = 3
	mergeBackoff  = 100 * time.Millisecond
)

type CartService struct {
	store   repository.Store
	cache   cache.CartCache
	metrics *metrics.ShopMetrics
	sfg     singleflight.Group // Prevents cache stampede

	mergeAttempts int
	mergeBackoff  time.Duration
}

func NewCartService(store repository.Store, cache cache.CartCache, m *metrics.ShopMetrics) *CartService {
	return &CartService{
		store:         store,
		cache:         cache,
		metrics:       m,
		mergeAttempts: mergeAttempts,
		mergeBackoff:  mergeBackoff,
	}
}

func (s *CartService) GetCart(ctx context.Context, id domain.Identity) (*domain.Cart, error) {
	if !id.Valid() {
		return nil, domain.Validation("cart owner is required")
	}
	owner := id.OwnerKey()

	v, err, _ := s.sfg.Do(owner, func() (any, error) {
		cart, err := s.cache.Get(ctx, owner)
		if err == nil {
			return cart, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			slog.WarnContext(ctx, "cart cache get failed", "owner", owner, "error", err)
		}

		err = s.store.InTx(ctx, repository.ReadOnly, func(q repository.Queries) error {
			var errGet error
			cart, errGet = q.GetCart(ctx, owner)
			return errGet
		})
		if errors.Is(err, repository.ErrCartNotFound) {
			return domain.NewEmptyCart(owner), nil
		}
		if err != nil {
			return nil, translate(ctx, err, "get cart")
		}

		// May land after a concurrent write invalidated the key; the stale entry lives until its TTL.
		go func() {
			if errSet := s.cache.Set(context.Background(), owner, cart); errSet != nil {
				slog.Warn("cart cache set failed", "owner", owner, "error", errSet)
			}
		}()
		return cart, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Cart), nil
}

// AddItem puts quantity units of a product in the cart, summing with an
// existing line for the same product.
func (s *CartService) AddItem(ctx context.Context, id domain.Identity, productID int64, quantity int) (*domain.Cart, error) {
	if !id.Valid() {
		return nil, domain.Validation("cart owner is required")
	}
	if err := domain.ValidateQuantity(quantity); err != nil {
		return nil, err
	}
	owner := id.OwnerKey()

	var cart *domain.Cart
	err := s.store.InTx(ctx, repository.ReadWrite, func(q repository.Queries) error {
		product, err := activeProduct(ctx, q, productID)
		if err != nil {
			return err
		}

		cart, err = q.GetOrCreateCart(ctx, owner)
		if err != nil {
			return err
		}

		inCart := 0
		existing := cart.FindProduct(productID)
		if existing != nil {
			inCart = existing.Quantity
		}
		// compared by subtraction so a huge quantity cannot wrap around
		if quantity > product.Stock-inCart {
			return domain.Conflict("insufficient stock for %s: requested %d with %d already in cart, available %d",
				product.Name, quantity, inCart, product.Stock)
		}

		if existing != nil {
			err = q.UpdateCartItemQuantity(ctx, existing.ID, inCart+quantity)
		} else {
			_, err = q.AddCartItem(ctx, cart.ID, productID, quantity)
		}
		if err != nil {
			return err
		}

		cart, err = q.GetCart(ctx, owner)
		return err
	})
	if err != nil {
		return nil, translate(ctx, err, "add cart item")
	}

	s.invalidateCache(owner)
	return cart, nil
}

func (s *CartService) UpdateItemQuantity(ctx context.Context, id domain.Identity, itemID int64, quantity int) (*domain.Cart, error) {
	if !id.Valid() {
		return nil, domain.Validation("cart owner is required")
	}
	if err := domain.ValidateQuantity(quantity); err != nil {
		return nil, err
	}
	owner := id.OwnerKey()

	var cart *domain.Cart
	err := s.store.InTx(ctx, repository.ReadWrite, func(q repository.Queries) error {
		var err error
		cart, err = q.GetCart(ctx, owner)
		if errors.Is(err, repository.ErrCartNotFound) {
			return domain.NotFound("cart item %d not found", itemID)
		}
		if err != nil {
			return err
		}

		item := cart.FindItem(itemID)
		if item == nil {
			return domain.NotFound("cart item %d not found", itemID)
		}

		product, err := activeProduct(ctx, q, item.ProductID)
		if err != nil {
			return err
		}
		if !product.HasStock(quantity) {
			return insufficientStock(product, quantity)
		}

		if err = q.UpdateCartItemQuantity(ctx, itemID, quantity); err != nil {
			return err
		}
		cart, err = q.GetCart(ctx, owner)
		return err
	})
	if err != nil {
		return nil, translate(ctx, err, "update cart item")
	}

	s.invalidateCache(owner)
	return cart, nil
}

// RemoveItem deletes a line. Removing a line that is already gone succeeds.
func (s *CartService) RemoveItem(ctx context.Context, id domain.Identity, itemID int64) (*domain.Cart, error) {
	if !id.Valid() {
		return nil, domain.Validation("cart owner is required")
	}
	owner := id.OwnerKey()

	var cart *domain.Cart
	err := s.store.InTx(ctx, repository.ReadWrite, func(q repository.Queries) error {
		var err error
		cart, err = q.GetCart(ctx, owner)
		if errors.Is(err, repository.ErrCartNotFound) {
			cart = domain.NewEmptyCart(owner)
		} else if err != nil {
			return err
		}

		cartID, err := q.GetCartItemCartID(ctx, itemID)
		if errors.Is(err, repository.ErrCartItemNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if cart.ID == 0 || cartID != cart.ID {
			return domain.NotFound("cart item %d not found", itemID)
		}

		if err = q.DeleteCartItem(ctx, itemID); err != nil {
			return err
		}
		cart, err = q.GetCart(ctx, owner)
		return err
	})
	if err != nil {
		return nil, translate(ctx, err, "remove cart item")
	}

	s.invalidateCache(owner)
	return cart, nil
}

func (s *CartService) Clear(ctx context.Context, id domain.Identity) (*domain.Cart, error) {
	if !id.Valid() {
		return nil, domain.Validation("cart owner is required")
	}
	owner := id.OwnerKey()

	cart := domain.NewEmptyCart(owner)
	err := s.store.InTx(ctx, repository.ReadWrite, func(q repository.Queries) error {
		existing, err := q.GetCart(ctx, owner)
		if errors.Is(err, repository.ErrCartNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err = q.ClearCart(ctx, existing.ID); err != nil {
			return err
		}
		cart, err = q.GetCart(ctx, owner)
		return err
	})
	if err != nil {
		return nil, translate(ctx, err, "clear cart")
	}

	s.invalidateCache(owner)
	return cart, nil
}

// MergeAnonymousIntoUser moves the lines of an anonymous cart into the user's
// cart and empties the anonymous one. Transient failures are retried.
func (s *CartService) MergeAnonymousIntoUser(ctx context.Context, anonToken, username string) (*domain.Cart, error) {
	anon := domain.AnonymousIdentity(anonToken)
	user := domain.UserIdentity(username)
	if anonToken == "" || username == "" {
		return nil, domain.Validation("anonymous token and username are required")
	}

	var (
		cart *domain.Cart
		err  error
	)
	for attempt := 1; attempt <= s.mergeAttempts; attempt++ {
		err = s.store.InTx(ctx, repository.Serializable, func(q repository.Queries) error {
			var errMerge error
			cart, errMerge = mergeCarts(ctx, q, anon.OwnerKey(), username)
			return errMerge
		})
		if err == nil || domain.IsBusiness(err) || ctx.Err() != nil {
			break
		}
		if attempt == s.mergeAttempts {
			break
		}

		slog.WarnContext(ctx, "cart merge failed, retrying",
			"attempt", attempt, "max_attempts", s.mergeAttempts, "user", username, "error", err)
		s.metrics.MergeRetry()

		select {
		case <-ctx.Done():
			return nil, translate(ctx, ctx.Err(), "merge carts")
		case <-time.After(s.mergeBackoff):
		}
	}
	if err != nil {
		return nil, translate(ctx, err, "merge carts")
	}

	s.invalidateCache(anon.OwnerKey(), user.OwnerKey())
	slog.InfoContext(ctx, "carts merged", "user", username, "items", cart.ItemCount())
	return cart, nil
}

func mergeCarts(ctx context.Context, q repository.Queries, anonOwner, username string) (*domain.Cart, error) {
	if _, err := q.GetUserByUsername(ctx, username); err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, domain.NotFound("user %s not found", username)
		}
		return nil, err
	}
	userOwner := domain.UserIdentity(username).OwnerKey()

	anonCart, err := q.GetCart(ctx, anonOwner)
	if errors.Is(err, repository.ErrCartNotFound) {
		return q.GetOrCreateCart(ctx, userOwner)
	}
	if err != nil {
		return nil, err
	}

	userCart, err := q.GetOrCreateCart(ctx, userOwner)
	if err != nil {
		return nil, err
	}
	if anonCart.IsEmpty() {
		return userCart, nil
	}

	for _, item := range anonCart.Items {
		if existing := userCart.FindProduct(item.ProductID); existing != nil {
			err = q.UpdateCartItemQuantity(ctx, existing.ID, domain.CombineQuantities(existing.Quantity, item.Quantity))
		} else {
			_, err = q.AddCartItem(ctx, userCart.ID, item.ProductID, item.Quantity)
		}
		if err != nil {
			return nil, err
		}
	}

	if err = q.ClearCart(ctx, anonCart.ID); err != nil {
		return nil, err
	}
	return q.GetCart(ctx, userOwner)
}

func activeProduct(ctx context.Context, q repository.Queries, productID int64) (*domain.Product, error) {
	product, err := q.GetProduct(ctx, productID)
	if errors.Is(err, repository.ErrProductNotFound) {
		return nil, domain.NotFound("product %d not found", productID)
	}
	if err != nil {
		return nil, err
	}
	if !product.Active {
		return nil, domain.NotFound("product %d not found", productID)
	}
	return product, nil
}

func insufficientStock(p *domain.Product, requested int) error {
	return domain.Conflict("insufficient stock for %s: requested %d, available %d", p.Name, requested, p.Stock)
}

func (s *CartService) invalidateCache(owners ...string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.cache.Delete(ctx, owners...); err != nil {
		slog.Warn("cart cache invalidate failed", "owners", owners, "error", err)
	}
}
