package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fjod/go_cart/shop-service/internal/domain"
)

func (q *queries) GetCart(ctx context.Context, owner string) (*domain.Cart, error) {
	var cart domain.Cart
	err := q.db.QueryRowContext(ctx,
		`SELECT id, owner, created_at, updated_at FROM carts WHERE owner = $1`, owner).
		Scan(&cart.ID, &cart.Owner, &cart.CreatedAt, &cart.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCartNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query cart %q: %w", owner, err)
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT ci.id, ci.cart_id, ci.product_id, p.name, p.price, COALESCE(p.image_url, ''), ci.quantity, ci.added_at
		FROM cart_items ci
		JOIN products p ON p.id = ci.product_id
		WHERE ci.cart_id = $1
		ORDER BY ci.id`, cart.ID)
	if err != nil {
		return nil, fmt.Errorf("query cart items: %w", err)
	}
	defer rows.Close()

	cart.Items = []domain.CartItem{}
	for rows.Next() {
		var item domain.CartItem
		if err := rows.Scan(
			&item.ID,
			&item.CartID,
			&item.ProductID,
			&item.ProductName,
			&item.UnitPrice,
			&item.ImageURL,
			&item.Quantity,
			&item.AddedAt,
		); err != nil {
			return nil, fmt.Errorf("scan cart item: %w", err)
		}
		cart.Items = append(cart.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cart item iteration error: %w", err)
	}

	cart.Recalculate()
	return &cart, nil
}

func (q *queries) GetOrCreateCart(ctx context.Context, owner string) (*domain.Cart, error) {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO carts (owner, created_at, updated_at) VALUES ($1, NOW(), NOW())
		 ON CONFLICT (owner) DO NOTHING`, owner)
	if err != nil {
		return nil, fmt.Errorf("insert cart: %w", err)
	}
	return q.GetCart(ctx, owner)
}

func (q *queries) AddCartItem(ctx context.Context, cartID, productID int64, quantity int) (int64, error) {
	var id int64
	err := q.db.QueryRowContext(ctx,
		`INSERT INTO cart_items (cart_id, product_id, quantity, added_at) VALUES ($1, $2, $3, NOW())
		 RETURNING id`, cartID, productID, quantity).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert cart item: %w", err)
	}
	if err := q.touchCart(ctx, cartID); err != nil {
		return 0, err
	}
	return id, nil
}

func (q *queries) UpdateCartItemQuantity(ctx context.Context, itemID int64, quantity int) error {
	var cartID int64
	err := q.db.QueryRowContext(ctx,
		`UPDATE cart_items SET quantity = $2 WHERE id = $1 RETURNING cart_id`, itemID, quantity).Scan(&cartID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrCartItemNotFound
	}
	if err != nil {
		return fmt.Errorf("update cart item %d: %w", itemID, err)
	}
	return q.touchCart(ctx, cartID)
}

func (q *queries) DeleteCartItem(ctx context.Context, itemID int64) error {
	var cartID int64
	err := q.db.QueryRowContext(ctx,
		`DELETE FROM cart_items WHERE id = $1 RETURNING cart_id`, itemID).Scan(&cartID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete cart item %d: %w", itemID, err)
	}
	return q.touchCart(ctx, cartID)
}

func (q *queries) GetCartItemCartID(ctx context.Context, itemID int64) (int64, error) {
	var cartID int64
	err := q.db.QueryRowContext(ctx, `SELECT cart_id FROM cart_items WHERE id = $1`, itemID).Scan(&cartID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrCartItemNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("query cart item %d: %w", itemID, err)
	}
	return cartID, nil
}

func (q *queries) ClearCart(ctx context.Context, cartID int64) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM cart_items WHERE cart_id = $1`, cartID); err != nil {
		return fmt.Errorf("clear cart %d: %w", cartID, err)
	}
	return q.touchCart(ctx, cartID)
}

func (q *queries) touchCart(ctx context.Context, cartID int64) error {
	if _, err := q.db.ExecContext(ctx, `UPDATE carts SET updated_at = NOW() WHERE id = $1`, cartID); err != nil {
		return fmt.Errorf("touch cart %d: %w", cartID, err)
	}
	return nil
}
