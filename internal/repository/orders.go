package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fjod/go_cart/shop-service/internal/domain"
	"github.com/lib/pq"
)

const orderColumns = `id, number, username, status, subtotal, taxes, shipping, total,
	shipping_address, COALESCE(payment_method, ''), COALESCE(notes, ''), created_at, updated_at`

func scanOrder(row interface{ Scan(...any) error }) (*domain.Order, error) {
	var o domain.Order
	err := row.Scan(
		&o.ID,
		&o.Number,
		&o.Username,
		&o.Status,
		&o.Subtotal,
		&o.Taxes,
		&o.Shipping,
		&o.Total,
		&o.ShippingAddress,
		&o.PaymentMethod,
		&o.Notes,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Details = []domain.OrderDetail{}
	o.Payments = []domain.Payment{}
	return &o, nil
}

// CreateOrder writes the order header and then each detail. IDs and timestamps
// are filled in on the passed order.
func (q *queries) CreateOrder(ctx context.Context, order *domain.Order) error {
	err := q.db.QueryRowContext(ctx, `
		INSERT INTO orders (number, username, status, subtotal, taxes, shipping, total,
			shipping_address, payment_method, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), NULLIF($10, ''), NOW(), NOW())
		RETURNING id, created_at, updated_at`,
		order.Number,
		order.Username,
		order.Status,
		order.Subtotal,
		order.Taxes,
		order.Shipping,
		order.Total,
		order.ShippingAddress,
		order.PaymentMethod,
		order.Notes,
	).Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateOrderNumber
		}
		return fmt.Errorf("insert order: %w", err)
	}

	for i := range order.Details {
		d := &order.Details[i]
		d.OrderID = order.ID
		err := q.db.QueryRowContext(ctx, `
			INSERT INTO order_details (order_id, product_id, product_name, image_url, unit_price, quantity, subtotal)
			VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7)
			RETURNING id`,
			d.OrderID, d.ProductID, d.ProductName, d.ImageURL, d.UnitPrice, d.Quantity, d.Subtotal,
		).Scan(&d.ID)
		if err != nil {
			return fmt.Errorf("insert order detail for product %d: %w", d.ProductID, err)
		}
	}
	return nil
}

func (q *queries) GetOrder(ctx context.Context, id int64) (*domain.Order, error) {
	return q.getOrder(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
}

func (q *queries) GetOrderForUpdate(ctx context.Context, id int64) (*domain.Order, error) {
	return q.getOrder(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id)
}

func (q *queries) getOrder(ctx context.Context, query string, id int64) (*domain.Order, error) {
	order, err := scanOrder(q.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order %d: %w", id, err)
	}

	details, err := q.detailsFor(ctx, []int64{order.ID})
	if err != nil {
		return nil, err
	}
	order.Details = append(order.Details, details[order.ID]...)

	payments, err := q.ListPaymentsByOrder(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	order.Payments = payments
	return order, nil
}

func (q *queries) UpdateOrder(ctx context.Context, order *domain.Order) error {
	err := q.db.QueryRowContext(ctx, `
		UPDATE orders SET status = $2, notes = NULLIF($3, ''), updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		order.ID, order.Status, order.Notes,
	).Scan(&order.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrOrderNotFound
	}
	if err != nil {
		return fmt.Errorf("update order %d: %w", order.ID, err)
	}
	return nil
}

func (q *queries) ListOrdersByUser(ctx context.Context, username string, page domain.Page) ([]*domain.Order, error) {
	return q.listOrders(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE username = $1 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`,
		username, page.Size, page.Offset())
}

func (q *queries) ListOrders(ctx context.Context, page domain.Page) ([]*domain.Order, error) {
	return q.listOrders(ctx,
		`SELECT `+orderColumns+` FROM orders ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2`,
		page.Size, page.Offset())
}

func (q *queries) listOrders(ctx context.Context, query string, args ...any) ([]*domain.Order, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	orders := []*domain.Order{}
	ids := []int64{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		orders = append(orders, o)
		ids = append(ids, o.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	if len(ids) == 0 {
		return orders, nil
	}

	details, err := q.detailsFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, o := range orders {
		o.Details = append(o.Details, details[o.ID]...)
	}
	return orders, nil
}

func (q *queries) detailsFor(ctx context.Context, orderIDs []int64) (map[int64][]domain.OrderDetail, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, order_id, product_id, product_name, COALESCE(image_url, ''), unit_price, quantity, subtotal
		FROM order_details WHERE order_id = ANY($1) ORDER BY id`, pq.Array(orderIDs))
	if err != nil {
		return nil, fmt.Errorf("query order details: %w", err)
	}
	defer rows.Close()

	out := make(map[int64][]domain.OrderDetail, len(orderIDs))
	for rows.Next() {
		var d domain.OrderDetail
		if err := rows.Scan(
			&d.ID,
			&d.OrderID,
			&d.ProductID,
			&d.ProductName,
			&d.ImageURL,
			&d.UnitPrice,
			&d.Quantity,
			&d.Subtotal,
		); err != nil {
			return nil, fmt.Errorf("scan order detail: %w", err)
		}
		out[d.OrderID] = append(out[d.OrderID], d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order detail iteration error: %w", err)
	}
	return out, nil
}
