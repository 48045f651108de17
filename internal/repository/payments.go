package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fjod/go_cart/shop-service/internal/domain"
)

const paymentColumns = `id, order_id, username, method, amount, status, COALESCE(last_four, ''),
	COALESCE(reference, ''), COALESCE(reason, ''), created_at, refunded_at`

func scanPayment(row interface{ Scan(...any) error }) (*domain.Payment, error) {
	var (
		p          domain.Payment
		refundedAt sql.NullTime
	)
	err := row.Scan(
		&p.ID,
		&p.OrderID,
		&p.Username,
		&p.Method,
		&p.Amount,
		&p.Status,
		&p.LastFour,
		&p.Reference,
		&p.Reason,
		&p.CreatedAt,
		&refundedAt,
	)
	if err != nil {
		return nil, err
	}
	if refundedAt.Valid {
		t := refundedAt.Time
		p.RefundedAt = &t
	}
	return &p, nil
}

func (q *queries) CreatePayment(ctx context.Context, p *domain.Payment) error {
	err := q.db.QueryRowContext(ctx, `
		INSERT INTO payments (order_id, username, method, amount, status, last_four, reference, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), NOW())
		RETURNING id, created_at`,
		p.OrderID, p.Username, p.Method, p.Amount, p.Status, p.LastFour, p.Reference, p.Reason,
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert payment for order %d: %w", p.OrderID, err)
	}
	return nil
}

func (q *queries) GetPayment(ctx context.Context, id int64) (*domain.Payment, error) {
	p, err := scanPayment(q.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query payment %d: %w", id, err)
	}
	return p, nil
}

func (q *queries) UpdatePayment(ctx context.Context, p *domain.Payment) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE payments SET status = $2, reference = NULLIF($3, ''), reason = NULLIF($4, ''), refunded_at = $5
		WHERE id = $1`,
		p.ID, p.Status, p.Reference, p.Reason, p.RefundedAt)
	if err != nil {
		return fmt.Errorf("update payment %d: %w", p.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update payment rows affected: %w", err)
	}
	if n == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func (q *queries) ListPaymentsByOrder(ctx context.Context, orderID int64) ([]domain.Payment, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE order_id = $1 ORDER BY id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query payments of order %d: %w", orderID, err)
	}
	defer rows.Close()

	payments := []domain.Payment{}
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		payments = append(payments, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("payment iteration error: %w", err)
	}
	return payments, nil
}
