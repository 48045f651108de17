package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	EventOrderCreated       = "order.created"
	EventOrderCancelled     = "order.cancelled"
	EventOrderStatusChanged = "order.status_changed"
	EventPaymentCompleted   = "payment.completed"
	EventPaymentFailed      = "payment.failed"
	EventPaymentRefunded    = "payment.refunded"
)

type OrderEvent struct {
	OrderID     int64           `json:"order_id"`
	OrderNumber string          `json:"order_number"`
	Username    string          `json:"username"`
	Status      OrderStatus     `json:"status"`
	Previous    OrderStatus     `json:"previous_status,omitempty"`
	Total       decimal.Decimal `json:"total"`
	Items       []EventItem     `json:"items,omitempty"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

type EventItem struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

type PaymentEvent struct {
	PaymentID   int64           `json:"payment_id"`
	OrderID     int64           `json:"order_id"`
	Username    string          `json:"username"`
	Amount      decimal.Decimal `json:"amount"`
	Status      PaymentStatus   `json:"status"`
	Reference   string          `json:"reference,omitempty"`
	OrderStatus OrderStatus     `json:"order_status"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

func NewOrderEvent(o *Order, previous OrderStatus, withItems bool) OrderEvent {
	ev := OrderEvent{
		OrderID:     o.ID,
		OrderNumber: o.Number,
		Username:    o.Username,
		Status:      o.Status,
		Previous:    previous,
		Total:       o.Total,
		OccurredAt:  time.Now().UTC(),
	}
	if withItems {
		for _, d := range o.Details {
			ev.Items = append(ev.Items, EventItem{ProductID: d.ProductID, Quantity: d.Quantity})
		}
	}
	return ev
}

func NewPaymentEvent(p *Payment, orderStatus OrderStatus) PaymentEvent {
	return PaymentEvent{
		PaymentID:   p.ID,
		OrderID:     p.OrderID,
		Username:    p.Username,
		Amount:      p.Amount,
		Status:      p.Status,
		Reference:   p.Reference,
		OrderStatus: orderStatus,
		OccurredAt:  time.Now().UTC(),
	}
}
