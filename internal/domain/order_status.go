package domain

import "github.com/shopspring/decimal"

type OrderStatus string

const (
	OrderStatusPending     OrderStatus = "PENDIENTE"
	OrderStatusPartialPaid OrderStatus = "PAGO_PARCIAL"
	OrderStatusPaid        OrderStatus = "PAGADA"
	OrderStatusProcessing  OrderStatus = "EN_PROCESO"
	OrderStatusShipped     OrderStatus = "ENVIADA"
	OrderStatusDelivered   OrderStatus = "ENTREGADA"
	OrderStatusCancelled   OrderStatus = "CANCELADA"
	OrderStatusReturned    OrderStatus = "DEVUELTA"
	OrderStatusCompleted   OrderStatus = "COMPLETADA"
)

var orderStatuses = map[OrderStatus]struct{}{
	OrderStatusPending:     {},
	OrderStatusPartialPaid: {},
	OrderStatusPaid:        {},
	OrderStatusProcessing:  {},
	OrderStatusShipped:     {},
	OrderStatusDelivered:   {},
	OrderStatusCancelled:   {},
	OrderStatusReturned:    {},
	OrderStatusCompleted:   {},
}

func ParseOrderStatus(s string) (OrderStatus, bool) {
	st := OrderStatus(s)
	_, ok := orderStatuses[st]
	return st, ok
}

func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusCancelled || s == OrderStatusDelivered || s == OrderStatusReturned
}

// CheckCancellable rejects cancellation of orders that already reached a final state.
func (s OrderStatus) CheckCancellable() error {
	switch s {
	case OrderStatusCancelled:
		return Conflict("order is already cancelled")
	case OrderStatusDelivered, OrderStatusReturned:
		return Conflict("order in status %s cannot be cancelled", s)
	}
	return nil
}

// AcceptsPayments reports whether new payments may be attached.
func (s OrderStatus) AcceptsPayments() bool {
	return s == OrderStatusPending || s == OrderStatusPartialPaid
}

// InPaymentPhase reports whether the status is still derived from the payment sum.
func (s OrderStatus) InPaymentPhase() bool {
	return s == OrderStatusPending || s == OrderStatusPartialPaid || s == OrderStatusPaid
}

func (s OrderStatus) CanShip() bool {
	return s == OrderStatusPaid || s == OrderStatusPartialPaid
}

// CheckStatusChange applies the administrative status guard: nothing leaves CANCELADA,
// and ENTREGADA only accepts ENTREGADA again.
func CheckStatusChange(current, next OrderStatus) error {
	if current == OrderStatusCancelled {
		return Conflict("cannot change the status of a cancelled order")
	}
	if current == OrderStatusDelivered && next != OrderStatusDelivered {
		return Conflict("cannot change the status of a delivered order")
	}
	return nil
}

// DeriveStatus computes the payment-phase status from the sum of completed payments.
func DeriveStatus(total, paid decimal.Decimal) OrderStatus {
	if !paid.IsPositive() {
		return OrderStatusPending
	}
	if paid.GreaterThanOrEqual(total) {
		return OrderStatusPaid
	}
	return OrderStatusPartialPaid
}

func (s OrderStatus) String() string {
	return string(s)
}
