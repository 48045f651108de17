package http

import (
	"context"
	"net/http"
	"time"

	"github.com/fjod/go_cart/shop-service/internal/domain"
)

type PaymentService interface {
	ProcessPayment(ctx context.Context, req domain.PaymentRequest, username string) (*domain.PaymentResult, error)
	RefundPayment(ctx context.Context, paymentID int64, requester string) (*domain.Payment, error)
	GetPayment(ctx context.Context, paymentID int64, username string) (*domain.Payment, error)
	ListOrderPayments(ctx context.Context, orderID int64, username string) ([]domain.Payment, error)
}

type PaymentsHandler struct {
	payments PaymentService
	timeout  time.Duration
}

func NewPaymentsHandler(payments PaymentService, timeout time.Duration) *PaymentsHandler {
	return &PaymentsHandler{
		payments: payments,
		timeout:  timeout,
	}
}

// POST /api/v1/payments
// A declined card answers 402 with the attempt in the body.
func (h *PaymentsHandler) ProcessPayment(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req domain.PaymentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.OrderID <= 0 {
		respondError(w, http.StatusBadRequest, "invalid_order_id", "order_id must be positive")
		return
	}

	res, err := h.payments.ProcessPayment(ctx, req, principalFromContext(r.Context()).Username)
	if err != nil {
		handleError(w, err)
		return
	}
	if !res.Approved {
		respondJSON(w, http.StatusPaymentRequired, res)
		return
	}
	respondJSON(w, http.StatusCreated, res)
}

// GET /api/v1/payments/{payment_id}
func (h *PaymentsHandler) GetPayment(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	paymentID, ok := pathID(w, r, "payment_id")
	if !ok {
		return
	}

	p, err := h.payments.GetPayment(ctx, paymentID, principalFromContext(r.Context()).Username)
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// POST /api/v1/payments/{payment_id}/refund
func (h *PaymentsHandler) RefundPayment(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	paymentID, ok := pathID(w, r, "payment_id")
	if !ok {
		return
	}

	p, err := h.payments.RefundPayment(ctx, paymentID, principalFromContext(r.Context()).Username)
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// GET /api/v1/orders/{order_id}/payments
func (h *PaymentsHandler) ListOrderPayments(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	orderID, ok := pathID(w, r, "order_id")
	if !ok {
		return
	}

	payments, err := h.payments.ListOrderPayments(ctx, orderID, principalFromContext(r.Context()).Username)
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, payments)
}
