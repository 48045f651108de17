package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fjod/go_cart/shop-service/internal/domain"
	"github.com/fjod/go_cart/shop-service/internal/gateway"
	"github.com/fjod/go_cart/shop-service/internal/repository"
	"github.com/fjod/go_cart/shop-service/pkg/metrics"
	"github.com/google/uuid"
)

// errNoLongerPayable aborts the attach transaction when the order left its
// payable states while the gateway was charging the card.
var errNoLongerPayable = errors.New("order no longer accepts payments")

// Writes that follow a completed gateway call are retried, since the money has
// already moved and only the local record is missing.
const (
	recordAttempts = 3
	recordBackoff  = 100 * time.Millisecond
	recordTimeout  = 10 * time.Second
)

type PaymentService struct {
	store   repository.Store
	orders  *OrderService
	gateway gateway.Gateway
	metrics *metrics.ShopMetrics
	now     func() time.Time

	recordAttempts int
	recordBackoff  time.Duration
}

func NewPaymentService(store repository.Store, orders *OrderService, gw gateway.Gateway, m *metrics.ShopMetrics) *PaymentService {
	return &PaymentService{
		store:   store,
		orders:  orders,
		gateway: gw,
		metrics: m,
		now:     time.Now,

		recordAttempts: recordAttempts,
		recordBackoff:  recordBackoff,
	}
}

// ProcessPayment charges a card against an order. A decline is a normal result
// with Approved false; only invalid input, state conflicts and faults are errors.
func (s *PaymentService) ProcessPayment(ctx context.Context, req domain.PaymentRequest, username string) (*domain.PaymentResult, error) {
	if err := domain.ValidateAmount(req.Amount); err != nil {
		return nil, err
	}
	if req.Method == "" {
		req.Method = domain.PaymentMethodCard
	}
	if req.Method != domain.PaymentMethodCard {
		return nil, domain.Validation("unsupported payment method %s", req.Method)
	}
	if err := domain.ValidateCard(req.Card, s.now()); err != nil {
		return nil, err
	}
	card := req.Card.Mask()
	req.Card = domain.CardDetails{}

	err := s.store.InTx(ctx, repository.ReadOnly, func(q repository.Queries) error {
		order, err := q.GetOrder(ctx, req.OrderID)
		if errors.Is(err, repository.ErrOrderNotFound) {
			return domain.NotFound("order %d not found", req.OrderID)
		}
		if err != nil {
			return err
		}
		if !order.OwnedBy(username) {
			return domain.Forbidden("order %d does not belong to %s", req.OrderID, username)
		}
		return checkPayable(order, req)
	})
	if err != nil {
		return nil, translate(ctx, err, "process payment")
	}

	reference := "PAY-" + uuid.NewString()
	auth, err := s.gateway.Authorize(ctx, card, req.Amount, reference)
	if err != nil {
		s.metrics.Payment("error")
		slog.ErrorContext(ctx, "payment gateway authorize failed",
			"order_id", req.OrderID, "reference", reference, "error", err)
		return nil, domain.Unavailable(err, "payment gateway is unavailable, please try again later")
	}

	payment := &domain.Payment{
		OrderID:   req.OrderID,
		Username:  username,
		Method:    req.Method,
		Amount:    domain.Money(req.Amount),
		LastFour:  card.LastFour,
		Reference: reference,
	}
	if auth.Approved {
		payment.Status = domain.PaymentStatusCompleted
		if auth.Reference != "" {
			payment.Reference = auth.Reference
		}
	} else {
		payment.Status = domain.PaymentStatusFailed
		payment.Reason = auth.Reason
	}

	var order *domain.Order
	err = s.store.InTx(ctx, repository.Serializable, func(q repository.Queries) error {
		var err error
		order, err = lockOrder(ctx, q, req.OrderID)
		if err != nil {
			return err
		}
		if auth.Approved && checkPayable(order, req) != nil {
			return errNoLongerPayable
		}
		return s.attach(ctx, q, order, payment)
	})
	if errors.Is(err, errNoLongerPayable) {
		return nil, s.reverse(ctx, payment)
	}
	if err != nil {
		return nil, translate(ctx, err, "process payment")
	}

	s.orders.InvalidateOrder(req.OrderID)
	outcome := "declined"
	if auth.Approved {
		outcome = "approved"
	}
	s.metrics.Payment(outcome)
	slog.InfoContext(ctx, "payment processed",
		"payment_id", payment.ID, "order_id", order.ID, "outcome", outcome, "order_status", order.Status)

	return &domain.PaymentResult{
		PaymentID:   payment.ID,
		OrderID:     order.ID,
		Approved:    auth.Approved,
		Status:      payment.Status,
		Amount:      payment.Amount,
		Reference:   payment.Reference,
		Reason:      payment.Reason,
		OrderStatus: order.Status,
	}, nil
}

func checkPayable(order *domain.Order, req domain.PaymentRequest) error {
	if !order.Status.AcceptsPayments() {
		return domain.Conflict("order %s in status %s does not accept payments", order.Number, order.Status)
	}
	if outstanding := order.Outstanding(); req.Amount.GreaterThan(outstanding) {
		return domain.Conflict("amount %s exceeds the outstanding balance %s",
			req.Amount.StringFixed(2), outstanding.StringFixed(2))
	}
	return nil
}

func (s *PaymentService) attach(ctx context.Context, q repository.Queries, order *domain.Order, p *domain.Payment) error {
	if err := s.orders.RecordPayment(ctx, q, order, p); err != nil {
		return err
	}
	eventType := domain.EventPaymentCompleted
	switch p.Status {
	case domain.PaymentStatusFailed:
		eventType = domain.EventPaymentFailed
	case domain.PaymentStatusRefunded:
		eventType = domain.EventPaymentRefunded
	}
	return q.AddOutboxEvent(ctx, order.Number, eventType, domain.NewPaymentEvent(p, order.Status))
}

// reverse undoes an approved charge for an order that can no longer take it and
// records the reversal. The caller always receives a Conflict.
func (s *PaymentService) reverse(ctx context.Context, p *domain.Payment) error {
	conflict := domain.Conflict("order %d no longer accepts payments; the charge was reversed", p.OrderID)

	p.Reason = "order no longer accepts payments"
	res, err := s.gateway.Refund(ctx, p.Reference, p.Amount)
	switch {
	case err != nil:
		slog.ErrorContext(ctx, "reversal of late payment failed, charge needs manual review",
			"order_id", p.OrderID, "reference", p.Reference, "error", err)
	case !res.Approved:
		slog.ErrorContext(ctx, "reversal of late payment declined, charge needs manual review",
			"order_id", p.OrderID, "reference", p.Reference, "reason", res.Reason)
	default:
		now := s.now()
		p.Status = domain.PaymentStatusRefunded
		p.RefundedAt = &now
	}

	errStore := s.recordAfterGateway(ctx, "record reversed payment", func(recCtx context.Context, q repository.Queries) error {
		order, err := lockOrder(recCtx, q, p.OrderID)
		if err != nil {
			return err
		}
		return s.attach(recCtx, q, order, p)
	})
	if errStore != nil {
		slog.ErrorContext(ctx, "recording reversed payment failed, charge needs manual review",
			"order_id", p.OrderID, "reference", p.Reference, "status", p.Status, "error", errStore)
	}

	s.orders.InvalidateOrder(p.OrderID)
	s.metrics.Payment("reversed")
	return conflict
}

// RefundPayment reverses a completed payment through the gateway. The payment
// row is kept with status REEMBOLSADO.
func (s *PaymentService) RefundPayment(ctx context.Context, paymentID int64, requester string) (*domain.Payment, error) {
	var payment *domain.Payment
	err := s.store.InTx(ctx, repository.ReadOnly, func(q repository.Queries) error {
		var err error
		payment, err = s.authorizedPayment(ctx, q, paymentID, requester)
		if err != nil {
			return err
		}
		if payment.Status != domain.PaymentStatusCompleted {
			return domain.Conflict("payment %d in status %s cannot be refunded", paymentID, payment.Status)
		}
		return nil
	})
	if err != nil {
		return nil, translate(ctx, err, "refund payment")
	}

	res, err := s.gateway.Refund(ctx, payment.Reference, payment.Amount)
	if err != nil {
		s.metrics.Refund("error")
		slog.ErrorContext(ctx, "payment gateway refund failed",
			"payment_id", paymentID, "reference", payment.Reference, "error", err)
		return nil, domain.Unavailable(err, "payment gateway is unavailable, please try again later")
	}
	if res.AlreadyRefunded {
		// an earlier refund reached the gateway but was never recorded here
		slog.WarnContext(ctx, "gateway reports payment already refunded, reconciling",
			"payment_id", paymentID, "reference", payment.Reference)
	} else if !res.Approved {
		s.metrics.Refund("declined")
		return nil, domain.Conflict("refund declined: %s", res.Reason)
	}

	err = s.recordAfterGateway(ctx, "record refund", func(recCtx context.Context, q repository.Queries) error {
		current, err := q.GetPayment(recCtx, paymentID)
		if err != nil {
			return err
		}
		if current.Status == domain.PaymentStatusRefunded {
			payment = current
			return nil
		}
		if current.Status != domain.PaymentStatusCompleted {
			return domain.Conflict("payment %d in status %s cannot be refunded", paymentID, current.Status)
		}
		order, err := lockOrder(recCtx, q, current.OrderID)
		if err != nil {
			return err
		}

		now := s.now()
		current.Status = domain.PaymentStatusRefunded
		current.RefundedAt = &now
		payment = current
		return s.attach(recCtx, q, order, current)
	})
	if err != nil {
		slog.ErrorContext(ctx, "refund went through at the gateway but was not recorded, payment needs manual reconciliation",
			"payment_id", paymentID, "reference", payment.Reference, "error", err)
		return nil, translate(ctx, err, "refund payment")
	}

	s.orders.InvalidateOrder(payment.OrderID)
	s.metrics.Refund("approved")
	slog.InfoContext(ctx, "payment refunded", "payment_id", paymentID, "order_id", payment.OrderID, "by", requester)
	return payment, nil
}

// recordAfterGateway runs fn in a serializable transaction, retrying faults a
// bounded number of times. The caller's cancellation is ignored: the gateway
// call it records has already happened.
func (s *PaymentService) recordAfterGateway(ctx context.Context, op string, fn func(ctx context.Context, q repository.Queries) error) error {
	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	var err error
	for attempt := 1; attempt <= s.recordAttempts; attempt++ {
		err = s.store.InTx(recCtx, repository.Serializable, func(q repository.Queries) error {
			return fn(recCtx, q)
		})
		if err == nil || domain.IsBusiness(err) || attempt == s.recordAttempts {
			break
		}

		slog.WarnContext(ctx, op+" failed, retrying",
			"attempt", attempt, "max_attempts", s.recordAttempts, "error", err)
		select {
		case <-recCtx.Done():
			return err
		case <-time.After(s.recordBackoff):
		}
	}
	return err
}

// VerifyOwnership reports whether username made the payment.
func (s *PaymentService) VerifyOwnership(ctx context.Context, paymentID int64, username string) (bool, error) {
	var owned bool
	err := s.store.InTx(ctx, repository.ReadOnly, func(q repository.Queries) error {
		p, err := q.GetPayment(ctx, paymentID)
		if errors.Is(err, repository.ErrPaymentNotFound) {
			return domain.NotFound("payment %d not found", paymentID)
		}
		if err != nil {
			return err
		}
		owned = p.Username == username
		return nil
	})
	if err != nil {
		return false, translate(ctx, err, "verify payment ownership")
	}
	return owned, nil
}

func (s *PaymentService) GetPayment(ctx context.Context, paymentID int64, username string) (*domain.Payment, error) {
	var payment *domain.Payment
	err := s.store.InTx(ctx, repository.ReadOnly, func(q repository.Queries) error {
		var err error
		payment, err = s.authorizedPayment(ctx, q, paymentID, username)
		return err
	})
	if err != nil {
		return nil, translate(ctx, err, "get payment")
	}
	return payment, nil
}

// ListOrderPayments returns every payment attempt of an order, oldest first.
func (s *PaymentService) ListOrderPayments(ctx context.Context, orderID int64, username string) ([]domain.Payment, error) {
	var payments []domain.Payment
	err := s.store.InTx(ctx, repository.ReadOnly, func(q repository.Queries) error {
		order, err := q.GetOrder(ctx, orderID)
		if errors.Is(err, repository.ErrOrderNotFound) {
			return domain.NotFound("order %d not found", orderID)
		}
		if err != nil {
			return err
		}
		if !order.OwnedBy(username) {
			admin, err := isAdmin(ctx, q, username)
			if err != nil {
				return err
			}
			if !admin {
				return domain.Forbidden("order %d does not belong to %s", orderID, username)
			}
		}
		payments, err = q.ListPaymentsByOrder(ctx, orderID)
		return err
	})
	if err != nil {
		return nil, translate(ctx, err, "list payments")
	}
	return payments, nil
}

// authorizedPayment loads a payment visible to username: its owner or an administrator.
func (s *PaymentService) authorizedPayment(ctx context.Context, q repository.Queries, paymentID int64, username string) (*domain.Payment, error) {
	p, err := q.GetPayment(ctx, paymentID)
	if errors.Is(err, repository.ErrPaymentNotFound) {
		return nil, domain.NotFound("payment %d not found", paymentID)
	}
	if err != nil {
		return nil, err
	}
	if p.Username == username {
		return p, nil
	}
	admin, err := isAdmin(ctx, q, username)
	if err != nil {
		return nil, err
	}
	if !admin {
		return nil, domain.Forbidden("payment %d does not belong to %s", paymentID, username)
	}
	return p, nil
}

func isAdmin(ctx context.Context, q repository.Queries, username string) (bool, error) {
	u, err := q.GetUserByUsername(ctx, username)
	if errors.Is(err, repository.ErrUserNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return u.IsAdmin(), nil
}
