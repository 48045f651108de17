package service

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/fjod/go_cart/shop-service/internal/cache"
	"github.com/fjod/go_cart/shop-service/internal/domain"
	"github.com/fjod/go_cart/shop-service/internal/repository"
	"github.com/fjod/go_cart/shop-service/pkg/metrics"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

const DefaultPageSize = 10

type OrderService struct {
	store    repository.Store
	carts    cache.CartCache
	orders   cache.OrderCache
	metrics  *metrics.ShopMetrics
	pageSize int
	sfg      singleflight.Group
}

func NewOrderService(store repository.Store, carts cache.CartCache, orders cache.OrderCache, m *metrics.ShopMetrics, pageSize int) *OrderService {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &OrderService{
		store:    store,
		carts:    carts,
		orders:   orders,
		metrics:  m,
		pageSize: pageSize,
	}
}

// newOrderNumber returns ORD- followed by 16 upper-case hex digits.
func newOrderNumber() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "ORD-" + strings.ToUpper(id[:16])
}

// CreateOrder turns the user's cart into a PENDIENTE order. Stock is taken
// and the cart emptied in the same transaction.
func (s *OrderService) CreateOrder(ctx context.Context, username string, req domain.CreateOrderRequest) (*domain.Order, error) {
	if username == "" {
		return nil, domain.Validation("username is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	owner := domain.UserIdentity(username).OwnerKey()

	var order *domain.Order
	err := s.store.InTx(ctx, repository.Serializable, func(q repository.Queries) error {
		if _, err := q.GetUserByUsername(ctx, username); err != nil {
			if errors.Is(err, repository.ErrUserNotFound) {
				return domain.NotFound("user %s not found", username)
			}
			return err
		}

		cart, err := q.GetCart(ctx, owner)
		if errors.Is(err, repository.ErrCartNotFound) {
			return domain.Conflict("cart is empty")
		}
		if err != nil {
			return err
		}
		if cart.IsEmpty() {
			return domain.Conflict("cart is empty")
		}

		method := req.PaymentMethod
		if method == "" {
			method = domain.PaymentMethodCard
		}
		order = &domain.Order{
			Number:          newOrderNumber(),
			Username:        username,
			Status:          domain.OrderStatusPending,
			Taxes:           req.Taxes,
			Shipping:        req.Shipping,
			ShippingAddress: strings.TrimSpace(req.ShippingAddress),
			PaymentMethod:   method,
			Notes:           req.Notes,
			Details:         []domain.OrderDetail{},
			Payments:        []domain.Payment{},
		}

		for _, item := range cart.Items {
			product, err := q.GetProductForUpdate(ctx, item.ProductID)
			if errors.Is(err, repository.ErrProductNotFound) {
				return domain.NotFound("product %d not found", item.ProductID)
			}
			if err != nil {
				return err
			}
			if !product.Active {
				return domain.Conflict("product %s is no longer available", product.Name)
			}
			if !product.HasStock(item.Quantity) {
				return insufficientStock(product, item.Quantity)
			}
			if err = q.UpdateProductStock(ctx, product.ID, product.Stock-item.Quantity); err != nil {
				return err
			}
			order.AddDetail(domain.NewOrderDetail(product, item.Quantity))
		}
		order.RecalculateTotals()

		if err = q.CreateOrder(ctx, order); err != nil {
			return err
		}
		if err = q.ClearCart(ctx, cart.ID); err != nil {
			return err
		}
		return q.AddOutboxEvent(ctx, order.Number, domain.EventOrderCreated,
			domain.NewOrderEvent(order, "", true))
	})
	if err != nil {
		return nil, translate(ctx, err, "create order")
	}

	s.invalidateCart(owner)
	s.invalidateOrder(order.ID)
	s.metrics.OrderCreated()
	slog.InfoContext(ctx, "order created",
		"order_id", order.ID, "number", order.Number, "user", username, "total", order.Total.StringFixed(2))
	return order, nil
}

// UpdateStatus sets a status administratively. Moving to CANCELADA runs a
// full cancellation so reserved stock goes back to the catalog.
func (s *OrderService) UpdateStatus(ctx context.Context, orderID int64, status domain.OrderStatus) (*domain.Order, error) {
	if _, ok := domain.ParseOrderStatus(string(status)); !ok {
		return nil, domain.Validation("unknown order status %q", status)
	}

	var order *domain.Order
	err := s.store.InTx(ctx, repository.Serializable, func(q repository.Queries) error {
		var err error
		order, err = lockOrder(ctx, q, orderID)
		if err != nil {
			return err
		}
		if err = domain.CheckStatusChange(order.Status, status); err != nil {
			return err
		}
		if status == domain.OrderStatusCancelled {
			return cancelOrder(ctx, q, order)
		}

		previous := order.Status
		order.Status = status
		if err = q.UpdateOrder(ctx, order); err != nil {
			return err
		}
		return q.AddOutboxEvent(ctx, order.Number, domain.EventOrderStatusChanged,
			domain.NewOrderEvent(order, previous, false))
	})
	if err != nil {
		return nil, translate(ctx, err, "update order status")
	}

	s.invalidateOrder(orderID)
	if status == domain.OrderStatusCancelled {
		s.metrics.OrderCancelled()
	}
	slog.InfoContext(ctx, "order status updated", "order_id", orderID, "status", status)
	return order, nil
}

// CancelOrder cancels the caller's own order and puts its stock back.
func (s *OrderService) CancelOrder(ctx context.Context, orderID int64, username string) (*domain.Order, error) {
	var order *domain.Order
	err := s.store.InTx(ctx, repository.Serializable, func(q repository.Queries) error {
		var err error
		order, err = lockOrder(ctx, q, orderID)
		if err != nil {
			return err
		}
		if !order.OwnedBy(username) {
			return domain.Forbidden("order %d does not belong to %s", orderID, username)
		}
		return cancelOrder(ctx, q, order)
	})
	if err != nil {
		return nil, translate(ctx, err, "cancel order")
	}

	s.invalidateOrder(orderID)
	s.metrics.OrderCancelled()
	slog.InfoContext(ctx, "order cancelled", "order_id", orderID, "user", username)
	return order, nil
}

func cancelOrder(ctx context.Context, q repository.Queries, order *domain.Order) error {
	if err := order.Status.CheckCancellable(); err != nil {
		return err
	}

	for _, d := range order.Details {
		product, err := q.GetProductForUpdate(ctx, d.ProductID)
		if err != nil {
			// A product that vanished would lose stock silently.
			return err
		}
		if err = q.UpdateProductStock(ctx, product.ID, product.Stock+d.Quantity); err != nil {
			return err
		}
	}

	previous := order.Status
	order.Status = domain.OrderStatusCancelled
	if err := q.UpdateOrder(ctx, order); err != nil {
		return err
	}
	return q.AddOutboxEvent(ctx, order.Number, domain.EventOrderCancelled,
		domain.NewOrderEvent(order, previous, true))
}

// ShipOrder marks a paid order as shipped and records the tracking number in its notes.
func (s *OrderService) ShipOrder(ctx context.Context, orderID int64, trackingNumber string) (*domain.Order, error) {
	trackingNumber = strings.TrimSpace(trackingNumber)
	if trackingNumber == "" {
		return nil, domain.Validation("tracking number is required")
	}

	var order *domain.Order
	err := s.store.InTx(ctx, repository.Serializable, func(q repository.Queries) error {
		var err error
		order, err = lockOrder(ctx, q, orderID)
		if err != nil {
			return err
		}
		previous := order.Status
		if err = order.MarkShipped(trackingNumber); err != nil {
			return err
		}
		if err = q.UpdateOrder(ctx, order); err != nil {
			return err
		}
		return q.AddOutboxEvent(ctx, order.Number, domain.EventOrderStatusChanged,
			domain.NewOrderEvent(order, previous, false))
	})
	if err != nil {
		return nil, translate(ctx, err, "ship order")
	}

	s.invalidateOrder(orderID)
	slog.InfoContext(ctx, "order shipped", "order_id", orderID, "tracking_number", trackingNumber)
	return order, nil
}

// GetOrder returns an order to its owner or to an administrator.
func (s *OrderService) GetOrder(ctx context.Context, orderID int64, username string, isAdmin bool) (*domain.Order, error) {
	v, err, _ := s.sfg.Do("order:"+strconv.FormatInt(orderID, 10), func() (any, error) {
		order, err := s.orders.GetOrder(ctx, orderID)
		if err == nil {
			return order, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			slog.WarnContext(ctx, "order cache get failed", "order_id", orderID, "error", err)
		}

		err = s.store.InTx(ctx, repository.ReadOnly, func(q repository.Queries) error {
			var errGet error
			order, errGet = q.GetOrder(ctx, orderID)
			return errGet
		})
		if errors.Is(err, repository.ErrOrderNotFound) {
			return nil, domain.NotFound("order %d not found", orderID)
		}
		if err != nil {
			return nil, translate(ctx, err, "get order")
		}

		// May land after a concurrent write invalidated the key; the stale entry lives until its TTL.
		go func() {
			if errSet := s.orders.SetOrder(context.Background(), order); errSet != nil {
				slog.Warn("order cache set failed", "order_id", orderID, "error", errSet)
			}
		}()
		return order, nil
	})
	if err != nil {
		return nil, err
	}

	order := v.(*domain.Order)
	if !isAdmin && !order.OwnedBy(username) {
		return nil, domain.Forbidden("order %d does not belong to %s", orderID, username)
	}
	return order, nil
}

func (s *OrderService) ListUserOrders(ctx context.Context, username string, page domain.Page) ([]*domain.Order, error) {
	if username == "" {
		return nil, domain.Validation("username is required")
	}
	return s.list(ctx, cache.ListKey{Username: username, Page: page.Normalize(s.pageSize)})
}

func (s *OrderService) ListAllOrders(ctx context.Context, page domain.Page) ([]*domain.Order, error) {
	return s.list(ctx, cache.ListKey{Page: page.Normalize(s.pageSize)})
}

func (s *OrderService) list(ctx context.Context, key cache.ListKey) ([]*domain.Order, error) {
	v, err, _ := s.sfg.Do(key.String(), func() (any, error) {
		orders, err := s.orders.GetOrderList(ctx, key)
		if err == nil {
			return orders, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			slog.WarnContext(ctx, "order list cache get failed", "key", key.String(), "error", err)
		}

		err = s.store.InTx(ctx, repository.ReadOnly, func(q repository.Queries) error {
			var errList error
			if key.Username == "" {
				orders, errList = q.ListOrders(ctx, key.Page)
			} else {
				orders, errList = q.ListOrdersByUser(ctx, key.Username, key.Page)
			}
			return errList
		})
		if err != nil {
			return nil, translate(ctx, err, "list orders")
		}

		// May land after a concurrent write invalidated the key; the stale entry lives until its TTL.
		go func() {
			if errSet := s.orders.SetOrderList(context.Background(), key, orders); errSet != nil {
				slog.Warn("order list cache set failed", "key", key.String(), "error", errSet)
			}
		}()
		return orders, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]*domain.Order), nil
}

// RecordPayment stores a new or changed payment of order and re-derives the
// order status from its completed payments. It runs inside the caller's transaction.
func (s *OrderService) RecordPayment(ctx context.Context, q repository.Queries, order *domain.Order, p *domain.Payment) error {
	var err error
	if p.ID == 0 {
		err = q.CreatePayment(ctx, p)
	} else {
		err = q.UpdatePayment(ctx, p)
	}
	if err != nil {
		return err
	}

	order.Payments, err = q.ListPaymentsByOrder(ctx, order.ID)
	if err != nil {
		return err
	}

	previous := order.Status
	if !order.ApplyPayments() {
		return nil
	}
	if err = q.UpdateOrder(ctx, order); err != nil {
		return err
	}
	return q.AddOutboxEvent(ctx, order.Number, domain.EventOrderStatusChanged,
		domain.NewOrderEvent(order, previous, false))
}

func lockOrder(ctx context.Context, q repository.Queries, orderID int64) (*domain.Order, error) {
	order, err := q.GetOrderForUpdate(ctx, orderID)
	if errors.Is(err, repository.ErrOrderNotFound) {
		return nil, domain.NotFound("order %d not found", orderID)
	}
	return order, err
}

func (s *OrderService) InvalidateOrder(orderID int64) {
	s.invalidateOrder(orderID)
}

func (s *OrderService) invalidateOrder(orderID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.orders.InvalidateOrder(ctx, orderID); err != nil {
		slog.Warn("order cache invalidate failed", "order_id", orderID, "error", err)
	}
}

func (s *OrderService) invalidateCart(owner string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.carts.Delete(ctx, owner); err != nil {
		slog.Warn("cart cache invalidate failed", "owner", owner, "error", err)
	}
}
