package http

import (
	"context"
	"net/http"
	"time"

	"github.com/fjod/go_cart/shop-service/pkg/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type RouterConfig struct {
	Carts    CartService
	Orders   OrderService
	Payments PaymentService

	JWTSecret      []byte
	RequestTimeout time.Duration

	// optional
	Metrics        *metrics.ServerMetrics
	MetricsHandler http.Handler
	Ping           func(ctx context.Context) error
}

func NewRouter(cfg RouterConfig) http.Handler {
	cartHandler := NewCartHandler(cfg.Carts, cfg.RequestTimeout)
	ordersHandler := NewOrdersHandler(cfg.Orders, cfg.RequestTimeout)
	paymentsHandler := NewPaymentsHandler(cfg.Payments, cfg.RequestTimeout)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware)
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Ping != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := cfg.Ping(ctx); err != nil {
				respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if cfg.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", cfg.MetricsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.RequestTimeout))
		r.Use(AuthMiddleware(cfg.JWTSecret))

		r.Route("/cart", func(r chi.Router) {
			r.Use(RequireCartOwner)
			r.Get("/", cartHandler.GetCart)
			r.Delete("/", cartHandler.ClearCart)
			r.Post("/items", cartHandler.AddItem)
			r.Put("/items/{item_id}", cartHandler.UpdateQuantity)
			r.Delete("/items/{item_id}", cartHandler.RemoveItem)
			r.With(RequireUser).Post("/merge", cartHandler.Merge)
		})

		r.Group(func(r chi.Router) {
			r.Use(RequireUser)
			r.Post("/orders", ordersHandler.CreateOrder)
			r.Get("/orders", ordersHandler.ListOrders)
			r.Get("/orders/{order_id}", ordersHandler.GetOrder)
			r.Post("/orders/{order_id}/cancel", ordersHandler.CancelOrder)
			r.Get("/orders/{order_id}/payments", paymentsHandler.ListOrderPayments)

			r.Post("/payments", paymentsHandler.ProcessPayment)
			r.Get("/payments/{payment_id}", paymentsHandler.GetPayment)
			r.Post("/payments/{payment_id}/refund", paymentsHandler.RefundPayment)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireAdmin)
			r.Get("/orders", ordersHandler.ListAllOrders)
			r.Put("/orders/{order_id}/status", ordersHandler.UpdateStatus)
			r.Post("/orders/{order_id}/ship", ordersHandler.ShipOrder)
		})
	})

	return r
}
