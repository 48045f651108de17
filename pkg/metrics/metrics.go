package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "shop"

type ServerMetrics struct {
	Requests  *prometheus.CounterVec
	LatencyMS *prometheus.HistogramVec
}

func NewServerMetrics(reg prometheus.Registerer, service string) *ServerMetrics {
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: service,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests.",
	}, []string{"handler", "status"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: service,
		Name:      "http_request_duration_ms",
		Help:      "HTTP request latency in milliseconds.",
		Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"handler"})

	reg.MustRegister(requests, latency)
	return &ServerMetrics{Requests: requests, LatencyMS: latency}
}

// Middleware records request counts and latency labelled by the chi route pattern.
func (m *ServerMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		handler := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			handler = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.Requests.WithLabelValues(handler, strconv.Itoa(status)).Inc()
		m.LatencyMS.WithLabelValues(handler).Observe(float64(time.Since(start).Microseconds()) / 1000)
	})
}

// ShopMetrics are the business counters of the cart, order and payment engines.
// All methods are safe on a nil receiver.
type ShopMetrics struct {
	OrdersCreated   prometheus.Counter
	OrdersCancelled prometheus.Counter
	Payments        *prometheus.CounterVec
	Refunds         *prometheus.CounterVec
	MergeRetries    prometheus.Counter
	GatewayRetries  *prometheus.CounterVec
	BreakerState    *prometheus.GaugeVec
	OutboxPublished prometheus.Counter
	OutboxFailures  prometheus.Counter
}

func NewShopMetrics(reg prometheus.Registerer) *ShopMetrics {
	m := &ShopMetrics{
		OrdersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_created_total", Help: "Orders created from carts.",
		}),
		OrdersCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_cancelled_total", Help: "Orders cancelled with stock restored.",
		}),
		Payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "payments_total", Help: "Payment attempts by outcome.",
		}, []string{"outcome"}),
		Refunds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "refunds_total", Help: "Refund attempts by outcome.",
		}, []string{"outcome"}),
		MergeRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cart_merge_retries_total", Help: "Cart merge attempts that were retried.",
		}),
		GatewayRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "gateway_retries_total", Help: "Gateway calls retried after a fault.",
		}, []string{"operation"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "circuit_breaker_state", Help: "0 closed, 1 half-open, 2 open.",
		}, []string{"name"}),
		OutboxPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "outbox_published_total", Help: "Outbox events published to kafka.",
		}),
		OutboxFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "outbox_failures_total", Help: "Outbox events that failed to publish.",
		}),
	}
	reg.MustRegister(
		m.OrdersCreated,
		m.OrdersCancelled,
		m.Payments,
		m.Refunds,
		m.MergeRetries,
		m.GatewayRetries,
		m.BreakerState,
		m.OutboxPublished,
		m.OutboxFailures,
	)
	return m
}

func (m *ShopMetrics) OrderCreated() {
	if m != nil {
		m.OrdersCreated.Inc()
	}
}

func (m *ShopMetrics) OrderCancelled() {
	if m != nil {
		m.OrdersCancelled.Inc()
	}
}

func (m *ShopMetrics) Payment(outcome string) {
	if m != nil {
		m.Payments.WithLabelValues(outcome).Inc()
	}
}

func (m *ShopMetrics) Refund(outcome string) {
	if m != nil {
		m.Refunds.WithLabelValues(outcome).Inc()
	}
}

func (m *ShopMetrics) MergeRetry() {
	if m != nil {
		m.MergeRetries.Inc()
	}
}

func (m *ShopMetrics) GatewayRetry(op string) {
	if m != nil {
		m.GatewayRetries.WithLabelValues(op).Inc()
	}
}

func (m *ShopMetrics) SetBreakerState(name string, state float64) {
	if m != nil {
		m.BreakerState.WithLabelValues(name).Set(state)
	}
}

func (m *ShopMetrics) OutboxPublishedEvent() {
	if m != nil {
		m.OutboxPublished.Inc()
	}
}

func (m *ShopMetrics) OutboxFailedEvent() {
	if m != nil {
		m.OutboxFailures.Inc()
	}
}

func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
