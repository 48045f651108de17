package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fjod/go_cart/shop-service/internal/domain"
	"github.com/fjod/go_cart/shop-service/pkg/circuitbreaker"
	"github.com/fjod/go_cart/shop-service/pkg/metrics"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
)

type ResilientConfig struct {
	Timeout     time.Duration
	MaxAttempts int
	Backoff     time.Duration
	Breaker     circuitbreaker.Settings
}

func DefaultResilientConfig() ResilientConfig {
	return ResilientConfig{
		Timeout:     5 * time.Second,
		MaxAttempts: 3,
		Backoff:     200 * time.Millisecond,
		Breaker:     circuitbreaker.DefaultSettings("payment-gateway"),
	}
}

// Resilient bounds every call to the wrapped gateway with a timeout, retries
// faults a fixed number of times and stops calling it while the breaker is open.
// Authorizations are retried with the same reference, which the gateway treats
// as an idempotency key.
type Resilient struct {
	next    Gateway
	cfg     ResilientConfig
	auth    *circuitbreaker.Breaker[*AuthorizeResult]
	refund  *circuitbreaker.Breaker[*RefundResult]
	metrics *metrics.ShopMetrics
}

func NewResilient(next Gateway, cfg ResilientConfig, m *metrics.ShopMetrics) *Resilient {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	onChange := cfg.Breaker.OnStateChange
	cfg.Breaker.OnStateChange = func(name string, from, to gobreaker.State) {
		slog.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		m.SetBreakerState(name, float64(to))
		if onChange != nil {
			onChange(name, from, to)
		}
	}

	authSettings := cfg.Breaker
	authSettings.Name = cfg.Breaker.Name + "-authorize"
	refundSettings := cfg.Breaker
	refundSettings.Name = cfg.Breaker.Name + "-refund"

	return &Resilient{
		next:    next,
		cfg:     cfg,
		auth:    circuitbreaker.New[*AuthorizeResult](authSettings),
		refund:  circuitbreaker.New[*RefundResult](refundSettings),
		metrics: m,
	}
}

func (r *Resilient) Authorize(ctx context.Context, card domain.CardMeta, amount decimal.Decimal, reference string) (*AuthorizeResult, error) {
	return retry(ctx, r, "authorize", r.auth, func(callCtx context.Context) (*AuthorizeResult, error) {
		return r.next.Authorize(callCtx, card, amount, reference)
	})
}

func (r *Resilient) Refund(ctx context.Context, reference string, amount decimal.Decimal) (*RefundResult, error) {
	return retry(ctx, r, "refund", r.refund, func(callCtx context.Context) (*RefundResult, error) {
		return r.next.Refund(callCtx, reference, amount)
	})
}

func retry[T any](ctx context.Context, r *Resilient, op string, b *circuitbreaker.Breaker[T], call func(context.Context) (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
	)
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		res, err := b.Execute(func() (T, error) {
			callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
			defer cancel()
			return call(callCtx)
		})
		if err == nil {
			return res, nil
		}
		lastErr = err

		if errors.Is(err, circuitbreaker.ErrOpen) || ctx.Err() != nil || attempt == r.cfg.MaxAttempts {
			break
		}

		slog.WarnContext(ctx, "payment gateway call failed, retrying",
			"operation", op, "attempt", attempt, "max_attempts", r.cfg.MaxAttempts, "error", err)
		r.metrics.GatewayRetry(op)

		t := time.NewTimer(r.cfg.Backoff)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return zero, fmt.Errorf("%w: %s: %v", ErrUnavailable, op, ctx.Err())
		}
	}
	return zero, fmt.Errorf("%w: %s: %v", ErrUnavailable, op, lastErr)
}
