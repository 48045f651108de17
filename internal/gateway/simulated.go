package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fjod/go_cart/shop-service/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Decider decides the outcome of a simulated authorization.
type Decider interface {
	Decide(card domain.CardMeta, amount decimal.Decimal) (approved bool, reason string)
}

// OddDigitDecider declines cards whose last digit is odd.
type OddDigitDecider struct{}

func (OddDigitDecider) Decide(card domain.CardMeta, _ decimal.Decimal) (bool, string) {
	if card.LastFour == "" {
		return false, "card number missing"
	}
	last := card.LastFour[len(card.LastFour)-1]
	if (last-'0')%2 == 1 {
		return false, "card declined by issuer"
	}
	return true, ""
}

type charge struct {
	amount   decimal.Decimal
	result   AuthorizeResult
	refunded bool
}

// Simulated is an in-process gateway. Authorizations are idempotent on the
// caller's reference and refunds only succeed for approved, unrefunded charges.
type Simulated struct {
	decider Decider
	latency time.Duration

	mu        sync.Mutex
	byAttempt map[string]*charge
	byRef     map[string]*charge
}

func NewSimulated(decider Decider, latency time.Duration) *Simulated {
	if decider == nil {
		decider = OddDigitDecider{}
	}
	return &Simulated{
		decider:   decider,
		latency:   latency,
		byAttempt: make(map[string]*charge),
		byRef:     make(map[string]*charge),
	}
}

func (s *Simulated) wait(ctx context.Context) error {
	if s.latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(s.latency)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Simulated) Authorize(ctx context.Context, card domain.CardMeta, amount decimal.Decimal, reference string) (*AuthorizeResult, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.byAttempt[reference]; ok {
		res := c.result
		return &res, nil
	}

	approved, reason := s.decider.Decide(card, amount)
	c := &charge{amount: amount, result: AuthorizeResult{Approved: approved, Reason: reason}}
	if approved {
		c.result.Reference = "TXN-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:16])
		s.byRef[c.result.Reference] = c
	}
	s.byAttempt[reference] = c

	res := c.result
	return &res, nil
}

func (s *Simulated) Refund(ctx context.Context, reference string, amount decimal.Decimal) (*RefundResult, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byRef[reference]
	switch {
	case !ok:
		return &RefundResult{Reason: fmt.Sprintf("unknown transaction %s", reference)}, nil
	case c.refunded:
		return &RefundResult{AlreadyRefunded: true, Reason: "transaction already refunded"}, nil
	case amount.GreaterThan(c.amount):
		return &RefundResult{Reason: "refund exceeds charged amount"}, nil
	}
	c.refunded = true
	return &RefundResult{Approved: true}, nil
}
