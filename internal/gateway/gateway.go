package gateway

import (
	"context"
	"errors"

	"github.com/fjod/go_cart/shop-service/internal/domain"
	"github.com/shopspring/decimal"
)

// Gateway authorizes and reverses card charges. A returned error is a fault
// (network, timeout, breaker); a decline is reported through the result.
type Gateway interface {
	Authorize(ctx context.Context, card domain.CardMeta, amount decimal.Decimal, reference string) (*AuthorizeResult, error)
	Refund(ctx context.Context, reference string, amount decimal.Decimal) (*RefundResult, error)
}

type AuthorizeResult struct {
	Approved  bool
	Reference string
	Reason    string
}

type RefundResult struct {
	Approved bool
	// AlreadyRefunded is set on a decline because the charge was refunded before.
	AlreadyRefunded bool
	Reason          string
}

var ErrUnavailable = errors.New("payment gateway unavailable")
