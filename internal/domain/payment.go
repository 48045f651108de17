package domain

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "PENDIENTE"
	PaymentStatusCompleted PaymentStatus = "COMPLETADO"
	PaymentStatusFailed    PaymentStatus = "FALLIDO"
	PaymentStatusRefunded  PaymentStatus = "REEMBOLSADO"
)

const PaymentMethodCard = "TARJETA"

type Payment struct {
	ID         int64           `json:"id"`
	OrderID    int64           `json:"order_id"`
	Username   string          `json:"username"`
	Method     string          `json:"method"`
	Amount     decimal.Decimal `json:"amount"`
	Status     PaymentStatus   `json:"status"`
	LastFour   string          `json:"last_four,omitempty"`
	Reference  string          `json:"reference,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	RefundedAt *time.Time      `json:"refunded_at,omitempty"`
}

// CardDetails is raw card input. It lives only for the duration of one call.
type CardDetails struct {
	Number string `json:"number"`
	Expiry string `json:"expiry"`
	CVV    string `json:"cvv"`
	Holder string `json:"holder"`
}

// CardMeta is what remains of a card after masking.
type CardMeta struct {
	LastFour string
	ExpMonth int
	ExpYear  int
	Holder   string
}

type PaymentRequest struct {
	OrderID int64           `json:"order_id"`
	Amount  decimal.Decimal `json:"amount"`
	Method  string          `json:"method"`
	Card    CardDetails     `json:"card"`
}

// PaymentResult is returned for approved and declined attempts alike.
type PaymentResult struct {
	PaymentID   int64           `json:"payment_id"`
	OrderID     int64           `json:"order_id"`
	Approved    bool            `json:"approved"`
	Status      PaymentStatus   `json:"status"`
	Amount      decimal.Decimal `json:"amount"`
	Reference   string          `json:"reference,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	OrderStatus OrderStatus     `json:"order_status"`
}

var (
	cardNumberPattern = regexp.MustCompile(`^\d{13,19}$`)
	expiryPattern     = regexp.MustCompile(`^(0[1-9]|1[0-2])/(\d{2})$`)
	cvvPattern        = regexp.MustCompile(`^\d{3,4}$`)
)

func normalizeCardNumber(n string) string {
	return strings.NewReplacer(" ", "", "-", "").Replace(n)
}

// ValidateCard checks the card shape and that it has not expired relative to now.
// A card is valid through the last day of its expiry month.
func ValidateCard(c CardDetails, now time.Time) error {
	if !cardNumberPattern.MatchString(normalizeCardNumber(c.Number)) {
		return Validation("card number must have 13 to 19 digits")
	}
	m := expiryPattern.FindStringSubmatch(c.Expiry)
	if m == nil {
		return Validation("card expiry must be in MM/YY format")
	}
	month, _ := strconv.Atoi(m[1])
	year, _ := strconv.Atoi(m[2])
	year += 2000
	if year < now.Year() || (year == now.Year() && month < int(now.Month())) {
		return Validation("card has expired")
	}
	if !cvvPattern.MatchString(c.CVV) {
		return Validation("cvv must have 3 or 4 digits")
	}
	return nil
}

// Mask keeps the last four digits and the expiry. Callers must have validated c.
func (c CardDetails) Mask() CardMeta {
	n := normalizeCardNumber(c.Number)
	meta := CardMeta{Holder: c.Holder}
	if len(n) >= 4 {
		meta.LastFour = n[len(n)-4:]
	}
	if m := expiryPattern.FindStringSubmatch(c.Expiry); m != nil {
		meta.ExpMonth, _ = strconv.Atoi(m[1])
		y, _ := strconv.Atoi(m[2])
		meta.ExpYear = 2000 + y
	}
	return meta
}

func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return Validation("amount must be greater than zero")
	}
	if !amount.Equal(Money(amount)) {
		return Validation("amount must have at most %d decimal places", MoneyPlaces)
	}
	return nil
}
