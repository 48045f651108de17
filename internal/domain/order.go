package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

const (
	MaxOrderNumberLen     = 20
	MaxShippingAddressLen = 500
	MaxOrderNotesLen      = 1000
)

type Order struct {
	ID              int64           `json:"id"`
	Number          string          `json:"number"`
	Username        string          `json:"username"`
	Status          OrderStatus     `json:"status"`
	Subtotal        decimal.Decimal `json:"subtotal"`
	Taxes           decimal.Decimal `json:"taxes"`
	Shipping        decimal.Decimal `json:"shipping"`
	Total           decimal.Decimal `json:"total"`
	ShippingAddress string          `json:"shipping_address"`
	PaymentMethod   string          `json:"payment_method,omitempty"`
	Notes           string          `json:"notes,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	Details         []OrderDetail   `json:"details"`
	Payments        []Payment       `json:"payments"`
}

// OrderDetail is the frozen copy of a product line taken at checkout.
type OrderDetail struct {
	ID          int64           `json:"id"`
	OrderID     int64           `json:"order_id"`
	ProductID   int64           `json:"product_id"`
	ProductName string          `json:"product_name"`
	ImageURL    string          `json:"image_url,omitempty"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Quantity    int             `json:"quantity"`
	Subtotal    decimal.Decimal `json:"subtotal"`
}

func NewOrderDetail(p *Product, quantity int) OrderDetail {
	d := OrderDetail{
		ProductID:   p.ID,
		ProductName: p.Name,
		ImageURL:    p.ImageURL,
	}
	d.UnitPrice = Money(p.Price)
	d.SetQuantity(quantity)
	return d
}

func (d *OrderDetail) SetQuantity(q int) {
	d.Quantity = q
	d.recalculate()
}

func (d *OrderDetail) SetUnitPrice(price decimal.Decimal) {
	d.UnitPrice = Money(price)
	d.recalculate()
}

func (d *OrderDetail) recalculate() {
	d.Subtotal = Money(d.UnitPrice.Mul(decimal.NewFromInt(int64(d.Quantity))))
}

// CreateOrderRequest carries the checkout input besides the cart itself.
type CreateOrderRequest struct {
	ShippingAddress string          `json:"shipping_address"`
	Notes           string          `json:"notes,omitempty"`
	PaymentMethod   string          `json:"payment_method,omitempty"`
	Taxes           decimal.Decimal `json:"taxes"`
	Shipping        decimal.Decimal `json:"shipping"`
}

func (r *CreateOrderRequest) Validate() error {
	addr := strings.TrimSpace(r.ShippingAddress)
	if addr == "" {
		return Validation("shipping address is required")
	}
	if len(addr) > MaxShippingAddressLen {
		return Validation("shipping address must be at most %d characters", MaxShippingAddressLen)
	}
	if len(r.Notes) > MaxOrderNotesLen {
		return Validation("notes must be at most %d characters", MaxOrderNotesLen)
	}
	if r.Taxes.IsNegative() || r.Shipping.IsNegative() {
		return Validation("taxes and shipping must not be negative")
	}
	return nil
}

// RecalculateTotals derives subtotal from the details and clamps total at zero.
func (o *Order) RecalculateTotals() {
	subtotal := decimal.Zero
	for _, d := range o.Details {
		subtotal = subtotal.Add(d.Subtotal)
	}
	o.Subtotal = Money(subtotal)
	o.Taxes = Money(o.Taxes)
	o.Shipping = Money(o.Shipping)
	total := o.Subtotal.Add(o.Taxes).Add(o.Shipping)
	if total.IsNegative() {
		total = decimal.Zero
	}
	o.Total = Money(total)
}

func (o *Order) AddDetail(d OrderDetail) {
	o.Details = append(o.Details, d)
	o.RecalculateTotals()
}

// PaidAmount sums the completed payments.
func (o *Order) PaidAmount() decimal.Decimal {
	paid := decimal.Zero
	for _, p := range o.Payments {
		if p.Status == PaymentStatusCompleted {
			paid = paid.Add(p.Amount)
		}
	}
	return Money(paid)
}

func (o *Order) Outstanding() decimal.Decimal {
	rest := o.Total.Sub(o.PaidAmount())
	if rest.IsNegative() {
		return decimal.Zero
	}
	return rest
}

// ApplyPayments recomputes the status from the payment sum while the order is
// still in its payment phase. It reports whether the status changed.
func (o *Order) ApplyPayments() bool {
	if !o.Status.InPaymentPhase() {
		return false
	}
	next := DeriveStatus(o.Total, o.PaidAmount())
	if next == o.Status {
		return false
	}
	o.Status = next
	return true
}

func (o *Order) MarkShipped(trackingNumber string) error {
	if !o.Status.CanShip() {
		return Conflict("order %s cannot be shipped from status %s", o.Number, o.Status)
	}
	o.Status = OrderStatusShipped
	o.AppendNote(fmt.Sprintf("Tracking number: %s", trackingNumber))
	return nil
}

func (o *Order) AppendNote(note string) {
	if o.Notes == "" {
		o.Notes = note
	} else {
		o.Notes = o.Notes + "\n" + note
	}
	if len(o.Notes) > MaxOrderNotesLen {
		// keep the newest text, starting on a rune boundary
		cut := len(o.Notes) - MaxOrderNotesLen
		for cut < len(o.Notes) && !utf8.RuneStart(o.Notes[cut]) {
			cut++
		}
		o.Notes = o.Notes[cut:]
	}
}

func (o *Order) OwnedBy(username string) bool {
	return o.Username == username
}

// Page selects a slice of a listing; Page is zero based.
type Page struct {
	Page int
	Size int
}

const (
	MaxPageSize = 100
	// MaxPage keeps Offset within the range of a 32-bit int.
	MaxPage = math.MaxInt32 / MaxPageSize
)

func (p Page) Normalize(defaultSize int) Page {
	if p.Page < 0 {
		p.Page = 0
	}
	if p.Size <= 0 {
		p.Size = defaultSize
	}
	if p.Size > MaxPageSize {
		p.Size = MaxPageSize
	}
	if p.Page > MaxPage {
		p.Page = MaxPage
	}
	return p
}

func (p Page) Offset() int {
	return p.Page * p.Size
}
