package domain

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

type Cart struct {
	ID        int64           `json:"id"`
	Owner     string          `json:"owner"`
	Items     []CartItem      `json:"items"`
	Total     decimal.Decimal `json:"total"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// CartItem carries the product's name, price and image as read at query time.
// Prices are not frozen on the cart.
type CartItem struct {
	ID          int64           `json:"id"`
	CartID      int64           `json:"cart_id"`
	ProductID   int64           `json:"product_id"`
	ProductName string          `json:"product_name"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	ImageURL    string          `json:"image_url,omitempty"`
	Quantity    int             `json:"quantity"`
	Subtotal    decimal.Decimal `json:"subtotal"`
	AddedAt     time.Time       `json:"added_at"`
}

// MaxItemQuantity is the largest quantity a cart or order line can hold, the
// range of the INTEGER quantity columns.
const MaxItemQuantity = math.MaxInt32

func ValidateQuantity(quantity int) error {
	if quantity < 1 {
		return Validation("quantity must be at least 1")
	}
	if quantity > MaxItemQuantity {
		return Validation("quantity must be at most %d", MaxItemQuantity)
	}
	return nil
}

// CombineQuantities adds two line quantities, saturating at MaxItemQuantity.
func CombineQuantities(a, b int) int {
	if b > MaxItemQuantity-a {
		return MaxItemQuantity
	}
	return a + b
}

func NewEmptyCart(owner string) *Cart {
	now := time.Now()
	return &Cart{
		Owner:     owner,
		Items:     []CartItem{},
		Total:     decimal.Zero,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Recalculate refreshes every line subtotal and the cart total.
func (c *Cart) Recalculate() {
	total := decimal.Zero
	for i := range c.Items {
		c.Items[i].Subtotal = Money(c.Items[i].UnitPrice.Mul(decimal.NewFromInt(int64(c.Items[i].Quantity))))
		total = total.Add(c.Items[i].Subtotal)
	}
	c.Total = Money(total)
}

func (c *Cart) IsEmpty() bool {
	return len(c.Items) == 0
}

func (c *Cart) FindItem(itemID int64) *CartItem {
	for i := range c.Items {
		if c.Items[i].ID == itemID {
			return &c.Items[i]
		}
	}
	return nil
}

func (c *Cart) FindProduct(productID int64) *CartItem {
	for i := range c.Items {
		if c.Items[i].ProductID == productID {
			return &c.Items[i]
		}
	}
	return nil
}

func (c *Cart) ItemCount() int {
	n := 0
	for _, item := range c.Items {
		n += item.Quantity
	}
	return n
}
