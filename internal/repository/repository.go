package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/fjod/go_cart/shop-service/internal/domain"
	"github.com/google/uuid"
)

var (
	ErrProductNotFound      = errors.New("product not found")
	ErrUserNotFound         = errors.New("user not found")
	ErrCartNotFound         = errors.New("cart not found")
	ErrCartItemNotFound     = errors.New("cart item not found")
	ErrOrderNotFound        = errors.New("order not found")
	ErrPaymentNotFound      = errors.New("payment not found")
	ErrDuplicateOrderNumber = errors.New("order number already exists")
	// ErrSerialization marks a transaction aborted by the database because of a
	// concurrent conflicting transaction. The whole transaction may be retried.
	ErrSerialization = errors.New("transaction serialization failure")
)

type Credentials struct {
	Host              string
	Port              int
	User              string
	Password          string
	DBName            string
	MigrationsDirPath string
}

// Queries are the catalog, cart, order, payment and outbox operations available
// inside a transaction.
type Queries interface {
	GetProduct(ctx context.Context, id int64) (*domain.Product, error)
	// GetProductForUpdate locks the product row until the transaction ends.
	GetProductForUpdate(ctx context.Context, id int64) (*domain.Product, error)
	UpdateProductStock(ctx context.Context, id int64, stock int) error
	GetUserByUsername(ctx context.Context, username string) (*domain.User, error)

	GetCart(ctx context.Context, owner string) (*domain.Cart, error)
	// GetOrCreateCart returns the owner's cart, creating an empty one first if needed.
	GetOrCreateCart(ctx context.Context, owner string) (*domain.Cart, error)
	AddCartItem(ctx context.Context, cartID, productID int64, quantity int) (int64, error)
	UpdateCartItemQuantity(ctx context.Context, itemID int64, quantity int) error
	DeleteCartItem(ctx context.Context, itemID int64) error
	// GetCartItemCartID returns the cart an item belongs to, or ErrCartItemNotFound.
	GetCartItemCartID(ctx context.Context, itemID int64) (int64, error)
	ClearCart(ctx context.Context, cartID int64) error

	CreateOrder(ctx context.Context, order *domain.Order) error
	GetOrder(ctx context.Context, id int64) (*domain.Order, error)
	GetOrderForUpdate(ctx context.Context, id int64) (*domain.Order, error)
	UpdateOrder(ctx context.Context, order *domain.Order) error
	ListOrdersByUser(ctx context.Context, username string, page domain.Page) ([]*domain.Order, error)
	ListOrders(ctx context.Context, page domain.Page) ([]*domain.Order, error)

	CreatePayment(ctx context.Context, p *domain.Payment) error
	GetPayment(ctx context.Context, id int64) (*domain.Payment, error)
	UpdatePayment(ctx context.Context, p *domain.Payment) error
	ListPaymentsByOrder(ctx context.Context, orderID int64) ([]domain.Payment, error)

	AddOutboxEvent(ctx context.Context, aggregateID, eventType string, payload any) error
}

// Store runs fn inside one transaction. fn's error rolls the transaction back.
type Store interface {
	InTx(ctx context.Context, opts *sql.TxOptions, fn func(q Queries) error) error
}

type OutboxEvent struct {
	ID          uuid.UUID
	AggregateId string
	EventType   string
	Payload     []byte
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

type OutboxRepository interface {
	GetUnprocessedEvents(ctx context.Context, limit int) ([]*OutboxEvent, error)
	MarkEventAsProcessed(ctx context.Context, id uuid.UUID) error
	DeleteProcessedEvents(ctx context.Context, olderThan time.Time) (int64, error)
}

var (
	ReadOnly     = &sql.TxOptions{Isolation: sql.LevelReadCommitted, ReadOnly: true}
	ReadWrite    = &sql.TxOptions{Isolation: sql.LevelReadCommitted}
	Serializable = &sql.TxOptions{Isolation: sql.LevelSerializable}
)
