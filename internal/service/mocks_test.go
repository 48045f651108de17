package service

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/fjod/go_cart/shop-service/internal/cache"
	"github.com/fjod/go_cart/shop-service/internal/domain"
	"github.com/fjod/go_cart/shop-service/internal/gateway"
	"github.com/fjod/go_cart/shop-service/internal/repository"
	"github.com/fjod/go_cart/shop-service/internal/store"
	"github.com/shopspring/decimal"
)

type mockCartCache struct {
	m       sync.RWMutex
	carts   map[string]*domain.Cart
	deleted []string
	err     error
}

func newMockCartCache() *mockCartCache {
	return &mockCartCache{carts: make(map[string]*domain.Cart)}
}

func (m *mockCartCache) Get(_ context.Context, owner string) (*domain.Cart, error) {
	m.m.RLock()
	defer m.m.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	c, ok := m.carts[owner]
	if !ok {
		return nil, cache.ErrCacheMiss
	}
	return c, nil
}

func (m *mockCartCache) Set(_ context.Context, owner string, cart *domain.Cart) error {
	m.m.Lock()
	defer m.m.Unlock()
	m.carts[owner] = cart
	return nil
}

func (m *mockCartCache) Delete(_ context.Context, owners ...string) error {
	m.m.Lock()
	defer m.m.Unlock()
	for _, o := range owners {
		delete(m.carts, o)
		m.deleted = append(m.deleted, o)
	}
	return nil
}

func (m *mockCartCache) getCart(owner string) *domain.Cart {
	m.m.RLock()
	defer m.m.RUnlock()
	return m.carts[owner]
}

func (m *mockCartCache) wasDeleted(owner string) bool {
	m.m.RLock()
	defer m.m.RUnlock()
	for _, o := range m.deleted {
		if o == owner {
			return true
		}
	}
	return false
}

type mockOrderCache struct {
	m           sync.RWMutex
	orders      map[int64]*domain.Order
	lists       map[string][]*domain.Order
	invalidated []int64
}

func newMockOrderCache() *mockOrderCache {
	return &mockOrderCache{
		orders: make(map[int64]*domain.Order),
		lists:  make(map[string][]*domain.Order),
	}
}

func (m *mockOrderCache) GetOrder(_ context.Context, id int64) (*domain.Order, error) {
	m.m.RLock()
	defer m.m.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, cache.ErrCacheMiss
	}
	return o, nil
}

func (m *mockOrderCache) SetOrder(_ context.Context, order *domain.Order) error {
	m.m.Lock()
	defer m.m.Unlock()
	m.orders[order.ID] = order
	return nil
}

func (m *mockOrderCache) GetOrderList(_ context.Context, key cache.ListKey) ([]*domain.Order, error) {
	m.m.RLock()
	defer m.m.RUnlock()
	l, ok := m.lists[key.String()]
	if !ok {
		return nil, cache.ErrCacheMiss
	}
	return l, nil
}

func (m *mockOrderCache) SetOrderList(_ context.Context, key cache.ListKey, orders []*domain.Order) error {
	m.m.Lock()
	defer m.m.Unlock()
	m.lists[key.String()] = orders
	return nil
}

func (m *mockOrderCache) InvalidateOrder(_ context.Context, id int64) error {
	m.m.Lock()
	defer m.m.Unlock()
	delete(m.orders, id)
	m.lists = make(map[string][]*domain.Order)
	m.invalidated = append(m.invalidated, id)
	return nil
}

func (m *mockOrderCache) wasInvalidated(id int64) bool {
	m.m.RLock()
	defer m.m.RUnlock()
	for _, i := range m.invalidated {
		if i == id {
			return true
		}
	}
	return false
}

// mockGateway wraps the simulated gateway and can inject faults, declines and
// a hook that runs while an authorization is in flight.
type mockGateway struct {
	m              sync.RWMutex
	next           *gateway.Simulated
	authErr        error
	refundErr      error
	refundDeclined bool
	onAuthorize    func()
	authorizeCalls int
	refundCalls    int
}

func newMockGateway() *mockGateway {
	return &mockGateway{next: gateway.NewSimulated(gateway.OddDigitDecider{}, 0)}
}

func (g *mockGateway) Authorize(ctx context.Context, card domain.CardMeta, amount decimal.Decimal, reference string) (*gateway.AuthorizeResult, error) {
	g.m.Lock()
	g.authorizeCalls++
	err, hook := g.authErr, g.onAuthorize
	g.m.Unlock()

	if err != nil {
		return nil, err
	}
	if hook != nil {
		hook()
	}
	return g.next.Authorize(ctx, card, amount, reference)
}

func (g *mockGateway) Refund(ctx context.Context, reference string, amount decimal.Decimal) (*gateway.RefundResult, error) {
	g.m.Lock()
	g.refundCalls++
	err, declined := g.refundErr, g.refundDeclined
	g.m.Unlock()

	if err != nil {
		return nil, err
	}
	if declined {
		return &gateway.RefundResult{Reason: "refund rejected by acquirer"}, nil
	}
	return g.next.Refund(ctx, reference, amount)
}

func (g *mockGateway) calls() (authorize, refund int) {
	g.m.RLock()
	defer g.m.RUnlock()
	return g.authorizeCalls, g.refundCalls
}

// flakyStore fails the first failures transactions with a serialization error.
// When only is set, transactions with other options pass through uncounted.
type flakyStore struct {
	repository.Store
	m        sync.Mutex
	failures int
	calls    int
	only     *sql.TxOptions
}

func (f *flakyStore) InTx(ctx context.Context, opts *sql.TxOptions, fn func(q repository.Queries) error) error {
	if f.only != nil && opts != f.only {
		return f.Store.InTx(ctx, opts, fn)
	}

	f.m.Lock()
	f.calls++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.m.Unlock()

	if fail {
		return repository.ErrSerialization
	}
	return f.Store.InTx(ctx, opts, fn)
}

func (f *flakyStore) callCount() int {
	f.m.Lock()
	defer f.m.Unlock()
	return f.calls
}

var testNow = time.Date(2026, time.October, 17, 12, 0, 0, 0, time.UTC)

const (
	approvedCard = "4111 1111 1111 1112"
	declinedCard = "4111111111111111"
)

type fixture struct {
	store    *store.MemoryStore
	carts    *mockCartCache
	orders   *mockOrderCache
	gateway  *mockGateway
	cart     *CartService
	order    *OrderService
	payment  *PaymentService
	lamp     int64
	notebook int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })

	st.AddUser(domain.User{Username: "alice", Email: "alice@example.com"})
	st.AddUser(domain.User{Username: "bob", Email: "bob@example.com"})
	st.AddUser(domain.User{Username: "admin", Email: "admin@example.com", Role: domain.RoleAdmin})

	f := &fixture{
		store:   st,
		carts:   newMockCartCache(),
		orders:  newMockOrderCache(),
		gateway: newMockGateway(),
	}
	f.lamp = st.AddProduct(domain.Product{Name: "Desk lamp", Price: domain.MustMoney("10.00"), Stock: 5, Active: true})
	f.notebook = st.AddProduct(domain.Product{Name: "Notebook", Price: domain.MustMoney("3.50"), Stock: 20, Active: true})

	f.cart = NewCartService(st, f.carts, nil)
	f.cart.mergeBackoff = time.Millisecond
	f.order = NewOrderService(st, f.carts, f.orders, nil, 2)
	f.payment = NewPaymentService(st, f.order, f.gateway, nil)
	f.payment.now = func() time.Time { return testNow }
	return f
}

// placeOrder fills username's cart and checks it out with taxes 1.50 and shipping 3.00.
func (f *fixture) placeOrder(t *testing.T, username string, productID int64, quantity int) *domain.Order {
	t.Helper()
	ctx := context.Background()

	if _, err := f.cart.AddItem(ctx, domain.UserIdentity(username), productID, quantity); err != nil {
		t.Fatalf("add item: %v", err)
	}
	order, err := f.order.CreateOrder(ctx, username, domain.CreateOrderRequest{
		ShippingAddress: "Calle Mayor 1, Madrid",
		Taxes:           domain.MustMoney("1.50"),
		Shipping:        domain.MustMoney("3.00"),
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return order
}

func (f *fixture) pay(t *testing.T, orderID int64, username, amount, card string) *domain.PaymentResult {
	t.Helper()
	res, err := f.payment.ProcessPayment(context.Background(), domain.PaymentRequest{
		OrderID: orderID,
		Amount:  domain.MustMoney(amount),
		Card:    domain.CardDetails{Number: card, Expiry: "12/30", CVV: "123", Holder: "Alice"},
	}, username)
	if err != nil {
		t.Fatalf("process payment: %v", err)
	}
	return res
}

func (f *fixture) storedOrder(t *testing.T, id int64) *domain.Order {
	t.Helper()
	var order *domain.Order
	err := f.store.InTx(context.Background(), repository.ReadOnly, func(q repository.Queries) error {
		var err error
		order, err = q.GetOrder(context.Background(), id)
		return err
	})
	if err != nil {
		t.Fatalf("load order: %v", err)
	}
	return order
}

func (f *fixture) eventTypes(t *testing.T) []string {
	t.Helper()
	events, err := f.store.GetUnprocessedEvents(context.Background(), 1000)
	if err != nil {
		t.Fatalf("outbox: %v", err)
	}
	var types []string
	for _, e := range events {
		types = append(types, e.EventType)
	}
	return types
}
