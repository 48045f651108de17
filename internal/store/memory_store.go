package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fjod/go_cart/shop-service/internal/domain"
	"github.com/fjod/go_cart/shop-service/internal/repository"
	"github.com/google/uuid"
)

const (
	// AnonymousCartTTL is how long an untouched anonymous cart is kept.
	AnonymousCartTTL = 24 * time.Hour

	// CleanupInterval is how often the background cleanup runs
	CleanupInterval = 10 * time.Minute
)

var ErrReadOnlyTx = errors.New("write attempted in a read-only transaction")

type cartRow struct {
	ID        int64
	Owner     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type cartItemRow struct {
	ID        int64
	CartID    int64
	ProductID int64
	Quantity  int
	AddedAt   time.Time
}

type state struct {
	products  map[int64]domain.Product
	users     map[string]domain.User
	carts     map[string]cartRow
	cartItems map[int64]cartItemRow
	orders    map[int64]domain.Order
	numbers   map[string]int64
	payments  map[int64]domain.Payment
	outbox    []repository.OutboxEvent

	nextCartID    int64
	nextItemID    int64
	nextOrderID   int64
	nextDetailID  int64
	nextPaymentID int64
	nextProductID int64
	nextUserID    int64
}

// MemoryStore implements repository.Store and repository.OutboxRepository in memory.
// Write transactions run one at a time and are rolled back by restoring a snapshot,
// which gives them serializable semantics.
type MemoryStore struct {
	mu    sync.RWMutex
	state *state

	stopCleanup chan struct{}
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		state: &state{
			products:  make(map[int64]domain.Product),
			users:     make(map[string]domain.User),
			carts:     make(map[string]cartRow),
			cartItems: make(map[int64]cartItemRow),
			orders:    make(map[int64]domain.Order),
			numbers:   make(map[string]int64),
			payments:  make(map[int64]domain.Payment),
		},
		stopCleanup: make(chan struct{}),
	}

	s.wg.Add(1)
	go s.cleanupLoop()

	return s
}

func (s *MemoryStore) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.expireAnonymousCarts(time.Now())
		case <-s.stopCleanup:
			return
		}
	}
}

// expireAnonymousCarts drops anonymous carts not touched within AnonymousCartTTL.
func (s *MemoryStore) expireAnonymousCarts(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for owner, c := range s.state.carts {
		if !strings.HasPrefix(owner, "anon:") || now.Sub(c.UpdatedAt) < AnonymousCartTTL {
			continue
		}
		for id, item := range s.state.cartItems {
			if item.CartID == c.ID {
				delete(s.state.cartItems, id)
			}
		}
		delete(s.state.carts, owner)
		removed++
	}
	return removed
}

func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
	})
	s.wg.Wait()
	return nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// InTx runs fn against the store. Read-only transactions share a read lock;
// any other transaction holds the write lock and is undone if fn fails.
func (s *MemoryStore) InTx(ctx context.Context, opts *sql.TxOptions, fn func(q repository.Queries) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	if opts != nil && opts.ReadOnly {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return fn(&memQueries{st: s.state, readOnly: true})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	defer func() {
		if p := recover(); p != nil {
			s.state = snapshot
			panic(p)
		}
	}()

	if err = fn(&memQueries{st: s.state}); err != nil {
		s.state = snapshot
		return err
	}
	return nil
}

// AddProduct seeds a product and returns its id.
func (s *MemoryStore) AddProduct(p domain.Product) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == 0 {
		s.state.nextProductID++
		p.ID = s.state.nextProductID
	} else if p.ID > s.state.nextProductID {
		s.state.nextProductID = p.ID
	}
	p.Price = domain.Money(p.Price)
	p.UpdatedAt = time.Now()
	s.state.products[p.ID] = p
	return p.ID
}

func (s *MemoryStore) AddUser(u domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.Role == "" {
		u.Role = domain.RoleUser
	}
	s.state.nextUserID++
	u.ID = s.state.nextUserID
	s.state.users[u.Username] = u
}

// SetPrice changes a product price, as a catalog update would.
func (s *MemoryStore) SetPrice(productID int64, price string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.state.products[productID]
	if !ok {
		return repository.ErrProductNotFound
	}
	p.Price = domain.MustMoney(price)
	s.state.products[productID] = p
	return nil
}

// Stock returns the current stock of a product, or -1 if it does not exist.
func (s *MemoryStore) Stock(productID int64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.state.products[productID]
	if !ok {
		return -1
	}
	return p.Stock
}

func (s *MemoryStore) GetUnprocessedEvents(_ context.Context, limit int) ([]*repository.OutboxEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []*repository.OutboxEvent
	for i := range s.state.outbox {
		if len(events) >= limit {
			break
		}
		if s.state.outbox[i].ProcessedAt == nil {
			e := s.state.outbox[i]
			events = append(events, &e)
		}
	}
	return events, nil
}

func (s *MemoryStore) MarkEventAsProcessed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.state.outbox {
		if s.state.outbox[i].ID == id {
			now := time.Now()
			s.state.outbox[i].ProcessedAt = &now
			return nil
		}
	}
	return fmt.Errorf("outbox event %s not found", id)
}

func (s *MemoryStore) DeleteProcessedEvents(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.state.outbox[:0]
	var removed int64
	for _, e := range s.state.outbox {
		if e.ProcessedAt != nil && e.ProcessedAt.Before(olderThan) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.state.outbox = kept
	return removed, nil
}

func (st *state) clone() *state {
	c := *st
	c.products = make(map[int64]domain.Product, len(st.products))
	for k, v := range st.products {
		c.products[k] = v
	}
	c.users = make(map[string]domain.User, len(st.users))
	for k, v := range st.users {
		c.users[k] = v
	}
	c.carts = make(map[string]cartRow, len(st.carts))
	for k, v := range st.carts {
		c.carts[k] = v
	}
	c.cartItems = make(map[int64]cartItemRow, len(st.cartItems))
	for k, v := range st.cartItems {
		c.cartItems[k] = v
	}
	c.orders = make(map[int64]domain.Order, len(st.orders))
	for k, v := range st.orders {
		c.orders[k] = copyOrder(v)
	}
	c.numbers = make(map[string]int64, len(st.numbers))
	for k, v := range st.numbers {
		c.numbers[k] = v
	}
	c.payments = make(map[int64]domain.Payment, len(st.payments))
	for k, v := range st.payments {
		c.payments[k] = v
	}
	c.outbox = append([]repository.OutboxEvent(nil), st.outbox...)
	return &c
}

func copyOrder(o domain.Order) domain.Order {
	o.Details = append([]domain.OrderDetail{}, o.Details...)
	o.Payments = []domain.Payment{}
	return o
}

// memQueries implements repository.Queries over the locked state.
type memQueries struct {
	st       *state
	readOnly bool
}

func (q *memQueries) writable() error {
	if q.readOnly {
		return ErrReadOnlyTx
	}
	return nil
}

func (q *memQueries) GetProduct(_ context.Context, id int64) (*domain.Product, error) {
	p, ok := q.st.products[id]
	if !ok {
		return nil, repository.ErrProductNotFound
	}
	return &p, nil
}

func (q *memQueries) GetProductForUpdate(ctx context.Context, id int64) (*domain.Product, error) {
	return q.GetProduct(ctx, id)
}

func (q *memQueries) UpdateProductStock(_ context.Context, id int64, stock int) error {
	if err := q.writable(); err != nil {
		return err
	}
	p, ok := q.st.products[id]
	if !ok {
		return repository.ErrProductNotFound
	}
	if stock < 0 {
		return fmt.Errorf("stock of product %d would become negative", id)
	}
	p.Stock = stock
	p.UpdatedAt = time.Now()
	q.st.products[id] = p
	return nil
}

func (q *memQueries) GetUserByUsername(_ context.Context, username string) (*domain.User, error) {
	u, ok := q.st.users[username]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	return &u, nil
}

func (q *memQueries) GetCart(_ context.Context, owner string) (*domain.Cart, error) {
	row, ok := q.st.carts[owner]
	if !ok {
		return nil, repository.ErrCartNotFound
	}
	cart := &domain.Cart{
		ID:        row.ID,
		Owner:     row.Owner,
		Items:     []domain.CartItem{},
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
	for _, item := range q.st.cartItems {
		if item.CartID != row.ID {
			continue
		}
		p := q.st.products[item.ProductID]
		cart.Items = append(cart.Items, domain.CartItem{
			ID:          item.ID,
			CartID:      item.CartID,
			ProductID:   item.ProductID,
			ProductName: p.Name,
			UnitPrice:   p.Price,
			ImageURL:    p.ImageURL,
			Quantity:    item.Quantity,
			AddedAt:     item.AddedAt,
		})
	}
	sort.Slice(cart.Items, func(i, j int) bool { return cart.Items[i].ID < cart.Items[j].ID })
	cart.Recalculate()
	return cart, nil
}

func (q *memQueries) GetOrCreateCart(ctx context.Context, owner string) (*domain.Cart, error) {
	if _, exists := q.st.carts[owner]; !exists {
		if err := q.writable(); err != nil {
			return nil, err
		}
		q.st.nextCartID++
		now := time.Now()
		q.st.carts[owner] = cartRow{ID: q.st.nextCartID, Owner: owner, CreatedAt: now, UpdatedAt: now}
	}
	return q.GetCart(ctx, owner)
}

func (q *memQueries) AddCartItem(_ context.Context, cartID, productID int64, quantity int) (int64, error) {
	if err := q.writable(); err != nil {
		return 0, err
	}
	if err := checkQuantity(quantity); err != nil {
		return 0, err
	}
	if _, ok := q.st.products[productID]; !ok {
		return 0, repository.ErrProductNotFound
	}
	for _, item := range q.st.cartItems {
		if item.CartID == cartID && item.ProductID == productID {
			return 0, fmt.Errorf("product %d is already in cart %d", productID, cartID)
		}
	}
	q.st.nextItemID++
	q.st.cartItems[q.st.nextItemID] = cartItemRow{
		ID:        q.st.nextItemID,
		CartID:    cartID,
		ProductID: productID,
		Quantity:  quantity,
		AddedAt:   time.Now(),
	}
	q.touchCart(cartID)
	return q.st.nextItemID, nil
}

// checkQuantity mirrors the CHECK (quantity > 0) constraint of the cart_items table.
func checkQuantity(quantity int) error {
	if quantity < 1 || quantity > domain.MaxItemQuantity {
		return fmt.Errorf("cart item quantity %d out of range", quantity)
	}
	return nil
}

func (q *memQueries) UpdateCartItemQuantity(_ context.Context, itemID int64, quantity int) error {
	if err := q.writable(); err != nil {
		return err
	}
	if err := checkQuantity(quantity); err != nil {
		return err
	}
	item, ok := q.st.cartItems[itemID]
	if !ok {
		return repository.ErrCartItemNotFound
	}
	item.Quantity = quantity
	q.st.cartItems[itemID] = item
	q.touchCart(item.CartID)
	return nil
}

func (q *memQueries) DeleteCartItem(_ context.Context, itemID int64) error {
	if err := q.writable(); err != nil {
		return err
	}
	item, ok := q.st.cartItems[itemID]
	if !ok {
		return nil
	}
	delete(q.st.cartItems, itemID)
	q.touchCart(item.CartID)
	return nil
}

func (q *memQueries) GetCartItemCartID(_ context.Context, itemID int64) (int64, error) {
	item, ok := q.st.cartItems[itemID]
	if !ok {
		return 0, repository.ErrCartItemNotFound
	}
	return item.CartID, nil
}

func (q *memQueries) ClearCart(_ context.Context, cartID int64) error {
	if err := q.writable(); err != nil {
		return err
	}
	for id, item := range q.st.cartItems {
		if item.CartID == cartID {
			delete(q.st.cartItems, id)
		}
	}
	q.touchCart(cartID)
	return nil
}

func (q *memQueries) touchCart(cartID int64) {
	for owner, c := range q.st.carts {
		if c.ID == cartID {
			c.UpdatedAt = time.Now()
			q.st.carts[owner] = c
			return
		}
	}
}

func (q *memQueries) CreateOrder(_ context.Context, order *domain.Order) error {
	if err := q.writable(); err != nil {
		return err
	}
	if _, exists := q.st.numbers[order.Number]; exists {
		return repository.ErrDuplicateOrderNumber
	}
	if _, ok := q.st.users[order.Username]; !ok {
		return fmt.Errorf("insert order: %w", repository.ErrUserNotFound)
	}
	q.st.nextOrderID++
	now := time.Now()
	order.ID = q.st.nextOrderID
	order.CreatedAt, order.UpdatedAt = now, now
	for i := range order.Details {
		q.st.nextDetailID++
		order.Details[i].ID = q.st.nextDetailID
		order.Details[i].OrderID = order.ID
	}
	q.st.orders[order.ID] = copyOrder(*order)
	q.st.numbers[order.Number] = order.ID
	return nil
}

func (q *memQueries) GetOrder(_ context.Context, id int64) (*domain.Order, error) {
	o, ok := q.st.orders[id]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	out := copyOrder(o)
	out.Payments = q.paymentsOf(id)
	return &out, nil
}

func (q *memQueries) GetOrderForUpdate(ctx context.Context, id int64) (*domain.Order, error) {
	return q.GetOrder(ctx, id)
}

func (q *memQueries) UpdateOrder(_ context.Context, order *domain.Order) error {
	if err := q.writable(); err != nil {
		return err
	}
	stored, ok := q.st.orders[order.ID]
	if !ok {
		return repository.ErrOrderNotFound
	}
	stored.Status = order.Status
	stored.Notes = order.Notes
	stored.UpdatedAt = time.Now()
	order.UpdatedAt = stored.UpdatedAt
	q.st.orders[order.ID] = stored
	return nil
}

func (q *memQueries) ListOrdersByUser(_ context.Context, username string, page domain.Page) ([]*domain.Order, error) {
	return q.listOrders(page, func(o domain.Order) bool { return o.Username == username }), nil
}

func (q *memQueries) ListOrders(_ context.Context, page domain.Page) ([]*domain.Order, error) {
	return q.listOrders(page, func(domain.Order) bool { return true }), nil
}

func (q *memQueries) listOrders(page domain.Page, keep func(domain.Order) bool) []*domain.Order {
	all := make([]domain.Order, 0, len(q.st.orders))
	for _, o := range q.st.orders {
		if keep(o) {
			all = append(all, o)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})

	out := []*domain.Order{}
	for i := page.Offset(); i < len(all) && len(out) < page.Size; i++ {
		o := copyOrder(all[i])
		out = append(out, &o)
	}
	return out
}

func (q *memQueries) CreatePayment(_ context.Context, p *domain.Payment) error {
	if err := q.writable(); err != nil {
		return err
	}
	if _, ok := q.st.orders[p.OrderID]; !ok {
		return fmt.Errorf("insert payment: %w", repository.ErrOrderNotFound)
	}
	q.st.nextPaymentID++
	p.ID = q.st.nextPaymentID
	p.CreatedAt = time.Now()
	q.st.payments[p.ID] = *p
	return nil
}

func (q *memQueries) GetPayment(_ context.Context, id int64) (*domain.Payment, error) {
	p, ok := q.st.payments[id]
	if !ok {
		return nil, repository.ErrPaymentNotFound
	}
	return &p, nil
}

func (q *memQueries) UpdatePayment(_ context.Context, p *domain.Payment) error {
	if err := q.writable(); err != nil {
		return err
	}
	stored, ok := q.st.payments[p.ID]
	if !ok {
		return repository.ErrPaymentNotFound
	}
	stored.Status = p.Status
	stored.Reference = p.Reference
	stored.Reason = p.Reason
	stored.RefundedAt = p.RefundedAt
	q.st.payments[p.ID] = stored
	return nil
}

func (q *memQueries) ListPaymentsByOrder(_ context.Context, orderID int64) ([]domain.Payment, error) {
	return q.paymentsOf(orderID), nil
}

func (q *memQueries) paymentsOf(orderID int64) []domain.Payment {
	out := []domain.Payment{}
	for _, p := range q.st.payments {
		if p.OrderID == orderID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (q *memQueries) AddOutboxEvent(_ context.Context, aggregateID, eventType string, payload any) error {
	if err := q.writable(); err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	q.st.outbox = append(q.st.outbox, repository.OutboxEvent{
		ID:          uuid.New(),
		AggregateId: aggregateID,
		EventType:   eventType,
		Payload:     data,
		CreatedAt:   time.Now(),
	})
	return nil
}
