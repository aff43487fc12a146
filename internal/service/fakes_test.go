package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"marketplace-service/internal/gateway"
	"marketplace-service/internal/models"
	"marketplace-service/internal/store"
)

// memStore is an in-memory UnitOfWork. Transactions run one at a time and
// a failed transaction restores the state it started from.
type memStore struct {
	mu       sync.Mutex
	clock    Clock
	nextID   int64
	products map[int64]models.Product
	carts    map[int64][]models.CartItem
	orders   map[int64]models.Order
	items    map[int64][]models.OrderItem
	payments map[int64]models.Payment
	faults   map[string]error
	commits  int
}

type memState struct {
	nextID   int64
	products map[int64]models.Product
	carts    map[int64][]models.CartItem
	orders   map[int64]models.Order
	items    map[int64][]models.OrderItem
	payments map[int64]models.Payment
}

func newMemStore(clock Clock) *memStore {
	return &memStore{
		clock:    clock,
		products: map[int64]models.Product{},
		carts:    map[int64][]models.CartItem{},
		orders:   map[int64]models.Order{},
		items:    map[int64][]models.OrderItem{},
		payments: map[int64]models.Payment{},
		faults:   map[string]error{},
	}
}

func (m *memStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(ctx, &memTx{m: m}); err != nil {
		m.restore(snap)
		return err
	}
	m.commits++
	return nil
}

func (m *memStore) snapshot() memState {
	s := memState{
		nextID:   m.nextID,
		products: make(map[int64]models.Product, len(m.products)),
		carts:    make(map[int64][]models.CartItem, len(m.carts)),
		orders:   make(map[int64]models.Order, len(m.orders)),
		items:    make(map[int64][]models.OrderItem, len(m.items)),
		payments: make(map[int64]models.Payment, len(m.payments)),
	}
	for k, v := range m.products {
		s.products[k] = v
	}
	for k, v := range m.carts {
		s.carts[k] = append([]models.CartItem(nil), v...)
	}
	for k, v := range m.orders {
		s.orders[k] = v
	}
	for k, v := range m.items {
		s.items[k] = append([]models.OrderItem(nil), v...)
	}
	for k, v := range m.payments {
		s.payments[k] = v
	}
	return s
}

func (m *memStore) restore(s memState) {
	m.nextID = s.nextID
	m.products = s.products
	m.carts = s.carts
	m.orders = s.orders
	m.items = s.items
	m.payments = s.payments
}

// failOn makes the named repository method fail until cleared.
func (m *memStore) failOn(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.faults, method)
		return
	}
	m.faults[method] = err
}

func (m *memStore) seedProduct(p models.Product) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	p.ID = m.nextID
	if p.Status == "" {
		p.Status = models.ProductStatusApproved
	}
	m.products[p.ID] = p
	return p.ID
}

func (m *memStore) seedCart(buyerID, productID int64, qty int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.products[productID]
	m.nextID++
	m.carts[buyerID] = append(m.carts[buyerID], models.CartItem{
		ID:         m.nextID,
		BuyerID:    buyerID,
		ProductID:  productID,
		SellerID:   p.SellerID,
		Quantity:   qty,
		PriceAtAdd: p.Price,
	})
}

func (m *memStore) stock(productID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.products[productID].StockQuantity
}

func (m *memStore) deleteProduct(productID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.products, productID)
}

func (m *memStore) order(id int64) models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orders[id]
}

func (m *memStore) payment(id int64) models.Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.payments[id]
}

func (m *memStore) cart(buyerID int64) []models.CartItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.CartItem(nil), m.carts[buyerID]...)
}

func (m *memStore) counts() (orders, payments int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders), len(m.payments)
}

// heldUnits sums the quantities of order items whose order still holds stock.
func (m *memStore) heldUnits(productID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	held := 0
	for orderID, items := range m.items {
		if !m.orders[orderID].StockReserved {
			continue
		}
		for _, item := range items {
			if item.ProductID == productID {
				held += item.Quantity
			}
		}
	}
	return held
}

type memTx struct {
	m *memStore
}

func (t *memTx) fault(method string) error {
	return t.m.faults[method]
}

func (t *memTx) id() int64 {
	t.m.nextID++
	return t.m.nextID
}

func (t *memTx) GetProduct(_ context.Context, id int64) (*models.Product, error) {
	if err := t.fault("GetProduct"); err != nil {
		return nil, err
	}
	p, ok := t.m.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (t *memTx) LockProducts(_ context.Context, ids []int64) (map[int64]*models.Product, error) {
	if err := t.fault("LockProducts"); err != nil {
		return nil, err
	}
	out := make(map[int64]*models.Product, len(ids))
	for _, id := range ids {
		if p, ok := t.m.products[id]; ok {
			p := p
			out[id] = &p
		}
	}
	return out, nil
}

func (t *memTx) DecrementStock(_ context.Context, productID int64, qty int) (models.StockLevel, bool, error) {
	if err := t.fault("DecrementStock"); err != nil {
		return models.StockLevel{}, false, err
	}
	p, ok := t.m.products[productID]
	if !ok {
		return models.StockLevel{}, false, store.ErrNotFound
	}
	if p.StockQuantity < qty {
		return p.Level(), false, nil
	}
	p.StockQuantity -= qty
	p.StockVersion++
	t.m.products[productID] = p
	return p.Level(), true, nil
}

func (t *memTx) IncrementStock(_ context.Context, productID int64, qty int) (models.StockLevel, error) {
	if err := t.fault("IncrementStock"); err != nil {
		return models.StockLevel{}, err
	}
	p, ok := t.m.products[productID]
	if !ok {
		return models.StockLevel{}, store.ErrNotFound
	}
	p.StockQuantity += qty
	p.StockVersion++
	t.m.products[productID] = p
	return p.Level(), nil
}

func (t *memTx) GetCartItems(_ context.Context, buyerID int64) ([]models.CartItem, error) {
	return append([]models.CartItem(nil), t.m.carts[buyerID]...), nil
}

func (t *memTx) AddCartItem(_ context.Context, item *models.CartItem) error {
	lines := t.m.carts[item.BuyerID]
	for i := range lines {
		if lines[i].ProductID == item.ProductID {
			lines[i].Quantity += item.Quantity
			*item = lines[i]
			return nil
		}
	}
	item.ID = t.id()
	item.CreatedAt = t.m.clock.Now()
	t.m.carts[item.BuyerID] = append(lines, *item)
	return nil
}

func (t *memTx) ClearCart(_ context.Context, buyerID int64) error {
	if err := t.fault("ClearCart"); err != nil {
		return err
	}
	delete(t.m.carts, buyerID)
	return nil
}

func (t *memTx) CreateOrder(_ context.Context, order *models.Order) error {
	if err := t.fault("CreateOrder"); err != nil {
		return err
	}
	if !order.ReservationConsistent() {
		return errors.New("orders_reservation_check violated")
	}
	order.ID = t.id()
	order.CreatedAt = t.m.clock.Now()
	order.UpdatedAt = order.CreatedAt
	t.m.orders[order.ID] = *order
	return nil
}

func (t *memTx) GetOrder(_ context.Context, id int64) (*models.Order, error) {
	o, ok := t.m.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &o, nil
}

func (t *memTx) LockOrder(ctx context.Context, id int64) (*models.Order, error) {
	if err := t.fault("LockOrder"); err != nil {
		return nil, err
	}
	return t.GetOrder(ctx, id)
}

func (t *memTx) GetOrderByIdempotencyKey(_ context.Context, buyerID int64, key string) (*models.Order, error) {
	for _, o := range t.m.orders {
		if o.BuyerID == buyerID && o.IdempotencyKey != nil && *o.IdempotencyKey == key {
			o := o
			return &o, nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *memTx) ListOrdersByBuyer(_ context.Context, buyerID int64, limit int) ([]models.Order, error) {
	var out []models.Order
	for _, o := range t.m.orders {
		if o.BuyerID == buyerID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) ListOrdersBySeller(_ context.Context, sellerID int64, limit int) ([]models.Order, error) {
	var out []models.Order
	for id, o := range t.m.orders {
		for _, item := range t.m.items[id] {
			if item.SellerID == sellerID {
				out = append(out, o)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) FindExpiredReservations(_ context.Context, now time.Time, limit int) ([]int64, error) {
	if err := t.fault("FindExpiredReservations"); err != nil {
		return nil, err
	}
	var ids []int64
	for id, o := range t.m.orders {
		if o.Status == models.OrderStatusPending && o.StockReserved && o.ReservedUntil != nil && o.ReservedUntil.Before(now) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (t *memTx) UpdateOrder(_ context.Context, order *models.Order) error {
	if err := t.fault("UpdateOrder"); err != nil {
		return err
	}
	if _, ok := t.m.orders[order.ID]; !ok {
		return store.ErrNotFound
	}
	if !order.ReservationConsistent() {
		return errors.New("orders_reservation_check violated")
	}
	order.UpdatedAt = t.m.clock.Now()
	t.m.orders[order.ID] = *order
	return nil
}

func (t *memTx) CreateOrderItem(_ context.Context, item *models.OrderItem) error {
	if err := t.fault("CreateOrderItem"); err != nil {
		return err
	}
	item.ID = t.id()
	t.m.items[item.OrderID] = append(t.m.items[item.OrderID], *item)
	return nil
}

func (t *memTx) GetOrderItems(_ context.Context, orderID int64) ([]models.OrderItem, error) {
	return append([]models.OrderItem(nil), t.m.items[orderID]...), nil
}

func (t *memTx) CreatePayment(_ context.Context, payment *models.Payment) error {
	if err := t.fault("CreatePayment"); err != nil {
		return err
	}
	for _, p := range t.m.payments {
		if p.OrderID == payment.OrderID {
			return fmt.Errorf("payment for order %d already exists", payment.OrderID)
		}
	}
	payment.ID = t.id()
	payment.CreatedAt = t.m.clock.Now()
	payment.UpdatedAt = payment.CreatedAt
	t.m.payments[payment.ID] = *payment
	return nil
}

func (t *memTx) GetPayment(_ context.Context, id int64) (*models.Payment, error) {
	p, ok := t.m.payments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (t *memTx) LockPayment(ctx context.Context, id int64) (*models.Payment, error) {
	return t.GetPayment(ctx, id)
}

func (t *memTx) GetPaymentByOrderID(_ context.Context, orderID int64) (*models.Payment, error) {
	for _, p := range t.m.payments {
		if p.OrderID == orderID {
			p := p
			return &p, nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *memTx) LockPaymentByTransactionID(_ context.Context, transactionID string) (*models.Payment, error) {
	for _, p := range t.m.payments {
		if p.TransactionID != nil && *p.TransactionID == transactionID {
			p := p
			return &p, nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *memTx) UpdatePayment(_ context.Context, payment *models.Payment) error {
	if err := t.fault("UpdatePayment"); err != nil {
		return err
	}
	if _, ok := t.m.payments[payment.ID]; !ok {
		return store.ErrNotFound
	}
	payment.UpdatedAt = t.m.clock.Now()
	t.m.payments[payment.ID] = *payment
	return nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakePublisher struct {
	mu     sync.Mutex
	events []models.Event
}

func (p *fakePublisher) Publish(_ context.Context, event models.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *fakePublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Base().EventType)
	}
	return out
}

func (p *fakePublisher) count(eventType string) int {
	n := 0
	for _, t := range p.types() {
		if t == eventType {
			n++
		}
	}
	return n
}

// fakeMirror keeps the highest version written per product, as the Redis
// mirror does.
type fakeMirror struct {
	mu     sync.Mutex
	levels map[int64]models.StockLevel
	err    error
}

func newFakeMirror() *fakeMirror {
	return &fakeMirror{levels: map[int64]models.StockLevel{}}
}

func (f *fakeMirror) SetAvailable(_ context.Context, productID int64, level models.StockLevel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if cur, ok := f.levels[productID]; ok && cur.Version >= level.Version {
		return nil
	}
	f.levels[productID] = level
	return nil
}

func (f *fakeMirror) GetAvailable(_ context.Context, productID int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.levels[productID]
	if !ok {
		return 0, errors.New("miss")
	}
	return v.Available, nil
}

func (f *fakeMirror) level(productID int64) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.levels[productID]
	return v.Available, ok
}

// fakeGateway hands out TXN-0001, TXN-0002, ... and, like the real
// gateway, replays the first reference for a repeated idempotency key.
type fakeGateway struct {
	mu       sync.Mutex
	err      error
	block    bool
	seq      int
	byKey    map[string]string
	requests []gateway.InitiateRequest
}

func (g *fakeGateway) Initiate(ctx context.Context, req gateway.InitiateRequest) (*gateway.InitiateResponse, error) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	err, block := g.err, g.block
	g.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.byKey == nil {
		g.byKey = map[string]string{}
	}
	reference, ok := g.byKey[req.IdempotencyKey]
	if !ok {
		g.seq++
		reference = fmt.Sprintf("TXN-%04d", g.seq)
		g.byKey[req.IdempotencyKey] = reference
	}
	return &gateway.InitiateResponse{
		Reference: reference,
		Payload:   []byte(fmt.Sprintf(`{"reference":%q}`, reference)),
	}, nil
}

func (g *fakeGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

// fixture wires every workflow against one in-memory store.
type fixture struct {
	clock      *fakeClock
	db         *memStore
	mirror     *fakeMirror
	events     *fakePublisher
	gw         *fakeGateway
	orders     *OrderService
	reconciler *PaymentReconciler
	sweeper    *ExpirySweeper
}

func newFixture() *fixture {
	clock := newFakeClock()
	db := newMemStore(clock)
	mirror := newFakeMirror()
	events := &fakePublisher{}
	gw := &fakeGateway{}
	ledger := NewLedger(mirror)

	return &fixture{
		clock:      clock,
		db:         db,
		mirror:     mirror,
		events:     events,
		gw:         gw,
		orders:     NewOrderService(db, ledger, events, mirror, clock),
		reconciler: NewPaymentReconciler(db, ledger, gw, events, clock, 50*time.Millisecond),
		sweeper:    NewExpirySweeper(db, ledger, events, clock, 2),
	}
}

const (
	buyerA  int64 = 1001
	buyerB  int64 = 1002
	sellerS int64 = 501
	sellerT int64 = 502
)

func (f *fixture) product(stock int, price int64) int64 {
	return f.db.seedProduct(models.Product{
		SellerID:      sellerS,
		Name:          fmt.Sprintf("product-%d", price),
		Price:         price,
		StockQuantity: stock,
		IsActive:      true,
	})
}

func placeRequest(buyerID int64) *PlaceOrderRequest {
	return &PlaceOrderRequest{
		BuyerID:       buyerID,
		PaymentMethod: models.PaymentMethodPix,
		ShippingAddress: models.ShippingAddress{
			Street:     "Rua A, 1",
			City:       "Sao Paulo",
			State:      "SP",
			PostalCode: "01000-000",
			Country:    "BR",
		},
	}
}

// initiated places an order for the buyer's cart and opens its payment,
// returning the order and the gateway reference.
func (f *fixture) initiated(buyerID int64) (*models.OrderDetails, string) {
	details, err := f.orders.PlaceOrder(context.Background(), placeRequest(buyerID))
	if err != nil {
		panic(err)
	}
	payment, err := f.reconciler.InitiatePayment(context.Background(), buyerID, details.Order.ID)
	if err != nil {
		panic(err)
	}
	return details, *payment.TransactionID
}

func notification(txID, status string) gateway.Notification {
	return gateway.Notification{
		TransactionID: txID,
		Status:        status,
		Raw:           []byte(fmt.Sprintf(`{"transaction_id":%q,"status":%q}`, txID, status)),
	}
}
