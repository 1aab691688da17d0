package service

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/apperr"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/config"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/events"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/models"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/repository"
	"go.uber.org/zap"
)

type memOrderRepo struct {
	mu     sync.Mutex
	nextID int64
	orders map[int64]models.Order
	byKey  map[string]int64
	outbox []models.OutboxEvent
}

func newMemOrderRepo() *memOrderRepo {
	return &memOrderRepo{orders: map[int64]models.Order{}, byKey: map[string]int64{}}
}

func (r *memOrderRepo) GetByID(_ context.Context, id int64) (*models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, apperr.NotFound("Order not found")
	}
	return &o, nil
}

func (r *memOrderRepo) GetByIdempotencyKey(_ context.Context, key string) (*models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byKey[key]
	if !ok {
		return nil, apperr.NotFound("Order not found")
	}
	o := r.orders[id]
	return &o, nil
}

func (r *memOrderRepo) CreateWithOutbox(_ context.Context, order *models.Order, newEvent repository.OutboxEventFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byKey[order.IdempotencyKey]; ok {
		return repository.ErrDuplicateIdempotencyKey
	}

	r.nextID++
	now := time.Now().UTC()
	order.ID = r.nextID
	order.CreatedAt, order.UpdatedAt = now, now
	for i := range order.Items {
		order.Items[i].ID = int64(i + 1)
		order.Items[i].CreatedAt = now
	}

	ev, err := newEvent(order)
	if err != nil {
		return err
	}

	r.orders[order.ID] = *order
	r.byKey[order.IdempotencyKey] = order.ID
	r.outbox = append(r.outbox, ev)
	return nil
}

func (r *memOrderRepo) TransitionStatus(_ context.Context, id int64, from, to models.OrderStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok || o.Status != from {
		return false, nil
	}
	o.Status = to
	o.UpdatedAt = time.Now().UTC()
	r.orders[id] = o
	return true, nil
}

func (r *memOrderRepo) List(_ context.Context, filter models.OrderListFilter) ([]*models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.Order, 0)
	for id := int64(1); id <= r.nextID; id++ {
		o, ok := r.orders[id]
		if !ok || (filter.UserID != 0 && o.UserID != filter.UserID) {
			continue
		}
		out = append(out, &o)
	}
	if filter.Skip >= len(out) {
		return []*models.Order{}, nil
	}
	out = out[filter.Skip:]
	if len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *memOrderRepo) Ping(context.Context) error { return nil }

func (r *memOrderRepo) outboxEvents() []models.OutboxEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.OutboxEvent(nil), r.outbox...)
}

type memOrderCache struct {
	mu     sync.Mutex
	orders map[int64]models.Order
	err    error
}

func newMemOrderCache() *memOrderCache {
	return &memOrderCache{orders: map[int64]models.Order{}}
}

func (c *memOrderCache) Get(_ context.Context, id int64) (*models.Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	o, ok := c.orders[id]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (c *memOrderCache) Set(_ context.Context, order *models.Order) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.orders[order.ID] = *order
	return nil
}

func (c *memOrderCache) Delete(_ context.Context, id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.orders, id)
	return c.err
}

func (c *memOrderCache) has(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.orders[id]
	return ok
}

// fakeCatalog prices products from a map and counts lookups.
type fakeCatalog struct {
	mu     sync.Mutex
	prices map[int64]string
	err    error
	calls  int
}

func (c *fakeCatalog) GetProduct(_ context.Context, id int64) (*models.Product, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	price, ok := c.prices[id]
	if !ok {
		return nil, apperr.NotFound("Product %d not found", id)
	}
	return &models.Product{ID: id, Price: decimal.RequireFromString(price)}, nil
}

type countingNotifier struct {
	mu sync.Mutex
	n  int
}

func (n *countingNotifier) Notify() {
	n.mu.Lock()
	n.n++
	n.mu.Unlock()
}

func (n *countingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.n
}

// memProductRepo serves reservations with the same all-or-nothing rules as
// the SQL store.
type memProductRepo struct {
	mu           sync.Mutex
	nextID       int64
	products     map[int64]models.Product
	reservations map[int64]models.Reservation
	reserveErr   error
	released     [][]models.ReservationItem
}

func newMemProductRepo() *memProductRepo {
	return &memProductRepo{products: map[int64]models.Product{}, reservations: map[int64]models.Reservation{}}
}

func (r *memProductRepo) seed(id int64, price string, qty int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.products[id] = models.Product{ID: id, Name: "Product", Price: decimal.RequireFromString(price), Quantity: qty}
	if id > r.nextID {
		r.nextID = id
	}
}

func (r *memProductRepo) stock(id int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.products[id].Quantity
}

func (r *memProductRepo) Create(_ context.Context, req models.CreateProductRequest) (*models.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	p := models.Product{ID: r.nextID, Name: req.Name, Description: req.Description, Price: req.Price, Quantity: req.Quantity}
	r.products[p.ID] = p
	return &p, nil
}

func (r *memProductRepo) GetByID(_ context.Context, id int64) (*models.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.products[id]
	if !ok {
		return nil, apperr.NotFound("Product not found")
	}
	return &p, nil
}

func (r *memProductRepo) List(_ context.Context, skip, limit int) ([]*models.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.Product, 0)
	for id := int64(1); id <= r.nextID; id++ {
		if p, ok := r.products[id]; ok {
			out = append(out, &p)
		}
	}
	if skip >= len(out) {
		return []*models.Product{}, nil
	}
	out = out[skip:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memProductRepo) Update(_ context.Context, id int64, req models.UpdateProductRequest) (*models.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.products[id]
	if !ok {
		return nil, apperr.NotFound("Product not found")
	}
	req.Apply(&p)
	r.products[id] = p
	return &p, nil
}

func (r *memProductRepo) Reserve(_ context.Context, orderID int64, items []models.ReservationItem) (*models.Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reserveErr != nil {
		return nil, r.reserveErr
	}
	if res, ok := r.reservations[orderID]; ok {
		res.Replayed = true
		return &res, nil
	}

	remaining := map[int64]int{}
	for id, p := range r.products {
		remaining[id] = p.Quantity
	}
	for _, item := range items {
		qty, ok := remaining[item.ProductID]
		if !ok {
			return r.record(orderID, models.ReservationFailed, "Product "+itoa(item.ProductID)+" not found"), nil
		}
		if qty < item.Quantity {
			return r.record(orderID, models.ReservationFailed, "Insufficient inventory for product "+itoa(item.ProductID)), nil
		}
		remaining[item.ProductID] = qty - item.Quantity
	}

	for id, qty := range remaining {
		p := r.products[id]
		p.Quantity = qty
		r.products[id] = p
	}
	return r.record(orderID, models.ReservationReserved, ""), nil
}

func (r *memProductRepo) record(orderID int64, status models.ReservationStatus, reason string) *models.Reservation {
	res := models.Reservation{OrderID: orderID, Status: status, Reason: reason, CreatedAt: time.Now().UTC()}
	r.reservations[orderID] = res
	return &res
}

func (r *memProductRepo) GetReservation(_ context.Context, orderID int64) (*models.Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.reservations[orderID]
	if !ok {
		return nil, apperr.NotFound("Reservation for order %d not found", orderID)
	}
	return &res, nil
}

func (r *memProductRepo) RecordFailure(_ context.Context, orderID int64, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.reservations[orderID]; !ok {
		r.record(orderID, models.ReservationFailed, reason)
	}
	return nil
}

func (r *memProductRepo) Release(_ context.Context, items []models.ReservationItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, items)
	for _, item := range items {
		if p, ok := r.products[item.ProductID]; ok {
			p.Quantity += item.Quantity
			r.products[item.ProductID] = p
		}
	}
	return nil
}

func (r *memProductRepo) Ping(context.Context) error { return nil }

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}

// recordingPublisher keeps every published message. While failures is
// positive each call fails with errPublish.
type recordingPublisher struct {
	mu       sync.Mutex
	messages []events.Message
	failures int
}

var errPublish = errors.New("broker unreachable")

func (p *recordingPublisher) Publish(_ context.Context, msg events.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return errPublish
	}
	p.messages = append(p.messages, msg)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) published() []events.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Message(nil), p.messages...)
}

func testConfig() *config.Config {
	return &config.Config{
		Broker:   config.BrokerConfig{Exchange: "order_events"},
		Features: config.FeatureFlags{EnableOrderCaching: true},
	}
}

type orderFixture struct {
	svc      *OrderService
	repo     *memOrderRepo
	cache    *memOrderCache
	catalog  *fakeCatalog
	notifier *countingNotifier
}

func newOrderFixture(prices map[int64]string) *orderFixture {
	f := &orderFixture{
		repo:     newMemOrderRepo(),
		cache:    newMemOrderCache(),
		catalog:  &fakeCatalog{prices: prices},
		notifier: &countingNotifier{},
	}
	f.svc = NewOrderService(f.repo, f.cache, f.catalog, f.notifier, testConfig(), zap.NewNop())
	return f
}
