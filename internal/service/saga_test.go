package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/events"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/models"
	"go.uber.org/zap"
)

type sagaFixture struct {
	orders    *orderFixture
	products  *memProductRepo
	inventory *InventoryService
	publisher *recordingPublisher
	relayed   int
}

func newSagaFixture() *sagaFixture {
	products := newMemProductRepo()
	publisher := &recordingPublisher{}
	return &sagaFixture{
		orders:    newOrderFixture(map[int64]string{}),
		products:  products,
		inventory: NewInventoryService(products, publisher, "order_events", zap.NewNop()),
		publisher: publisher,
	}
}

func (f *sagaFixture) seed(id int64, price string, qty int) {
	f.products.seed(id, price, qty)
	f.orders.catalog.prices[id] = price
}

// deliverOrderEvents hands every outbox row to the inventory handler the way
// the dispatcher and subscriber would.
func (f *sagaFixture) deliverOrderEvents(t *testing.T) {
	t.Helper()
	handler := events.EventHandler(f.inventory.HandleEvent)
	for _, ev := range f.orders.repo.outboxEvents() {
		msg := events.Message{Exchange: ev.Exchange, RoutingKey: ev.RoutingKey, Key: ev.MessageKey, Payload: ev.Payload}
		require.NoError(t, handler(context.Background(), msg))
	}
}

// deliverOutcomes hands outcome messages not yet relayed to the order handler.
func (f *sagaFixture) deliverOutcomes(t *testing.T) {
	t.Helper()
	handler := events.EventHandler(f.orders.svc.HandleOutcome)
	published := f.publisher.published()
	for _, msg := range published[f.relayed:] {
		require.NoError(t, handler(context.Background(), msg))
	}
	f.relayed = len(published)
}

func (f *sagaFixture) run(t *testing.T) {
	t.Helper()
	f.deliverOrderEvents(t)
	f.deliverOutcomes(t)
}

func (f *sagaFixture) status(t *testing.T, id int64) models.OrderStatus {
	t.Helper()
	o, err := f.orders.repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	return o.Status
}

func TestSaga_ReservationConfirmsOrder(t *testing.T) {
	f := newSagaFixture()
	f.seed(1, "50.00", 5)

	order, created, err := f.orders.svc.CreateOrder(context.Background(), 1, &models.CreateOrderRequest{
		IdempotencyKey: "k-a",
		Items:          []models.CreateOrderItem{{ProductID: 1, Quantity: 2}},
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.OrderStatusPending, order.Status)
	assert.Equal(t, "100.00", order.TotalAmount.StringFixed(2))

	f.run(t)

	assert.Equal(t, 3, f.products.stock(1))
	assert.Equal(t, models.OrderStatusConfirmed, f.status(t, order.ID))

	published := f.publisher.published()
	require.Len(t, published, 1)
	assert.Equal(t, events.RoutingKeyInventoryReserved, published[0].RoutingKey)
}

func TestSaga_InsufficientStockCancelsOrder(t *testing.T) {
	f := newSagaFixture()
	f.seed(1, "50.00", 1)

	order, _, err := f.orders.svc.CreateOrder(context.Background(), 1, &models.CreateOrderRequest{
		IdempotencyKey: "k-b",
		Items:          []models.CreateOrderItem{{ProductID: 1, Quantity: 2}},
	})
	require.NoError(t, err)

	f.run(t)

	assert.Equal(t, 1, f.products.stock(1))
	assert.Equal(t, models.OrderStatusCancelled, f.status(t, order.ID))

	published := f.publisher.published()
	require.Len(t, published, 1)
	ev, err := events.Decode(published[0].RoutingKey, published[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, events.InventoryFailed{OrderID: order.ID, Reason: "Insufficient inventory for product 1"}, ev)
}

func TestSaga_AllOrNothing(t *testing.T) {
	f := newSagaFixture()
	f.seed(1, "10.00", 5)
	f.seed(2, "20.00", 1)

	order, _, err := f.orders.svc.CreateOrder(context.Background(), 1, &models.CreateOrderRequest{
		IdempotencyKey: "k-mixed",
		Items: []models.CreateOrderItem{
			{ProductID: 1, Quantity: 2},
			{ProductID: 2, Quantity: 3},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "80.00", order.TotalAmount.StringFixed(2))

	f.run(t)

	assert.Equal(t, 5, f.products.stock(1), "first item must not be debited")
	assert.Equal(t, 1, f.products.stock(2))
	assert.Equal(t, models.OrderStatusCancelled, f.status(t, order.ID))
}

func TestSaga_IdempotentCreation(t *testing.T) {
	f := newSagaFixture()
	f.seed(1, "50.00", 5)
	req := &models.CreateOrderRequest{
		IdempotencyKey: "k-dup",
		Items:          []models.CreateOrderItem{{ProductID: 1, Quantity: 1}},
	}

	first, created, err := f.orders.svc.CreateOrder(context.Background(), 1, req)
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := f.orders.svc.CreateOrder(context.Background(), 1, req)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	assert.Len(t, f.orders.repo.outboxEvents(), 1)

	f.run(t)
	assert.Equal(t, 4, f.products.stock(1))
}

func TestSaga_RedeliveredOrderCreatedDebitsOnce(t *testing.T) {
	f := newSagaFixture()
	f.seed(1, "50.00", 5)

	order, _, err := f.orders.svc.CreateOrder(context.Background(), 1, &models.CreateOrderRequest{
		IdempotencyKey: "k-redeliver",
		Items:          []models.CreateOrderItem{{ProductID: 1, Quantity: 2}},
	})
	require.NoError(t, err)

	f.deliverOrderEvents(t)
	f.deliverOrderEvents(t)
	f.deliverOutcomes(t)

	assert.Equal(t, 3, f.products.stock(1))
	assert.Equal(t, models.OrderStatusConfirmed, f.status(t, order.ID))

	published := f.publisher.published()
	require.Len(t, published, 2)
	for _, msg := range published {
		assert.Equal(t, events.RoutingKeyInventoryReserved, msg.RoutingKey)
	}
}

// lateDuplicateRepo commits the reservation and then reports the unique
// violation a concurrent attempt for the same order would have hit.
type lateDuplicateRepo struct {
	*memProductRepo
}

func (r lateDuplicateRepo) Reserve(ctx context.Context, orderID int64, items []models.ReservationItem) (*models.Reservation, error) {
	if _, err := r.memProductRepo.Reserve(ctx, orderID, items); err != nil {
		return nil, err
	}
	return nil, errors.New(`pq: duplicate key value violates unique constraint "reservations_pkey"`)
}

func TestSaga_ConcurrentReservationPublishesRecordedOutcome(t *testing.T) {
	f := newSagaFixture()
	f.seed(1, "50.00", 5)
	f.inventory = NewInventoryService(lateDuplicateRepo{f.products}, f.publisher, "order_events", zap.NewNop())

	order, _, err := f.orders.svc.CreateOrder(context.Background(), 1, &models.CreateOrderRequest{
		IdempotencyKey: "k-race",
		Items:          []models.CreateOrderItem{{ProductID: 1, Quantity: 2}},
	})
	require.NoError(t, err)

	f.run(t)

	assert.Equal(t, 3, f.products.stock(1))
	assert.Equal(t, models.OrderStatusConfirmed, f.status(t, order.ID))

	published := f.publisher.published()
	require.Len(t, published, 1)
	assert.Equal(t, events.RoutingKeyInventoryReserved, published[0].RoutingKey)
}

func TestSaga_OutcomePublishFailureIsRetried(t *testing.T) {
	f := newSagaFixture()
	f.seed(1, "50.00", 5)
	f.publisher.failures = 1

	order, _, err := f.orders.svc.CreateOrder(context.Background(), 1, &models.CreateOrderRequest{
		IdempotencyKey: "k-retry",
		Items:          []models.CreateOrderItem{{ProductID: 1, Quantity: 2}},
	})
	require.NoError(t, err)

	ev := f.orders.repo.outboxEvents()[0]
	msg := events.Message{RoutingKey: ev.RoutingKey, Payload: ev.Payload}
	handler := events.EventHandler(f.inventory.HandleEvent)

	require.ErrorIs(t, handler(context.Background(), msg), errPublish)
	require.NoError(t, handler(context.Background(), msg))

	f.deliverOutcomes(t)
	assert.Equal(t, 3, f.products.stock(1))
	assert.Equal(t, models.OrderStatusConfirmed, f.status(t, order.ID))
}
