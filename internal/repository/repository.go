package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/events"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/models"
)

// ErrDuplicateIdempotencyKey is returned when another order already owns the key.
var ErrDuplicateIdempotencyKey = errors.New("idempotency key already used")

// Ensure implementations satisfy their interfaces
var (
	_ OrderRepository    = (*PostgresOrderRepository)(nil)
	_ events.OutboxStore = (*PostgresOrderRepository)(nil)
	_ OrderCache         = (*RedisOrderCache)(nil)
	_ ProductRepository  = (*PostgresProductRepository)(nil)
	_ ProductRepository  = (*DynamoProductRepository)(nil)
)

// OutboxEventFunc builds the outbox row for an order once its id is assigned.
type OutboxEventFunc func(order *models.Order) (models.OutboxEvent, error)

// OrderRepository persists orders and their items.
type OrderRepository interface {
	GetByID(ctx context.Context, id int64) (*models.Order, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*models.Order, error)

	// CreateWithOutbox inserts the order, its items and the outbox row from
	// newEvent in one transaction. The order's ID and timestamps are filled
	// in on success.
	CreateWithOutbox(ctx context.Context, order *models.Order, newEvent OutboxEventFunc) error

	// TransitionStatus moves the order from one status to another and reports
	// whether the row was in the expected status.
	TransitionStatus(ctx context.Context, id int64, from, to models.OrderStatus) (bool, error)

	List(ctx context.Context, filter models.OrderListFilter) ([]*models.Order, error)
	Ping(ctx context.Context) error
}

// OrderCache defines caching operations for orders.
type OrderCache interface {
	Get(ctx context.Context, id int64) (*models.Order, error)
	Set(ctx context.Context, order *models.Order) error
	Delete(ctx context.Context, id int64) error
}

// ProductRepository stores the catalog and performs stock reservations.
type ProductRepository interface {
	Create(ctx context.Context, req models.CreateProductRequest) (*models.Product, error)
	GetByID(ctx context.Context, id int64) (*models.Product, error)
	List(ctx context.Context, skip, limit int) ([]*models.Product, error)
	Update(ctx context.Context, id int64, req models.UpdateProductRequest) (*models.Product, error)

	// Reserve debits every item or nothing. A known order returns its recorded
	// outcome with Replayed set. Stock shortfalls are a failed reservation,
	// not an error; an error means nothing was debited or recorded.
	Reserve(ctx context.Context, orderID int64, items []models.ReservationItem) (*models.Reservation, error)

	// GetReservation returns the recorded outcome for an order, or
	// apperr.ErrNotFound when none is recorded yet.
	GetReservation(ctx context.Context, orderID int64) (*models.Reservation, error)

	// RecordFailure stores a failed outcome unless one is already recorded.
	RecordFailure(ctx context.Context, orderID int64, reason string) error

	// Release adds quantities back to existing products; unknown ids are skipped.
	Release(ctx context.Context, items []models.ReservationItem) error

	Ping(ctx context.Context) error
}

// Reason texts recorded for failed reservations.
func notFoundReason(productID int64) string {
	return fmt.Sprintf("Product %d not found", productID)
}

func insufficientReason(productID int64) string {
	return fmt.Sprintf("Insufficient inventory for product %d", productID)
}
