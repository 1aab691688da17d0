package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/apperr"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/models"
	"go.uber.org/zap"
)

const orderColumns = `id, user_id, status, total_amount, idempotency_key, created_at, updated_at`

// PostgresOrderRepository implements OrderRepository using PostgreSQL.
type PostgresOrderRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresOrderRepository creates a new PostgreSQL order repository.
func NewPostgresOrderRepository(db *sql.DB, logger *zap.Logger) *PostgresOrderRepository {
	return &PostgresOrderRepository{
		db:     db,
		logger: logger.Named("order-repository"),
	}
}

// GetByID retrieves an order with its items.
func (r *PostgresOrderRepository) GetByID(ctx context.Context, id int64) (*models.Order, error) {
	r.logger.Debug("Fetching order by ID", zap.Int64("order_id", id))

	row := r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	return r.getOne(ctx, row)
}

// GetByIdempotencyKey retrieves the order created with key.
func (r *PostgresOrderRepository) GetByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE idempotency_key = $1`, key)
	return r.getOne(ctx, row)
}

func (r *PostgresOrderRepository) getOne(ctx context.Context, row *sql.Row) (*models.Order, error) {
	order, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("Order not found")
	}
	if err != nil {
		r.logger.Error("Failed to fetch order", zap.Error(err))
		return nil, err
	}

	if err := r.loadItems(ctx, []*models.Order{order}); err != nil {
		return nil, err
	}
	return order, nil
}

// CreateWithOutbox inserts the order, its items and its outbox row atomically.
func (r *PostgresOrderRepository) CreateWithOutbox(ctx context.Context, order *models.Order, newEvent OutboxEventFunc) error {
	r.logger.Debug("Creating new order",
		zap.Int64("user_id", order.UserID),
		zap.String("idempotency_key", order.IdempotencyKey))

	err := inTx(ctx, r.db, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO orders (user_id, status, total_amount, idempotency_key)
			VALUES ($1, $2, $3, $4)
			RETURNING id, created_at, updated_at
		`, order.UserID, order.Status, order.TotalAmount, order.IdempotencyKey).
			Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt)
		if isUniqueViolation(err) {
			return ErrDuplicateIdempotencyKey
		}
		if err != nil {
			return err
		}

		for i := range order.Items {
			item := &order.Items[i]
			err := tx.QueryRowContext(ctx, `
				INSERT INTO order_items (order_id, product_id, quantity, price)
				VALUES ($1, $2, $3, $4)
				RETURNING id, created_at
			`, order.ID, item.ProductID, item.Quantity, item.Price).Scan(&item.ID, &item.CreatedAt)
			if err != nil {
				return err
			}
		}

		ev, err := newEvent(order)
		if err != nil {
			return err
		}
		return insertOutboxEvent(ctx, tx, ev)
	})
	if err != nil {
		order.ID = 0
		if !errors.Is(err, ErrDuplicateIdempotencyKey) {
			r.logger.Error("Failed to create order",
				zap.Int64("user_id", order.UserID),
				zap.Error(err))
		}
		return err
	}

	r.logger.Info("Order created successfully",
		zap.Int64("order_id", order.ID),
		zap.Int64("user_id", order.UserID),
		zap.String("total", order.TotalAmount.StringFixed(2)))

	return nil
}

// TransitionStatus performs a conditional status update.
func (r *PostgresOrderRepository) TransitionStatus(ctx context.Context, id int64, from, to models.OrderStatus) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE orders
		SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2
	`, id, from, to)
	if err != nil {
		r.logger.Error("Failed to update order status",
			zap.Int64("order_id", id),
			zap.Error(err))
		return false, err
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	if n > 0 {
		r.logger.Info("Order status updated",
			zap.Int64("order_id", id),
			zap.String("from", string(from)),
			zap.String("to", string(to)))
	}
	return n > 0, nil
}

// List retrieves orders by id, optionally restricted to one user.
func (r *PostgresOrderRepository) List(ctx context.Context, filter models.OrderListFilter) ([]*models.Order, error) {
	r.logger.Debug("Listing orders",
		zap.Int64("user_id", filter.UserID),
		zap.Int("skip", filter.Skip),
		zap.Int("limit", filter.Limit))

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE $1 = 0 OR user_id = $1
		ORDER BY id
		LIMIT $2 OFFSET $3
	`, filter.UserID, filter.Limit, filter.Skip)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]*models.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := r.loadItems(ctx, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

func (r *PostgresOrderRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *PostgresOrderRepository) loadItems(ctx context.Context, orders []*models.Order) error {
	if len(orders) == 0 {
		return nil
	}

	byID := make(map[int64]*models.Order, len(orders))
	ids := make([]int64, 0, len(orders))
	for _, o := range orders {
		o.Items = make([]models.OrderItem, 0)
		byID[o.ID] = o
		ids = append(ids, o.ID)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, order_id, product_id, quantity, price, created_at
		FROM order_items
		WHERE order_id = ANY($1)
		ORDER BY order_id, id
	`, pq.Array(ids))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var item models.OrderItem
		var orderID int64
		if err := rows.Scan(&item.ID, &orderID, &item.ProductID, &item.Quantity, &item.Price, &item.CreatedAt); err != nil {
			return err
		}
		if o, ok := byID[orderID]; ok {
			o.Items = append(o.Items, item)
		}
	}
	return rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(s scanner) (*models.Order, error) {
	var order models.Order
	err := s.Scan(
		&order.ID,
		&order.UserID,
		&order.Status,
		&order.TotalAmount,
		&order.IdempotencyKey,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &order, nil
}
