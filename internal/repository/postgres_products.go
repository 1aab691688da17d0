package repository

import (
	"context"
	"database/sql"
	"errors"
	"sort"

	"github.com/lib/pq"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/apperr"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/models"
	"go.uber.org/zap"
)

const productColumns = `id, name, description, price, quantity, created_at, updated_at`

// PostgresProductRepository implements ProductRepository using PostgreSQL.
type PostgresProductRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresProductRepository(db *sql.DB, logger *zap.Logger) *PostgresProductRepository {
	return &PostgresProductRepository{
		db:     db,
		logger: logger.Named("product-repository"),
	}
}

func (r *PostgresProductRepository) Create(ctx context.Context, req models.CreateProductRequest) (*models.Product, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO products (name, description, price, quantity)
		VALUES ($1, $2, $3, $4)
		RETURNING `+productColumns,
		req.Name, req.Description, req.Price, req.Quantity)

	p, err := scanProduct(row)
	if err != nil {
		r.logger.Error("Failed to create product", zap.String("name", req.Name), zap.Error(err))
		return nil, err
	}

	r.logger.Info("Product created", zap.Int64("product_id", p.ID), zap.Int("quantity", p.Quantity))
	return p, nil
}

func (r *PostgresProductRepository) GetByID(ctx context.Context, id int64) (*models.Product, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id)
	p, err := scanProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("Product not found")
	}
	return p, err
}

func (r *PostgresProductRepository) List(ctx context.Context, skip, limit int) ([]*models.Product, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		ORDER BY id
		LIMIT $1 OFFSET $2
	`, limit, skip)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]*models.Product, 0)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (r *PostgresProductRepository) Update(ctx context.Context, id int64, req models.UpdateProductRequest) (*models.Product, error) {
	var updated *models.Product

	err := inTx(ctx, r.db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1 FOR UPDATE`, id)
		p, err := scanProduct(row)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("Product not found")
		}
		if err != nil {
			return err
		}

		req.Apply(p)

		row = tx.QueryRowContext(ctx, `
			UPDATE products
			SET name = $2, description = $3, price = $4, quantity = $5, updated_at = now()
			WHERE id = $1
			RETURNING `+productColumns,
			id, p.Name, p.Description, p.Price, p.Quantity)
		updated, err = scanProduct(row)
		return err
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("Product updated", zap.Int64("product_id", id))
	return updated, nil
}

// Reserve locks the requested products in id order, checks every item before
// touching stock and then debits all of them in the same transaction.
// Attempts for the same order are serialized on an advisory lock, so a later
// attempt reads the earlier outcome instead of debiting again.
func (r *PostgresProductRepository) Reserve(ctx context.Context, orderID int64, items []models.ReservationItem) (*models.Reservation, error) {
	var res *models.Reservation

	err := inTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, orderID); err != nil {
			return err
		}

		existing, err := getReservation(ctx, tx, orderID)
		if err == nil {
			existing.Replayed = true
			res = existing
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		stock, err := lockStock(ctx, tx, items)
		if err != nil {
			return err
		}

		if reason := checkStock(stock, items); reason != "" {
			res, err = insertReservation(ctx, tx, orderID, models.ReservationFailed, reason)
			return err
		}

		for _, item := range items {
			if _, err := tx.ExecContext(ctx, `
				UPDATE products SET quantity = quantity - $2, updated_at = now() WHERE id = $1
			`, item.ProductID, item.Quantity); err != nil {
				return err
			}
		}

		res, err = insertReservation(ctx, tx, orderID, models.ReservationReserved, "")
		return err
	})
	if isUniqueViolation(err) {
		// Another attempt recorded an outcome for this order first.
		res, err = r.GetReservation(ctx, orderID)
		if err == nil {
			res.Replayed = true
		}
	}
	if err != nil {
		r.logger.Error("Reservation rolled back", zap.Int64("order_id", orderID), zap.Error(err))
		return nil, err
	}

	r.logger.Info("Reservation recorded",
		zap.Int64("order_id", orderID),
		zap.String("status", string(res.Status)),
		zap.String("reason", res.Reason),
		zap.Bool("replayed", res.Replayed))
	return res, nil
}

func (r *PostgresProductRepository) GetReservation(ctx context.Context, orderID int64) (*models.Reservation, error) {
	res, err := getReservation(ctx, r.db, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("Reservation for order %d not found", orderID)
	}
	return res, err
}

func (r *PostgresProductRepository) RecordFailure(ctx context.Context, orderID int64, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO reservations (order_id, status, reason)
		VALUES ($1, $2, $3)
		ON CONFLICT (order_id) DO NOTHING
	`, orderID, models.ReservationFailed, reason)
	return err
}

func (r *PostgresProductRepository) Release(ctx context.Context, items []models.ReservationItem) error {
	return inTx(ctx, r.db, func(tx *sql.Tx) error {
		for _, item := range items {
			result, err := tx.ExecContext(ctx, `
				UPDATE products SET quantity = quantity + $2, updated_at = now() WHERE id = $1
			`, item.ProductID, item.Quantity)
			if err != nil {
				return err
			}
			if n, _ := result.RowsAffected(); n == 0 {
				r.logger.Warn("Release skipped unknown product", zap.Int64("product_id", item.ProductID))
			}
		}
		return nil
	})
}

func (r *PostgresProductRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func lockStock(ctx context.Context, tx *sql.Tx, items []models.ReservationItem) (map[int64]int, error) {
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ProductID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	rows, err := tx.QueryContext(ctx, `
		SELECT id, quantity FROM products WHERE id = ANY($1) ORDER BY id FOR UPDATE
	`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stock := make(map[int64]int, len(ids))
	for rows.Next() {
		var id int64
		var qty int
		if err := rows.Scan(&id, &qty); err != nil {
			return nil, err
		}
		stock[id] = qty
	}
	return stock, rows.Err()
}

// checkStock returns the reason of the first item that cannot be served, or
// "" when all can. Repeated products draw from the same stock.
func checkStock(stock map[int64]int, items []models.ReservationItem) string {
	remaining := make(map[int64]int, len(stock))
	for id, qty := range stock {
		remaining[id] = qty
	}

	for _, item := range items {
		qty, ok := remaining[item.ProductID]
		if !ok {
			return notFoundReason(item.ProductID)
		}
		if qty < item.Quantity {
			return insufficientReason(item.ProductID)
		}
		remaining[item.ProductID] = qty - item.Quantity
	}
	return ""
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getReservation(ctx context.Context, q rowQuerier, orderID int64) (*models.Reservation, error) {
	var res models.Reservation
	err := q.QueryRowContext(ctx, `
		SELECT order_id, status, reason, created_at FROM reservations WHERE order_id = $1
	`, orderID).Scan(&res.OrderID, &res.Status, &res.Reason, &res.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func insertReservation(ctx context.Context, tx *sql.Tx, orderID int64, status models.ReservationStatus, reason string) (*models.Reservation, error) {
	res := &models.Reservation{OrderID: orderID, Status: status, Reason: reason}
	err := tx.QueryRowContext(ctx, `
		INSERT INTO reservations (order_id, status, reason)
		VALUES ($1, $2, $3)
		RETURNING created_at
	`, orderID, status, reason).Scan(&res.CreatedAt)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func scanProduct(s scanner) (*models.Product, error) {
	var p models.Product
	var description sql.NullString
	err := s.Scan(&p.ID, &p.Name, &description, &p.Price, &p.Quantity, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if description.Valid {
		p.Description = &description.String
	}
	return &p, nil
}
