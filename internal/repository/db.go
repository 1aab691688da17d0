package repository

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/config"
	"go.uber.org/zap"
)

// Schemas owned by each service.
const (
	SchemaOrders    = "orders"
	SchemaInventory = "inventory"
)

//go:embed migrations/*.sql
var migrations embed.FS

const uniqueViolation = "23505"

// OpenPostgres connects to PostgreSQL with the configured pool limits.
func OpenPostgres(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.ConnectionString())
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("Database connected",
		zap.String("host", cfg.Host),
		zap.String("name", cfg.Name))

	return db, nil
}

// Migrate creates the tables of a schema if they do not exist yet.
func Migrate(ctx context.Context, db *sql.DB, schema string) error {
	ddl, err := migrations.ReadFile("migrations/" + schema + ".sql")
	if err != nil {
		return fmt.Errorf("unknown schema %q: %w", schema, err)
	}
	if _, err := db.ExecContext(ctx, string(ddl)); err != nil {
		return fmt.Errorf("migrate %s: %w", schema, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// inTx runs fn in a transaction, committing on nil and rolling back otherwise.
func inTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
