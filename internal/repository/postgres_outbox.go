package repository

import (
	"context"
	"database/sql"

	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/models"
	"go.uber.org/zap"
)

func insertOutboxEvent(ctx context.Context, tx *sql.Tx, ev models.OutboxEvent) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO outbox_events (id, exchange, routing_key, message_key, payload, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ev.ID, ev.Exchange, ev.RoutingKey, ev.MessageKey, []byte(ev.Payload), models.OutboxPending, ev.CreatedAt)
	return err
}

// DeliverPending claims up to limit pending rows, oldest first, and passes each
// to deliver. Rows are locked with SKIP LOCKED so concurrent dispatchers never
// claim the same row.
func (r *PostgresOrderRepository) DeliverPending(ctx context.Context, limit int, deliver func(context.Context, models.OutboxEvent) error) (int, int, error) {
	var delivered, failed int

	err := inTx(ctx, r.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, exchange, routing_key, message_key, payload, status, attempts, last_error, created_at
			FROM outbox_events
			WHERE status = 'pending'
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		`, limit)
		if err != nil {
			return err
		}

		var batch []models.OutboxEvent
		for rows.Next() {
			var ev models.OutboxEvent
			var payload []byte
			if err := rows.Scan(&ev.ID, &ev.Exchange, &ev.RoutingKey, &ev.MessageKey, &payload,
				&ev.Status, &ev.Attempts, &ev.LastError, &ev.CreatedAt); err != nil {
				rows.Close()
				return err
			}
			ev.Payload = payload
			batch = append(batch, ev)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, ev := range batch {
			if derr := deliver(ctx, ev); derr != nil {
				failed++
				if _, err := tx.ExecContext(ctx, `
					UPDATE outbox_events SET attempts = attempts + 1, last_error = $2 WHERE id = $1
				`, ev.ID, derr.Error()); err != nil {
					return err
				}
				continue
			}

			delivered++
			if _, err := tx.ExecContext(ctx, `
				UPDATE outbox_events SET status = 'delivered', attempts = attempts + 1, delivered_at = now() WHERE id = $1
			`, ev.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	if delivered+failed > 0 {
		r.logger.Debug("Outbox batch processed",
			zap.Int("delivered", delivered),
			zap.Int("failed", failed))
	}
	return delivered, failed, nil
}

// PendingCount returns the number of undelivered outbox rows.
func (r *PostgresOrderRepository) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox_events WHERE status = 'pending'`).Scan(&n)
	return n, err
}
