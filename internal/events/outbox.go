package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/config"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/metrics"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/models"
	"go.uber.org/zap"
)

// OutboxStore hands pending outbox rows to deliver one at a time. A row is
// marked delivered only when deliver returns nil; otherwise its attempt count
// and last error are recorded and it stays pending.
type OutboxStore interface {
	DeliverPending(ctx context.Context, limit int, deliver func(ctx context.Context, ev models.OutboxEvent) error) (delivered, failed int, err error)
	PendingCount(ctx context.Context) (int, error)
}

// NewOutboxEvent prepares the outbox row announcing e.
func NewOutboxEvent(exchange string, e Event) (models.OutboxEvent, error) {
	msg, err := Encode(exchange, e)
	if err != nil {
		return models.OutboxEvent{}, err
	}
	return models.OutboxEvent{
		ID:         uuid.NewString(),
		Exchange:   msg.Exchange,
		RoutingKey: msg.RoutingKey,
		MessageKey: msg.Key,
		Payload:    msg.Payload,
		Status:     models.OutboxPending,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// Dispatcher relays committed outbox rows to the broker.
type Dispatcher struct {
	store     OutboxStore
	publisher Publisher
	interval  time.Duration
	batchSize int
	wake      chan struct{}
	logger    *zap.Logger
}

// NewDispatcher creates a dispatcher polling store every cfg.PollInterval.
func NewDispatcher(store OutboxStore, publisher Publisher, cfg config.OutboxConfig, logger *zap.Logger) *Dispatcher {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 50
	}
	return &Dispatcher{
		store:     store,
		publisher: publisher,
		interval:  interval,
		batchSize: batch,
		wake:      make(chan struct{}, 1),
		logger:    logger.Named("outbox"),
	}
}

// Notify wakes the dispatcher without waiting for the next poll. It never blocks.
func (d *Dispatcher) Notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run drains the outbox until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("Starting outbox dispatcher",
		zap.Duration("poll_interval", d.interval),
		zap.Int("batch_size", d.batchSize))

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		d.drain(ctx)

		select {
		case <-ctx.Done():
			d.logger.Info("Outbox dispatcher stopped")
			return nil
		case <-ticker.C:
		case <-d.wake:
		}
	}
}

// DispatchOnce delivers at most one batch and reports how many rows were published.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	delivered, failed, err := d.store.DeliverPending(ctx, d.batchSize, d.publish)
	if delivered > 0 {
		metrics.OutboxDispatched.WithLabelValues("delivered").Add(float64(delivered))
	}
	if failed > 0 {
		metrics.OutboxDispatched.WithLabelValues("failed").Add(float64(failed))
	}
	return delivered, err
}

func (d *Dispatcher) drain(ctx context.Context) {
	for ctx.Err() == nil {
		delivered, err := d.DispatchOnce(ctx)
		if err != nil {
			d.logger.Error("Outbox dispatch failed", zap.Error(err))
			break
		}
		if delivered < d.batchSize {
			break
		}
	}

	if n, err := d.store.PendingCount(ctx); err == nil {
		metrics.OutboxBacklog.Set(float64(n))
	}
}

func (d *Dispatcher) publish(ctx context.Context, ev models.OutboxEvent) error {
	err := d.publisher.Publish(ctx, Message{
		Exchange:   ev.Exchange,
		RoutingKey: ev.RoutingKey,
		Key:        ev.MessageKey,
		Payload:    ev.Payload,
		Headers:    map[string]string{HeaderEventID: ev.ID},
	})
	if err != nil {
		d.logger.Warn("Outbox event not delivered",
			zap.String("event_id", ev.ID),
			zap.String("routing_key", ev.RoutingKey),
			zap.Int("attempts", ev.Attempts+1),
			zap.Error(err))
		return err
	}
	return nil
}
