package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/apperr"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/clients"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/config"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/events"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/metrics"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/models"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/repository"
	"go.uber.org/zap"
)

// OutboxNotifier is woken after an outbox row has been committed.
type OutboxNotifier interface {
	Notify()
}

// OrderService handles order business logic.
type OrderService struct {
	orderRepo  repository.OrderRepository
	orderCache repository.OrderCache
	catalog    clients.CatalogClient
	outbox     OutboxNotifier
	exchange   string
	config     *config.Config
	logger     *zap.Logger
}

// NewOrderService creates a new order service. orderCache may be nil.
func NewOrderService(
	orderRepo repository.OrderRepository,
	orderCache repository.OrderCache,
	catalog clients.CatalogClient,
	outbox OutboxNotifier,
	cfg *config.Config,
	logger *zap.Logger,
) *OrderService {
	return &OrderService{
		orderRepo:  orderRepo,
		orderCache: orderCache,
		catalog:    catalog,
		outbox:     outbox,
		exchange:   cfg.Broker.Exchange,
		config:     cfg,
		logger:     logger.Named("order-service"),
	}
}

// CreateOrder creates a pending order and queues its order.created event.
// The boolean is false when the idempotency key already belonged to an order,
// which is then returned unchanged.
func (s *OrderService) CreateOrder(ctx context.Context, userID int64, req *models.CreateOrderRequest) (*models.Order, bool, error) {
	if err := ValidateCreateOrderRequest(req); err != nil {
		return nil, false, err
	}

	s.logger.Info("Creating order",
		zap.Int64("user_id", userID),
		zap.Int("item_count", len(req.Items)),
		zap.String("idempotency_key", req.IdempotencyKey))

	existing, err := s.orderRepo.GetByIdempotencyKey(ctx, req.IdempotencyKey)
	if err == nil {
		s.logger.Info("Order replayed for idempotency key", zap.Int64("order_id", existing.ID))
		metrics.OrdersCreated.WithLabelValues("replayed").Inc()
		return existing, false, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return nil, false, err
	}

	items, err := PriceItems(ctx, s.catalog, req.Items)
	if err != nil {
		s.logger.Warn("Failed to price order items", zap.Int64("user_id", userID), zap.Error(err))
		return nil, false, err
	}

	order := &models.Order{
		UserID:         userID,
		Status:         models.OrderStatusPending,
		IdempotencyKey: req.IdempotencyKey,
		Items:          items,
	}
	order.CalculateTotal()

	err = s.orderRepo.CreateWithOutbox(ctx, order, func(o *models.Order) (models.OutboxEvent, error) {
		return events.NewOutboxEvent(s.exchange, orderCreatedEvent(o))
	})
	if errors.Is(err, repository.ErrDuplicateIdempotencyKey) {
		// A concurrent request with the same key committed first.
		winner, err := s.orderRepo.GetByIdempotencyKey(ctx, req.IdempotencyKey)
		if err != nil {
			return nil, false, err
		}
		metrics.OrdersCreated.WithLabelValues("replayed").Inc()
		return winner, false, nil
	}
	if err != nil {
		s.logger.Error("Failed to create order", zap.Int64("user_id", userID), zap.Error(err))
		return nil, false, err
	}

	s.outbox.Notify()
	metrics.OrdersCreated.WithLabelValues("created").Inc()

	s.logger.Info("Order created successfully",
		zap.Int64("order_id", order.ID),
		zap.String("total", order.TotalAmount.StringFixed(2)))

	return order, true, nil
}

func orderCreatedEvent(o *models.Order) events.OrderCreated {
	ev := events.OrderCreated{OrderID: o.ID, Items: make([]events.Item, 0, len(o.Items))}
	for _, item := range o.Items {
		ev.Items = append(ev.Items, events.Item{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return ev
}

// HandleOutcome applies an inventory outcome to its pending order. Outcomes
// for unknown or already settled orders are logged and dropped.
func (s *OrderService) HandleOutcome(ctx context.Context, e events.Event) error {
	var target models.OrderStatus
	switch ev := e.(type) {
	case events.InventoryReserved:
		target = models.OrderStatusConfirmed
	case events.InventoryFailed:
		target = models.OrderStatusCancelled
		s.logger.Info("Inventory reservation failed",
			zap.Int64("order_id", ev.OrderID),
			zap.String("reason", ev.Reason))
	case events.OrderCreated:
		return fmt.Errorf("%w: order service does not consume %s", events.ErrMalformed, ev.RoutingKey())
	default:
		return fmt.Errorf("%w: unexpected event %T", events.ErrMalformed, e)
	}

	orderID := events.OrderID(e)
	routingKey := e.RoutingKey()

	moved, err := s.orderRepo.TransitionStatus(ctx, orderID, models.OrderStatusPending, target)
	if err != nil {
		s.logger.Error("Failed to apply outcome", zap.Int64("order_id", orderID), zap.Error(err))
		return err
	}

	if !moved {
		order, err := s.orderRepo.GetByID(ctx, orderID)
		if errors.Is(err, apperr.ErrNotFound) {
			s.logger.Error("Outcome for unknown order discarded",
				zap.Int64("order_id", orderID),
				zap.String("routing_key", routingKey))
			metrics.SagaOutcomes.WithLabelValues(routingKey, "discarded").Inc()
			return nil
		}
		if err != nil {
			return err
		}

		s.logger.Info("Outcome ignored for settled order",
			zap.Int64("order_id", orderID),
			zap.String("status", string(order.Status)),
			zap.String("routing_key", routingKey))
		metrics.SagaOutcomes.WithLabelValues(routingKey, "ignored").Inc()
		return nil
	}

	s.invalidate(ctx, orderID)
	metrics.SagaOutcomes.WithLabelValues(routingKey, "applied").Inc()

	s.logger.Info("Order status updated",
		zap.Int64("order_id", orderID),
		zap.String("status", string(target)))
	return nil
}

// GetOrder retrieves an order by ID, reading through the cache for settled
// orders.
func (s *OrderService) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	s.logger.Debug("Getting order", zap.Int64("order_id", id))

	if s.cachingEnabled() {
		cached, err := s.orderCache.Get(ctx, id)
		if err != nil {
			s.logger.Warn("Cache lookup failed", zap.Int64("order_id", id), zap.Error(err))
		} else if cached != nil {
			return cached, nil
		}
	}

	order, err := s.orderRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheOrder(ctx, order)
	return order, nil
}

// ListOrders returns a page of orders ordered by id.
func (s *OrderService) ListOrders(ctx context.Context, filter models.OrderListFilter) ([]*models.Order, error) {
	if err := ValidateOrderListFilter(&filter); err != nil {
		return nil, err
	}
	return s.orderRepo.List(ctx, filter)
}

// UpdateOrder changes the status of a pending order. Setting the current
// status again is a no-op.
func (s *OrderService) UpdateOrder(ctx context.Context, id int64, req *models.UpdateOrderRequest) (*models.Order, error) {
	if err := ValidateUpdateOrderRequest(req); err != nil {
		return nil, err
	}

	order, err := s.orderRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	next := *req.Status
	if order.Status == next {
		return order, nil
	}

	if !order.Status.CanTransition(next) {
		return nil, apperr.Conflict("Cannot change order status from %s to %s", order.Status, next)
	}

	moved, err := s.orderRepo.TransitionStatus(ctx, id, order.Status, next)
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, apperr.Conflict("Order %d was updated concurrently", id)
	}

	s.invalidate(ctx, id)
	s.logger.Info("Order status changed manually",
		zap.Int64("order_id", id),
		zap.String("from", string(order.Status)),
		zap.String("to", string(next)))

	return s.orderRepo.GetByID(ctx, id)
}

// Ping checks the order store.
func (s *OrderService) Ping(ctx context.Context) error {
	return s.orderRepo.Ping(ctx)
}

func (s *OrderService) cachingEnabled() bool {
	return s.orderCache != nil && s.config.Features.EnableOrderCaching
}

// cacheOrder stores settled orders only. A pending order changes as soon as
// its outcome is applied, and a copy read before that must not outlive it.
func (s *OrderService) cacheOrder(ctx context.Context, order *models.Order) {
	if !s.cachingEnabled() || !order.Status.Final() {
		return
	}
	if err := s.orderCache.Set(ctx, order); err != nil {
		// Log but don't fail
		s.logger.Warn("Failed to cache order", zap.Int64("order_id", order.ID), zap.Error(err))
	}
}

func (s *OrderService) invalidate(ctx context.Context, id int64) {
	if !s.cachingEnabled() {
		return
	}
	if err := s.orderCache.Delete(ctx, id); err != nil {
		s.logger.Warn("Failed to invalidate cached order", zap.Int64("order_id", id), zap.Error(err))
	}
}
