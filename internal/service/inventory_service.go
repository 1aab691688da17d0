package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/apperr"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/events"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/metrics"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/models"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/repository"
	"go.uber.org/zap"
)

// InventoryService owns the product catalog and answers reservation requests.
type InventoryService struct {
	products  repository.ProductRepository
	publisher events.Publisher
	exchange  string
	logger    *zap.Logger
}

func NewInventoryService(products repository.ProductRepository, publisher events.Publisher, exchange string, logger *zap.Logger) *InventoryService {
	return &InventoryService{
		products:  products,
		publisher: publisher,
		exchange:  exchange,
		logger:    logger.Named("inventory-service"),
	}
}

func (s *InventoryService) CreateProduct(ctx context.Context, req *models.CreateProductRequest) (*models.Product, error) {
	if err := ValidateCreateProductRequest(req); err != nil {
		return nil, err
	}
	return s.products.Create(ctx, *req)
}

func (s *InventoryService) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	return s.products.GetByID(ctx, id)
}

func (s *InventoryService) ListProducts(ctx context.Context, skip, limit int) ([]*models.Product, error) {
	skip, limit, err := normalizePage(skip, limit)
	if err != nil {
		return nil, err
	}
	return s.products.List(ctx, skip, limit)
}

func (s *InventoryService) UpdateProduct(ctx context.Context, id int64, req *models.UpdateProductRequest) (*models.Product, error) {
	if err := ValidateUpdateProductRequest(req); err != nil {
		return nil, err
	}
	return s.products.Update(ctx, id, *req)
}

// HandleEvent is the subscription callback for order.created.
func (s *InventoryService) HandleEvent(ctx context.Context, e events.Event) error {
	switch ev := e.(type) {
	case events.OrderCreated:
		return s.OnOrderCreated(ctx, ev)
	case events.InventoryReserved, events.InventoryFailed:
		return fmt.Errorf("%w: inventory service does not consume %s", events.ErrMalformed, ev.RoutingKey())
	default:
		return fmt.Errorf("%w: unexpected event %T", events.ErrMalformed, e)
	}
}

// OnOrderCreated reserves the order's items and publishes the outcome. A
// redelivered order publishes its recorded outcome again without touching
// stock. The returned error is the publish error, so the message is retried
// until the outcome reaches the broker.
func (s *InventoryService) OnOrderCreated(ctx context.Context, ev events.OrderCreated) error {
	items := make([]models.ReservationItem, 0, len(ev.Items))
	for _, item := range ev.Items {
		items = append(items, models.ReservationItem{ProductID: item.ProductID, Quantity: item.Quantity})
	}

	res, err := s.reserveOrFail(ctx, ev.OrderID, items)
	if err != nil {
		return err
	}

	var outcome events.Event = events.InventoryReserved{OrderID: ev.OrderID}
	if !res.Succeeded() {
		outcome = events.InventoryFailed{OrderID: ev.OrderID, Reason: res.Reason}
	}

	if err := events.PublishEvent(ctx, s.publisher, s.exchange, outcome); err != nil {
		s.logger.Error("Failed to publish reservation outcome",
			zap.Int64("order_id", ev.OrderID),
			zap.String("routing_key", outcome.RoutingKey()),
			zap.Error(err))
		return err
	}
	return nil
}

// ReserveInventory is the synchronous reservation endpoint. It shares the
// recorded outcome with the saga path, so reserving the same order twice
// debits stock once.
func (s *InventoryService) ReserveInventory(ctx context.Context, req *models.ReservationRequest) (*models.ReservationResponse, error) {
	if err := ValidateReservationRequest(req); err != nil {
		return nil, err
	}

	res, err := s.reserveOrFail(ctx, req.OrderID, req.Items)
	if err != nil {
		return nil, err
	}

	if !res.Succeeded() {
		return &models.ReservationResponse{Success: false, OrderID: req.OrderID, Reason: res.Reason}, nil
	}
	return &models.ReservationResponse{Success: true, OrderID: req.OrderID}, nil
}

// ReleaseInventory adds the quantities back to stock.
func (s *InventoryService) ReleaseInventory(ctx context.Context, req *models.ReservationRequest) (*models.ReservationResponse, error) {
	if err := ValidateReservationRequest(req); err != nil {
		return nil, err
	}

	if err := s.products.Release(ctx, req.Items); err != nil {
		s.logger.Error("Failed to release inventory", zap.Int64("order_id", req.OrderID), zap.Error(err))
		return &models.ReservationResponse{Success: false, OrderID: req.OrderID, Reason: err.Error()}, nil
	}

	s.logger.Info("Inventory released", zap.Int64("order_id", req.OrderID), zap.Int("item_count", len(req.Items)))
	return &models.ReservationResponse{Success: true, OrderID: req.OrderID}, nil
}

// Ping checks the product store.
func (s *InventoryService) Ping(ctx context.Context) error {
	return s.products.Ping(ctx)
}

// reserveOrFail always settles the order: storage errors become a recorded
// failure carrying the error text. Only a cancelled context is returned, so
// shutdown never cancels an order.
func (s *InventoryService) reserveOrFail(ctx context.Context, orderID int64, items []models.ReservationItem) (*models.Reservation, error) {
	if reason := invalidItemReason(items); reason != "" {
		return s.fail(ctx, orderID, reason), nil
	}

	res, err := s.products.Reserve(ctx, orderID, items)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Error("Reservation failed", zap.Int64("order_id", orderID), zap.Error(err))
		return s.fail(ctx, orderID, err.Error()), nil
	}

	metrics.Reservations.WithLabelValues(string(res.Status), strconv.FormatBool(res.Replayed)).Inc()
	return res, nil
}

// fail records a failed outcome and returns whatever outcome is stored for
// the order, which differs when a concurrent attempt settled it first.
func (s *InventoryService) fail(ctx context.Context, orderID int64, reason string) *models.Reservation {
	if err := s.products.RecordFailure(ctx, orderID, reason); err != nil {
		s.logger.Warn("Failed to record reservation failure", zap.Int64("order_id", orderID), zap.Error(err))
	}

	recorded, err := s.products.GetReservation(ctx, orderID)
	if err == nil {
		if recorded.Status != models.ReservationFailed || recorded.Reason != reason {
			s.logger.Info("Order already settled, using recorded outcome",
				zap.Int64("order_id", orderID),
				zap.String("status", string(recorded.Status)))
			recorded.Replayed = true
		}
		metrics.Reservations.WithLabelValues(string(recorded.Status), strconv.FormatBool(recorded.Replayed)).Inc()
		return recorded
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		s.logger.Warn("Failed to read recorded reservation", zap.Int64("order_id", orderID), zap.Error(err))
	}

	metrics.Reservations.WithLabelValues(string(models.ReservationFailed), "false").Inc()
	return &models.Reservation{OrderID: orderID, Status: models.ReservationFailed, Reason: reason}
}
