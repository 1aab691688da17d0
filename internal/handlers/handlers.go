package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/apperr"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/models"
	"go.uber.org/zap"
)

// OrderService is the order logic the HTTP layer depends on.
type OrderService interface {
	CreateOrder(ctx context.Context, userID int64, req *models.CreateOrderRequest) (*models.Order, bool, error)
	GetOrder(ctx context.Context, id int64) (*models.Order, error)
	ListOrders(ctx context.Context, filter models.OrderListFilter) ([]*models.Order, error)
	UpdateOrder(ctx context.Context, id int64, req *models.UpdateOrderRequest) (*models.Order, error)
	Ping(ctx context.Context) error
}

// InventoryService is the catalog and reservation logic the HTTP layer depends on.
type InventoryService interface {
	CreateProduct(ctx context.Context, req *models.CreateProductRequest) (*models.Product, error)
	GetProduct(ctx context.Context, id int64) (*models.Product, error)
	ListProducts(ctx context.Context, skip, limit int) ([]*models.Product, error)
	UpdateProduct(ctx context.Context, id int64, req *models.UpdateProductRequest) (*models.Product, error)
	ReserveInventory(ctx context.Context, req *models.ReservationRequest) (*models.ReservationResponse, error)
	ReleaseInventory(ctx context.Context, req *models.ReservationRequest) (*models.ReservationResponse, error)
	Ping(ctx context.Context) error
}

// OrderHandlers holds the HTTP handlers of the order service.
type OrderHandlers struct {
	orders OrderService
	logger *zap.Logger
}

func NewOrderHandlers(orders OrderService, logger *zap.Logger) *OrderHandlers {
	return &OrderHandlers{orders: orders, logger: logger.Named("handlers")}
}

// ProductHandlers holds the HTTP handlers of the product service.
type ProductHandlers struct {
	inventory InventoryService
	logger    *zap.Logger
}

func NewProductHandlers(inventory InventoryService, logger *zap.Logger) *ProductHandlers {
	return &ProductHandlers{inventory: inventory, logger: logger.Named("handlers")}
}

func handleError(c *gin.Context, logger *zap.Logger, err error) {
	var ve *apperr.ValidationError
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"detail": ve.Message, "field": ve.Field})
	case errors.Is(err, apperr.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"detail": apperr.Message(err, "Not found")})
	case errors.Is(err, apperr.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"detail": apperr.Message(err, "Conflict")})
	case errors.Is(err, apperr.ErrUnavailable):
		logger.Warn("Dependency unavailable", zap.String("path", c.Request.URL.Path), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"detail": apperr.Message(err, "Service unavailable")})
	default:
		logger.Error("Request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Internal server error"})
	}
}

func badRequest(c *gin.Context, detail string) {
	c.JSON(http.StatusBadRequest, gin.H{"detail": detail})
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "invalid id")
		return 0, false
	}
	return id, true
}

// queryInt reads an optional integer query parameter.
func queryInt(c *gin.Context, name string) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		badRequest(c, "invalid "+name)
		return 0, false
	}
	return n, true
}
