package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/metrics"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/middleware"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/models"
	"go.uber.org/zap"
)

// defaultUserID is used until an authenticating gateway sets X-User-ID.
const defaultUserID int64 = 1

// Register mounts the order routes on r.
func (h *OrderHandlers) Register(r gin.IRouter) {
	r.GET("/", h.Root)
	r.GET("/health", Health("order-service"))
	r.GET("/ready", Ready("order-service", h.orders))
	r.GET("/metrics", metrics.Handler())

	orders := r.Group("/orders")
	{
		orders.GET("/health", Health("order-service"))
		orders.POST("", h.CreateOrder)
		orders.GET("", h.ListOrders)
		orders.GET("/:id", h.GetOrder)
		orders.PUT("/:id", h.UpdateOrder)
	}
}

// Root handles GET /
func (h *OrderHandlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "Order Service is running"})
}

// CreateOrder handles POST /orders. A new order answers 201; a replayed
// idempotency key answers 200 with the original order.
func (h *OrderHandlers) CreateOrder(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		return
	}

	var req models.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Failed to bind request", zap.Error(err))
		badRequest(c, "invalid request body")
		return
	}

	order, created, err := h.orders.CreateOrder(c.Request.Context(), userID, &req)
	if err != nil {
		handleError(c, h.logger, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, order)
}

// GetOrder handles GET /orders/:id
func (h *OrderHandlers) GetOrder(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(c.Request.Context(), id)
	if err != nil {
		handleError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, order)
}

// ListOrders handles GET /orders?user_id&skip&limit
func (h *OrderHandlers) ListOrders(c *gin.Context) {
	var filter models.OrderListFilter

	if raw := c.Query("user_id"); raw != "" {
		userID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			badRequest(c, "invalid user_id")
			return
		}
		filter.UserID = userID
	}

	var ok bool
	if filter.Skip, ok = queryInt(c, "skip"); !ok {
		return
	}
	if filter.Limit, ok = queryInt(c, "limit"); !ok {
		return
	}

	orders, err := h.orders.ListOrders(c.Request.Context(), filter)
	if err != nil {
		handleError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, orders)
}

// UpdateOrder handles PUT /orders/:id
func (h *OrderHandlers) UpdateOrder(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var req models.UpdateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}

	order, err := h.orders.UpdateOrder(c.Request.Context(), id, &req)
	if err != nil {
		handleError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, order)
}

func requestUserID(c *gin.Context) (int64, bool) {
	raw := c.GetHeader(middleware.HeaderUserID)
	if raw == "" {
		return defaultUserID, true
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "invalid "+middleware.HeaderUserID+" header")
		return 0, false
	}
	return id, true
}
