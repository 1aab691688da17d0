package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/metrics"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/models"
)

// Register mounts the product routes on r.
func (h *ProductHandlers) Register(r gin.IRouter) {
	r.GET("/", h.Root)
	r.GET("/health", Health("product-service"))
	r.GET("/ready", Ready("product-service", h.inventory))
	r.GET("/metrics", metrics.Handler())

	products := r.Group("/products")
	{
		products.GET("/health", Health("product-service"))
		products.POST("", h.CreateProduct)
		products.GET("", h.ListProducts)
		products.GET("/:id", h.GetProduct)
		products.PUT("/:id", h.UpdateProduct)
		products.POST("/reserve-inventory", h.ReserveInventory)
		products.POST("/release-inventory", h.ReleaseInventory)
	}
}

// Root handles GET /
func (h *ProductHandlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "Product Service is running"})
}

// CreateProduct handles POST /products
func (h *ProductHandlers) CreateProduct(c *gin.Context) {
	var req models.CreateProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}

	product, err := h.inventory.CreateProduct(c.Request.Context(), &req)
	if err != nil {
		handleError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusCreated, product)
}

// ListProducts handles GET /products?skip&limit
func (h *ProductHandlers) ListProducts(c *gin.Context) {
	skip, ok := queryInt(c, "skip")
	if !ok {
		return
	}
	limit, ok := queryInt(c, "limit")
	if !ok {
		return
	}

	products, err := h.inventory.ListProducts(c.Request.Context(), skip, limit)
	if err != nil {
		handleError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, products)
}

// GetProduct handles GET /products/:id
func (h *ProductHandlers) GetProduct(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	product, err := h.inventory.GetProduct(c.Request.Context(), id)
	if err != nil {
		handleError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, product)
}

// UpdateProduct handles PUT /products/:id
func (h *ProductHandlers) UpdateProduct(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var req models.UpdateProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}

	product, err := h.inventory.UpdateProduct(c.Request.Context(), id, &req)
	if err != nil {
		handleError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, product)
}

// ReserveInventory handles POST /products/reserve-inventory
func (h *ProductHandlers) ReserveInventory(c *gin.Context) {
	var req models.ReservationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}

	resp, err := h.inventory.ReserveInventory(c.Request.Context(), &req)
	if err != nil {
		handleError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// ReleaseInventory handles POST /products/release-inventory
func (h *ProductHandlers) ReleaseInventory(c *gin.Context) {
	var req models.ReservationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}

	resp, err := h.inventory.ReleaseInventory(c.Request.Context(), &req)
	if err != nil {
		handleError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
