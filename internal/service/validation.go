package service

import (
	"fmt"

	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/apperr"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/models"
)

const (
	maxIdempotencyKeyLen = 255
	defaultPageLimit     = 100
	maxPageLimit         = 100
)

// ValidateCreateOrderRequest validates an order creation request.
func ValidateCreateOrderRequest(req *models.CreateOrderRequest) error {
	if req.IdempotencyKey == "" {
		return apperr.NewValidationError("idempotency_key", "idempotency key is required")
	}

	if len(req.IdempotencyKey) > maxIdempotencyKeyLen {
		return apperr.NewValidationError("idempotency_key", "idempotency key too long (max 255 characters)")
	}

	if len(req.Items) == 0 {
		return apperr.NewValidationError("items", "at least one item is required")
	}

	for _, item := range req.Items {
		if item.ProductID <= 0 {
			return apperr.NewValidationError("items", "product ID is required for item")
		}
		if item.Quantity <= 0 {
			return apperr.NewValidationError("items", "quantity must be positive")
		}
	}

	return nil
}

// ValidateUpdateOrderRequest validates an administrative status change.
func ValidateUpdateOrderRequest(req *models.UpdateOrderRequest) error {
	if req.Status == nil {
		return apperr.NewValidationError("status", "status is required")
	}

	if !req.Status.Valid() {
		return apperr.NewValidationError("status", "invalid order status")
	}

	return nil
}

// ValidateOrderListFilter validates a list filter and applies the page defaults.
func ValidateOrderListFilter(filter *models.OrderListFilter) error {
	if filter.UserID < 0 {
		return apperr.NewValidationError("user_id", "user ID cannot be negative")
	}

	skip, limit, err := normalizePage(filter.Skip, filter.Limit)
	if err != nil {
		return err
	}
	filter.Skip, filter.Limit = skip, limit
	return nil
}

func normalizePage(skip, limit int) (int, int, error) {
	if skip < 0 {
		return 0, 0, apperr.NewValidationError("skip", "skip cannot be negative")
	}

	if limit < 0 {
		return 0, 0, apperr.NewValidationError("limit", "limit cannot be negative")
	}

	if limit == 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	return skip, limit, nil
}

// ValidateCreateProductRequest validates a new catalog entry.
func ValidateCreateProductRequest(req *models.CreateProductRequest) error {
	if req.Name == "" {
		return apperr.NewValidationError("name", "name is required")
	}

	if req.Price.IsNegative() {
		return apperr.NewValidationError("price", "price cannot be negative")
	}

	if req.Quantity < 0 {
		return apperr.NewValidationError("quantity", "quantity cannot be negative")
	}

	return nil
}

// ValidateUpdateProductRequest validates a partial product update.
func ValidateUpdateProductRequest(req *models.UpdateProductRequest) error {
	if req.Name != nil && *req.Name == "" {
		return apperr.NewValidationError("name", "name cannot be empty")
	}

	if req.Price != nil && req.Price.IsNegative() {
		return apperr.NewValidationError("price", "price cannot be negative")
	}

	if req.Quantity != nil && *req.Quantity < 0 {
		return apperr.NewValidationError("quantity", "quantity cannot be negative")
	}

	return nil
}

// ValidateReservationRequest validates the body of the reserve and release endpoints.
func ValidateReservationRequest(req *models.ReservationRequest) error {
	if req.OrderID <= 0 {
		return apperr.NewValidationError("order_id", "order ID is required")
	}

	if reason := invalidItemReason(req.Items); reason != "" {
		return apperr.NewValidationError("items", reason)
	}

	return nil
}

// invalidItemReason reports the first item that could never be reserved.
func invalidItemReason(items []models.ReservationItem) string {
	for _, item := range items {
		if item.Quantity <= 0 {
			return fmt.Sprintf("Invalid quantity for product %d", item.ProductID)
		}
	}
	return ""
}
