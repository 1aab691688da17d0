package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the saga-visible state of an order.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusConfirmed OrderStatus = "confirmed"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Valid reports whether s is one of the known statuses.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusCancelled:
		return true
	}
	return false
}

// Final reports whether no further transition is allowed from s.
func (s OrderStatus) Final() bool {
	return s == OrderStatusConfirmed || s == OrderStatusCancelled
}

// CanTransition reports whether an order may move from s to next.
// Status leaves pending at most once and never changes afterwards.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	return s == OrderStatusPending && next.Final()
}

type Order struct {
	ID             int64           `json:"id"`
	UserID         int64           `json:"user_id"`
	Status         OrderStatus     `json:"status"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	IdempotencyKey string          `json:"idempotency_key"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	Items          []OrderItem     `json:"items"`
}

// OrderItem is a line of an order. Price is the catalog price captured at creation.
type OrderItem struct {
	ID        int64           `json:"id"`
	ProductID int64           `json:"product_id"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	CreatedAt time.Time       `json:"created_at"`
}

// CalculateTotal sums quantity x price over all items, rounded to cents.
func (o *Order) CalculateTotal() decimal.Decimal {
	total := decimal.Zero
	for _, item := range o.Items {
		total = total.Add(item.Price.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	o.TotalAmount = total.Round(2)
	return o.TotalAmount
}

type CreateOrderItem struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

type CreateOrderRequest struct {
	Items          []CreateOrderItem `json:"items"`
	IdempotencyKey string            `json:"idempotency_key"`
}

type UpdateOrderRequest struct {
	Status *OrderStatus `json:"status"`
}

type OrderListFilter struct {
	UserID int64
	Skip   int
	Limit  int
}
