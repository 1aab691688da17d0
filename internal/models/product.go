package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID          int64           `json:"id"`
	Name        string          `json:"name"`
	Description *string         `json:"description"`
	Price       decimal.Decimal `json:"price"`
	Quantity    int             `json:"quantity"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type CreateProductRequest struct {
	Name        string          `json:"name"`
	Description *string         `json:"description"`
	Price       decimal.Decimal `json:"price"`
	Quantity    int             `json:"quantity"`
}

// UpdateProductRequest carries a partial update; nil fields are left unchanged.
type UpdateProductRequest struct {
	Name        *string          `json:"name"`
	Description *string          `json:"description"`
	Price       *decimal.Decimal `json:"price"`
	Quantity    *int             `json:"quantity"`
}

// Apply copies the set fields of req onto p.
func (req *UpdateProductRequest) Apply(p *Product) {
	if req.Name != nil {
		p.Name = *req.Name
	}
	if req.Description != nil {
		p.Description = req.Description
	}
	if req.Price != nil {
		p.Price = *req.Price
	}
	if req.Quantity != nil {
		p.Quantity = *req.Quantity
	}
}

type ReservationItem struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

type ReservationRequest struct {
	OrderID int64             `json:"order_id"`
	Items   []ReservationItem `json:"items"`
}

type ReservationStatus string

const (
	ReservationReserved ReservationStatus = "reserved"
	ReservationFailed   ReservationStatus = "failed"
)

// Reservation is the recorded outcome of a reserve-or-fail attempt for one order.
type Reservation struct {
	OrderID   int64             `json:"order_id"`
	Status    ReservationStatus `json:"status"`
	Reason    string            `json:"reason,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	// Replayed is set when the outcome was read back from an earlier attempt.
	Replayed bool `json:"-"`
}

func (r *Reservation) Succeeded() bool {
	return r.Status == ReservationReserved
}

// ReservationResponse is the body of the synchronous reserve and release endpoints.
type ReservationResponse struct {
	Success bool   `json:"success"`
	OrderID int64  `json:"order_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}
