package models

import (
	"encoding/json"
	"time"
)

type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "pending"
	OutboxDelivered OutboxStatus = "delivered"
)

// OutboxEvent is a broker message persisted in the same transaction as the
// state change it announces.
type OutboxEvent struct {
	ID          string
	Exchange    string
	RoutingKey  string
	MessageKey  string
	Payload     json.RawMessage
	Status      OutboxStatus
	Attempts    int
	LastError   string
	CreatedAt   time.Time
	DeliveredAt *time.Time
}
