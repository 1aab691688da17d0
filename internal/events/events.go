// Package events defines the saga messages exchanged between the order and
// inventory services and the broker client used to move them.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Routing keys on the order_events exchange.
const (
	RoutingKeyOrderCreated      = "order.created"
	RoutingKeyInventoryReserved = "inventory.reserved"
	RoutingKeyInventoryFailed   = "inventory.failed"
)

// ErrMalformed marks a message that can never be processed, whatever the retry count.
var ErrMalformed = errors.New("malformed message")

// Event is the closed set of saga messages. The unexported marker keeps
// implementations inside this package so type switches over it stay exhaustive.
type Event interface {
	RoutingKey() string
	isEvent()
}

type Item struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

// OrderCreated asks the inventory service to reserve stock for an order.
type OrderCreated struct {
	OrderID int64  `json:"order_id"`
	Items   []Item `json:"items"`
}

// InventoryReserved reports that every item of the order was debited.
type InventoryReserved struct {
	OrderID int64 `json:"order_id"`
}

// InventoryFailed reports that nothing was debited, with the first failing reason.
type InventoryFailed struct {
	OrderID int64  `json:"order_id"`
	Reason  string `json:"reason"`
}

func (OrderCreated) RoutingKey() string      { return RoutingKeyOrderCreated }
func (InventoryReserved) RoutingKey() string { return RoutingKeyInventoryReserved }
func (InventoryFailed) RoutingKey() string   { return RoutingKeyInventoryFailed }

func (OrderCreated) isEvent()      {}
func (InventoryReserved) isEvent() {}
func (InventoryFailed) isEvent()   {}

// OrderID returns the order an event refers to.
func OrderID(e Event) int64 {
	switch ev := e.(type) {
	case OrderCreated:
		return ev.OrderID
	case InventoryReserved:
		return ev.OrderID
	case InventoryFailed:
		return ev.OrderID
	default:
		panic(fmt.Sprintf("events: unhandled event type %T", e))
	}
}

// Decode parses a payload according to its routing key.
func Decode(routingKey string, payload []byte) (Event, error) {
	var (
		ev  Event
		err error
	)

	switch routingKey {
	case RoutingKeyOrderCreated:
		var e OrderCreated
		err = json.Unmarshal(payload, &e)
		ev = e
	case RoutingKeyInventoryReserved:
		var e InventoryReserved
		err = json.Unmarshal(payload, &e)
		ev = e
	case RoutingKeyInventoryFailed:
		var e InventoryFailed
		err = json.Unmarshal(payload, &e)
		ev = e
	default:
		return nil, fmt.Errorf("%w: unknown routing key %q", ErrMalformed, routingKey)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, routingKey, err)
	}
	if OrderID(ev) <= 0 {
		return nil, fmt.Errorf("%w: %s: missing order_id", ErrMalformed, routingKey)
	}
	return ev, nil
}

// Encode builds the broker message for an event on the given exchange.
// Messages are keyed by order id so all events of one order share a partition.
func Encode(exchange string, e Event) (Message, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Exchange:   exchange,
		RoutingKey: e.RoutingKey(),
		Key:        strconv.FormatInt(OrderID(e), 10),
		Payload:    payload,
	}, nil
}
