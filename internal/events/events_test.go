package events

import (
	"errors"
	"testing"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name       string
		routingKey string
		payload    string
		want       Event
	}{
		{
			name:       "order created",
			routingKey: RoutingKeyOrderCreated,
			payload:    `{"order_id":10,"items":[{"product_id":1,"quantity":2}]}`,
			want:       OrderCreated{OrderID: 10, Items: []Item{{ProductID: 1, Quantity: 2}}},
		},
		{
			name:       "inventory reserved",
			routingKey: RoutingKeyInventoryReserved,
			payload:    `{"order_id":10}`,
			want:       InventoryReserved{OrderID: 10},
		},
		{
			name:       "inventory failed",
			routingKey: RoutingKeyInventoryFailed,
			payload:    `{"order_id":10,"reason":"Insufficient inventory for product 1"}`,
			want:       InventoryFailed{OrderID: 10, Reason: "Insufficient inventory for product 1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.routingKey, []byte(tt.payload))
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if got.RoutingKey() != tt.routingKey {
				t.Errorf("RoutingKey() = %s, want %s", got.RoutingKey(), tt.routingKey)
			}
			if OrderID(got) != OrderID(tt.want) {
				t.Errorf("OrderID() = %d, want %d", OrderID(got), OrderID(tt.want))
			}
		})
	}
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name       string
		routingKey string
		payload    string
	}{
		{"unknown routing key", "order.shipped", `{"order_id":1}`},
		{"invalid json", RoutingKeyOrderCreated, `{"order_id":`},
		{"missing order id", RoutingKeyInventoryReserved, `{}`},
		{"negative order id", RoutingKeyInventoryFailed, `{"order_id":-3,"reason":"x"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.routingKey, []byte(tt.payload))
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestEncode_KeysByOrderID(t *testing.T) {
	msg, err := Encode("order_events", InventoryFailed{OrderID: 42, Reason: "Product 9 not found"})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	if msg.Exchange != "order_events" {
		t.Errorf("Exchange = %s", msg.Exchange)
	}
	if msg.RoutingKey != RoutingKeyInventoryFailed {
		t.Errorf("RoutingKey = %s", msg.RoutingKey)
	}
	if msg.Key != "42" {
		t.Errorf("Key = %s, want 42", msg.Key)
	}

	back, err := Decode(msg.RoutingKey, msg.Payload)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	failed, ok := back.(InventoryFailed)
	if !ok {
		t.Fatalf("expected InventoryFailed, got %T", back)
	}
	if failed.Reason != "Product 9 not found" {
		t.Errorf("Reason = %q", failed.Reason)
	}
}

func TestSubscription_Matches(t *testing.T) {
	sub := Subscription{
		Exchange:    "order_events",
		Queue:       "order_service_queue",
		RoutingKeys: []string{"inventory.*"},
	}

	if !sub.Matches(RoutingKeyInventoryReserved) || !sub.Matches(RoutingKeyInventoryFailed) {
		t.Error("expected inventory outcomes to be bound")
	}
	if sub.Matches(RoutingKeyOrderCreated) {
		t.Error("order.created must not reach the order queue")
	}
	if sub.String() != "order_events->order_service_queue[inventory.*]" {
		t.Errorf("String() = %s", sub.String())
	}
}
