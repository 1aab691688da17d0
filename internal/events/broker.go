package events

import (
	"context"
	"fmt"
	"strings"
)

// Durable queues of the saga participants.
const (
	QueueOrderService   = "order_service_queue"
	QueueProductService = "product_service_queue"
)

// Message is a broker payload together with its routing metadata.
type Message struct {
	Exchange   string
	RoutingKey string
	Key        string
	Payload    []byte
	Headers    map[string]string
}

// Publisher delivers messages to a topic exchange.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Handler processes one delivered message. A nil return acknowledges it.
type Handler func(ctx context.Context, msg Message) error

// Subscription binds a durable, per-service queue to routing key patterns of an
// exchange. Instances subscribing with the same Queue compete for messages.
type Subscription struct {
	Exchange    string
	Queue       string
	RoutingKeys []string
}

func (s Subscription) String() string {
	return fmt.Sprintf("%s->%s[%s]", s.Exchange, s.Queue, strings.Join(s.RoutingKeys, ","))
}

// Matches reports whether a routing key is bound to the subscription.
func (s Subscription) Matches(routingKey string) bool {
	for _, pattern := range s.RoutingKeys {
		if MatchRoutingKey(pattern, routingKey) {
			return true
		}
	}
	return false
}

// Subscriber consumes a subscription until ctx is cancelled.
type Subscriber interface {
	Subscribe(ctx context.Context, sub Subscription, handler Handler) error
}

// EventHandler adapts a typed event callback to a Handler.
func EventHandler(fn func(ctx context.Context, e Event) error) Handler {
	return func(ctx context.Context, msg Message) error {
		ev, err := Decode(msg.RoutingKey, msg.Payload)
		if err != nil {
			return err
		}
		return fn(ctx, ev)
	}
}

// PublishEvent encodes and publishes a saga event.
func PublishEvent(ctx context.Context, p Publisher, exchange string, e Event) error {
	msg, err := Encode(exchange, e)
	if err != nil {
		return err
	}
	return p.Publish(ctx, msg)
}
