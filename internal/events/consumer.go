package events

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/config"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/tm-acme-shop/acme-shop-fulfillment/internal/events"

// Ensure KafkaSubscriber implements Subscriber
var _ Subscriber = (*KafkaSubscriber)(nil)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// DeliveryPolicy decides what happens to a message whose handler fails.
// MaxAttempts of 1 without DeadLetter acknowledges and drops failures.
type DeliveryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	DeadLetter  bool
}

// PolicyFromConfig maps the configured delivery mode onto a policy.
func PolicyFromConfig(cfg config.BrokerConfig) DeliveryPolicy {
	if !cfg.AtLeastOnce() {
		return DeliveryPolicy{MaxAttempts: 1}
	}
	return DeliveryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		Backoff:     cfg.RetryBackoff,
		DeadLetter:  true,
	}
}

// DeadLetterExchange names the exchange that receives messages a queue gave up on.
func DeadLetterExchange(queue string) string {
	return queue + ".dlq"
}

// KafkaSubscriber consumes subscriptions through Kafka consumer groups. The
// queue name is the group id, so instances of one service share the work.
type KafkaSubscriber struct {
	newReader   func(sub Subscription) messageReader
	deadLetters Publisher
	policy      DeliveryPolicy
	logger      *zap.Logger
}

// NewKafkaSubscriber creates a subscriber. deadLetters may be nil when the
// policy does not dead-letter.
func NewKafkaSubscriber(cfg config.KafkaConfig, policy DeliveryPolicy, deadLetters Publisher, logger *zap.Logger) *KafkaSubscriber {
	newReader := func(sub Subscription) messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:     cfg.Brokers,
			Topic:       sub.Exchange,
			GroupID:     sub.Queue,
			MinBytes:    1,
			MaxBytes:    10e6,
			MaxWait:     time.Second,
			StartOffset: kafka.FirstOffset,
		})
	}
	return newKafkaSubscriber(newReader, policy, deadLetters, logger)
}

func newKafkaSubscriber(newReader func(Subscription) messageReader, policy DeliveryPolicy, deadLetters Publisher, logger *zap.Logger) *KafkaSubscriber {
	if deadLetters == nil {
		policy.DeadLetter = false
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &KafkaSubscriber{
		newReader:   newReader,
		deadLetters: deadLetters,
		policy:      policy,
		logger:      logger.Named("subscriber"),
	}
}

// Subscribe blocks, handling messages of sub until ctx is cancelled.
func (s *KafkaSubscriber) Subscribe(ctx context.Context, sub Subscription, handler Handler) error {
	reader := s.newReader(sub)
	defer reader.Close()

	s.logger.Info("Starting Kafka consumer",
		zap.String("subscription", sub.String()),
		zap.Int("max_attempts", s.policy.MaxAttempts),
		zap.Bool("dead_letter", s.policy.DeadLetter))

	for {
		km, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Info("Kafka consumer stopped", zap.String("queue", sub.Queue))
				return nil
			}
			s.logger.Error("Failed to read message", zap.String("queue", sub.Queue), zap.Error(err))
			if !sleepCtx(ctx, time.Second) {
				return nil
			}
			continue
		}

		if !s.deliver(ctx, sub, km, handler) {
			// Interrupted before the message was settled; it is redelivered
			// to the group after restart.
			return nil
		}

		if err := reader.CommitMessages(ctx, km); err != nil {
			s.logger.Error("Failed to commit message",
				zap.String("queue", sub.Queue),
				zap.Int64("offset", km.Offset),
				zap.Error(err))
		}
	}
}

// deliver runs the handler under the delivery policy and reports whether the
// message is settled and may be committed.
func (s *KafkaSubscriber) deliver(ctx context.Context, sub Subscription, km kafka.Message, handler Handler) bool {
	msg := fromKafka(km)

	if !sub.Matches(msg.RoutingKey) {
		metrics.MessagesConsumed.WithLabelValues(sub.Queue, msg.RoutingKey, "unbound").Inc()
		s.logger.Debug("Ignoring unbound routing key",
			zap.String("queue", sub.Queue),
			zap.String("routing_key", msg.RoutingKey))
		return true
	}

	s.logger.Debug("Received message",
		zap.String("topic", km.Topic),
		zap.Int("partition", km.Partition),
		zap.Int64("offset", km.Offset),
		zap.String("routing_key", msg.RoutingKey))

	msgCtx := otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(msg.Headers))
	msgCtx, span := otel.Tracer(tracerName).Start(msgCtx, "consume "+msg.RoutingKey,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination.name", km.Topic),
			attribute.String("messaging.consumer.group.name", sub.Queue),
		))
	defer span.End()

	var err error
	for attempt := 1; attempt <= s.policy.MaxAttempts; attempt++ {
		if err = handler(msgCtx, msg); err == nil {
			metrics.MessagesConsumed.WithLabelValues(sub.Queue, msg.RoutingKey, "handled").Inc()
			return true
		}
		span.RecordError(err)
		if errors.Is(err, ErrMalformed) {
			break
		}

		s.logger.Warn("Message handler failed",
			zap.String("queue", sub.Queue),
			zap.String("routing_key", msg.RoutingKey),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt < s.policy.MaxAttempts && !sleepCtx(ctx, s.policy.Backoff*time.Duration(attempt)) {
			return false
		}
	}

	span.SetStatus(codes.Error, err.Error())
	s.logger.Error("Error processing message",
		zap.String("queue", sub.Queue),
		zap.String("routing_key", msg.RoutingKey),
		zap.Int64("offset", km.Offset),
		zap.Error(err))

	if !s.policy.DeadLetter {
		metrics.MessagesConsumed.WithLabelValues(sub.Queue, msg.RoutingKey, "dropped").Inc()
		return true
	}
	return s.deadLetter(ctx, sub, msg, err)
}

func (s *KafkaSubscriber) deadLetter(ctx context.Context, sub Subscription, msg Message, cause error) bool {
	dlq := msg
	dlq.Exchange = DeadLetterExchange(sub.Queue)
	dlq.Headers = make(map[string]string, len(msg.Headers)+2)
	for k, v := range msg.Headers {
		dlq.Headers[k] = v
	}
	dlq.Headers[HeaderError] = cause.Error()
	dlq.Headers[HeaderOrigin] = sub.Queue

	backoff := s.policy.Backoff
	if backoff <= 0 {
		backoff = time.Second
	}

	for {
		err := s.deadLetters.Publish(ctx, dlq)
		if err == nil {
			metrics.MessagesConsumed.WithLabelValues(sub.Queue, msg.RoutingKey, "dead_lettered").Inc()
			s.logger.Warn("Message routed to dead letter exchange",
				zap.String("queue", sub.Queue),
				zap.String("exchange", dlq.Exchange),
				zap.String("routing_key", msg.RoutingKey))
			return true
		}
		s.logger.Error("Failed to dead-letter message", zap.String("queue", sub.Queue), zap.Error(err))
		if !sleepCtx(ctx, backoff) {
			return false
		}
	}
}

func fromKafka(km kafka.Message) Message {
	headers := make(map[string]string, len(km.Headers))
	for _, h := range km.Headers {
		headers[h.Key] = string(h.Value)
	}
	return Message{
		Exchange:   km.Topic,
		RoutingKey: headers[HeaderRoutingKey],
		Key:        string(km.Key),
		Payload:    km.Value,
		Headers:    headers,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
