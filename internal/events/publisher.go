package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/config"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Header names carried on every broker message.
const (
	HeaderRoutingKey = "routing_key"
	HeaderEventID    = "event_id"
	HeaderError      = "x-error"
	HeaderOrigin     = "x-original-queue"
)

// Ensure KafkaPublisher implements Publisher
var _ Publisher = (*KafkaPublisher)(nil)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher publishes messages to Kafka topics, one topic per exchange.
// A single writer is shared by all publishes of the process.
type KafkaPublisher struct {
	writer messageWriter
	logger *zap.Logger
}

// NewKafkaPublisher creates a new Kafka-based publisher.
func NewKafkaPublisher(cfg config.KafkaConfig, logger *zap.Logger) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		WriteTimeout:           cfg.WriteTimeout,
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}

	return newKafkaPublisher(writer, logger)
}

func newKafkaPublisher(writer messageWriter, logger *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer: writer,
		logger: logger.Named("publisher"),
	}
}

// Publish writes msg and returns once the broker acknowledged it.
func (p *KafkaPublisher) Publish(ctx context.Context, msg Message) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "publish "+msg.RoutingKey,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination.name", msg.Exchange),
		))
	defer span.End()

	headers := make(map[string]string, len(msg.Headers)+3)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[HeaderRoutingKey] = msg.RoutingKey
	if headers[HeaderEventID] == "" {
		headers[HeaderEventID] = uuid.NewString()
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))

	km := kafka.Message{
		Topic: msg.Exchange,
		Key:   []byte(msg.Key),
		Value: msg.Payload,
	}
	for k, v := range headers {
		km.Headers = append(km.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	if err := p.writer.WriteMessages(ctx, km); err != nil {
		span.RecordError(err)
		metrics.MessagesPublished.WithLabelValues(msg.Exchange, msg.RoutingKey, "error").Inc()
		p.logger.Error("Failed to publish event",
			zap.String("event_id", headers[HeaderEventID]),
			zap.String("exchange", msg.Exchange),
			zap.String("routing_key", msg.RoutingKey),
			zap.String("key", msg.Key),
			zap.Error(err))
		return err
	}

	metrics.MessagesPublished.WithLabelValues(msg.Exchange, msg.RoutingKey, "ok").Inc()
	p.logger.Info("Event published",
		zap.String("event_id", headers[HeaderEventID]),
		zap.String("exchange", msg.Exchange),
		zap.String("routing_key", msg.RoutingKey),
		zap.String("key", msg.Key))

	return nil
}

// Close flushes and closes the Kafka writer.
func (p *KafkaPublisher) Close() error {
	p.logger.Info("Closing Kafka publisher")
	return p.writer.Close()
}
