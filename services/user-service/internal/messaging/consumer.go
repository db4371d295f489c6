package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/md-rashed-zaman/userevents/libs/amqpx"
	"github.com/md-rashed-zaman/userevents/libs/tracectx"
	"github.com/md-rashed-zaman/userevents/services/user-service/internal/events"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Handler is invoked for every decoded event with the event's trace id bound
// into ctx. An error or panic is logged and the delivery is acked regardless.
type Handler func(ctx context.Context, env events.Envelope) error

type ConsumerConfig struct {
	URL            string
	ConnectionName string
	Prefetch       int
}

type consumeChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
}

type Consumer struct {
	cfg     ConsumerConfig
	logger  *slog.Logger
	metrics *Metrics
	onEvent Handler
}

func NewConsumer(cfg ConsumerConfig, logger *slog.Logger, metrics *Metrics, onEvent Handler) *Consumer {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 10
	}
	if cfg.ConnectionName == "" {
		cfg.ConnectionName = "user-events-consumer"
	}
	return &Consumer{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		onEvent: onEvent,
	}
}

// Run consumes user events on its own connection until ctx is done. A closed
// delivery stream while ctx is alive triggers a reconnect.
func (c *Consumer) Run(ctx context.Context) {
	for {
		conn, err := amqpx.Dial(ctx, amqpx.DialConfig{URL: c.cfg.URL, ConnectionName: c.cfg.ConnectionName}, c.logger)
		if err != nil {
			return
		}
		ch, err := conn.Channel()
		var deliveries <-chan amqp.Delivery
		if err == nil {
			deliveries, err = c.setup(ch)
		}
		if err != nil {
			c.logger.Error("event consumer setup failed", "err", err)
			_ = conn.Close()
			if !sleepCtx(ctx, time.Second) {
				return
			}
			continue
		}

		c.logger.Info("event consumer started", "queue", Queue, "prefetch", c.cfg.Prefetch)
		c.consume(ctx, deliveries)
		_ = ch.Close()
		_ = conn.Close()
		if ctx.Err() != nil {
			c.logger.Info("event consumer stopped")
			return
		}
		c.logger.Warn("event consumer delivery stream closed, reconnecting")
		if !sleepCtx(ctx, time.Second) {
			return
		}
	}
}

func (c *Consumer) setup(ch consumeChannel) (<-chan amqp.Delivery, error) {
	if err := amqpx.DeclareTopicExchange(ch, Exchange); err != nil {
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(Queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(Queue, BindingPattern, Exchange, false, nil); err != nil {
		return nil, fmt.Errorf("bind queue: %w", err)
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set prefetch: %w", err)
	}
	deliveries, err := ch.Consume(Queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}
	return deliveries, nil
}

func (c *Consumer) consume(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			c.handle(ctx, d)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	msgCtx := amqpx.ExtractTraceContext(ctx, d.Headers)
	msgCtx, span := otel.Tracer("amqp").Start(msgCtx, "amqp.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination", Queue),
			attribute.String("messaging.rabbitmq.routing_key", d.RoutingKey),
		),
	)
	defer span.End()
	defer func() { c.ack(msgCtx, d) }()

	env, err := Decode(d.Body)
	if err != nil {
		msgCtx = tracectx.With(msgCtx, amqpx.HeaderString(d.Headers, TraceIDHeader))
		c.logger.ErrorContext(msgCtx, "event decode failed", "routing_key", d.RoutingKey, "message_id", d.MessageId, "err", err)
		c.metrics.consumedInc(d.RoutingKey, resultInvalid)
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode failed")
		return
	}

	msgCtx = tracectx.With(msgCtx, env.TraceID)
	span.SetAttributes(attribute.String("app.trace_id", env.TraceID), attribute.Int64("user.id", env.UserID))
	c.logger.InfoContext(msgCtx, "event received",
		"event_type", env.EventType.RoutingKey(),
		"user_id", env.UserID,
		"timestamp", env.Timestamp,
	)

	result := resultOK
	if err := c.runHook(msgCtx, env); err != nil {
		if !errors.Is(err, errHandlerPanicked) {
			c.logger.ErrorContext(msgCtx, "event handler failed", "event_type", env.EventType.RoutingKey(), "err", err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler failed")
		result = resultError
	}
	c.metrics.consumedInc(env.EventType.RoutingKey(), result)
}

var errHandlerPanicked = errors.New("event handler panicked")

// runHook turns a panicking handler into an error so the delivery is still
// acked and the next one is processed.
func (c *Consumer) runHook(ctx context.Context, env events.Envelope) (err error) {
	if c.onEvent == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.ErrorContext(ctx, "event handler panicked",
				"event_type", env.EventType.RoutingKey(),
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("%w: %v", errHandlerPanicked, r)
		}
	}()
	return c.onEvent(ctx, env)
}

func (c *Consumer) ack(ctx context.Context, d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		c.logger.WarnContext(ctx, "event ack failed", "delivery_tag", d.DeliveryTag, "err", err)
	}
}
