package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/md-rashed-zaman/userevents/libs/amqpx"
	"github.com/md-rashed-zaman/userevents/services/user-service/internal/events"
	"github.com/oklog/ulid/v2"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	Exchange       = "user_events"
	Queue          = "user_events_queue"
	BindingPattern = "user.*"
	TraceIDHeader  = "trace_id"
)

var errNotConnected = errors.New("event publisher not connected")

type publishChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Mirror receives a copy of every event after the broker publish attempt.
type Mirror interface {
	Mirror(ctx context.Context, env events.Envelope, body []byte) error
}

type PublisherConfig struct {
	URL            string
	ConnectionName string
	AppID          string
	Timeout        time.Duration
}

// Publisher sends user events to the topic exchange over one long-lived
// channel. Until Run has connected, and while it is reconnecting, Publish
// logs a warning and drops the event.
type Publisher struct {
	cfg     PublisherConfig
	logger  *slog.Logger
	metrics *Metrics
	mirror  Mirror

	mu        sync.Mutex
	ch        publishChannel
	connected chan struct{}
	firstConn sync.Once
}

func NewPublisher(cfg PublisherConfig, logger *slog.Logger, metrics *Metrics, mirror Mirror) *Publisher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.ConnectionName == "" {
		cfg.ConnectionName = "user-events-publisher"
	}
	return &Publisher{
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		mirror:    mirror,
		connected: make(chan struct{}),
	}
}

// Run keeps the broker connection up until ctx is done, redialing whenever
// the connection or channel closes.
func (p *Publisher) Run(ctx context.Context) {
	for {
		conn, err := amqpx.Dial(ctx, amqpx.DialConfig{URL: p.cfg.URL, ConnectionName: p.cfg.ConnectionName}, p.logger)
		if err != nil {
			return
		}
		ch, err := conn.Channel()
		if err == nil {
			err = amqpx.DeclareTopicExchange(ch, Exchange)
		}
		if err != nil {
			p.logger.Error("event publisher setup failed", "err", err)
			_ = conn.Close()
			if !sleepCtx(ctx, time.Second) {
				return
			}
			continue
		}

		connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
		chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))
		p.setChannel(ch)
		p.logger.Info("event publisher connected", "exchange", Exchange)

		select {
		case <-ctx.Done():
			p.setChannel(nil)
			_ = ch.Close()
			_ = conn.Close()
			p.logger.Info("event publisher stopped")
			return
		case amqpErr := <-connClosed:
			p.setChannel(nil)
			p.logger.Warn("event publisher connection lost, reconnecting", "err", amqpErr)
		case amqpErr := <-chClosed:
			p.setChannel(nil)
			_ = conn.Close()
			p.logger.Warn("event publisher channel closed, reconnecting", "err", amqpErr)
		}
	}
}

func (p *Publisher) setChannel(ch publishChannel) {
	p.mu.Lock()
	p.ch = ch
	p.mu.Unlock()
	if ch != nil {
		p.firstConn.Do(func() { close(p.connected) })
	}
}

// WaitConnected blocks until Run has opened its first channel, ctx is done or
// timeout elapses. A non-positive timeout waits on ctx alone.
func (p *Publisher) WaitConnected(ctx context.Context, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	select {
	case <-p.connected:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for event publisher: %w", ctx.Err())
	}
}

func (p *Publisher) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch != nil
}

func (p *Publisher) ReadyCheck(context.Context) error {
	if !p.Connected() {
		return errNotConnected
	}
	return nil
}

// Publish sends one event. It returns nil without sending when the broker is
// not connected. The send is bounded by the configured timeout and does not
// inherit cancellation from ctx.
func (p *Publisher) Publish(ctx context.Context, kind events.Kind, userID int64, traceID string, data map[string]any) error {
	env := events.New(kind, userID, traceID, data)
	body, err := Encode(env)
	if err != nil {
		p.metrics.publishedInc(kind.RoutingKey(), resultError)
		return err
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.Timeout)
	defer cancel()

	err = p.publishAMQP(pubCtx, env, body)
	if p.mirror != nil {
		if mErr := p.mirror.Mirror(pubCtx, env, body); mErr != nil {
			p.logger.WarnContext(ctx, "event mirror failed", "event_type", kind.RoutingKey(), "user_id", userID, "err", mErr)
		}
	}

	switch {
	case errors.Is(err, errNotConnected):
		p.metrics.publishedInc(kind.RoutingKey(), resultSkipped)
		p.logger.WarnContext(ctx, "event publisher not connected, event dropped", "event_type", kind.RoutingKey(), "user_id", userID)
		return nil
	case err != nil:
		p.metrics.publishedInc(kind.RoutingKey(), resultError)
		return fmt.Errorf("publish %s: %w", kind.RoutingKey(), err)
	}
	p.metrics.publishedInc(kind.RoutingKey(), resultOK)
	p.logger.InfoContext(ctx, "event published", "event_type", kind.RoutingKey(), "user_id", userID)
	return nil
}

func (p *Publisher) publishAMQP(ctx context.Context, env events.Envelope, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return errNotConnected
	}

	key := env.EventType.RoutingKey()
	ctx, span := otel.Tracer("amqp").Start(ctx, "amqp.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination", Exchange),
			attribute.String("messaging.rabbitmq.routing_key", key),
		),
	)
	defer span.End()

	headers := amqpx.InjectTraceHeaders(ctx, amqp.Table{TraceIDHeader: env.TraceID})
	err := p.ch.PublishWithContext(ctx, Exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ulid.Make().String(),
		Timestamp:    env.Timestamp,
		Type:         key,
		AppId:        p.cfg.AppID,
		Headers:      headers,
		Body:         body,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
