package amqpx

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type DialConfig struct {
	URL            string
	ConnectionName string
	// Attempts <= 0 retries until ctx is done.
	Attempts   int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// Dial connects to RabbitMQ, retrying with exponential backoff.
func Dial(ctx context.Context, cfg DialConfig, logger *slog.Logger) (*amqp.Connection, error) {
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Second
	}
	amqpCfg := amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Properties: amqp.Table{
			"connection_name": cfg.ConnectionName,
		},
	}

	wait := cfg.Backoff
	var lastErr error
	for attempt := 1; cfg.Attempts <= 0 || attempt <= cfg.Attempts; attempt++ {
		conn, err := amqp.DialConfig(cfg.URL, amqpCfg)
		if err == nil {
			logger.Info("amqp connected", "connection", cfg.ConnectionName, "attempt", attempt)
			return conn, nil
		}
		lastErr = err
		logger.Warn("amqp dial failed", "connection", cfg.ConnectionName, "attempt", attempt, "retry_in", wait.String(), "err", err)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("amqp dial %s: %w", cfg.ConnectionName, ctx.Err())
		case <-time.After(wait):
		}
		wait *= 2
		if wait > cfg.MaxBackoff {
			wait = cfg.MaxBackoff
		}
	}
	return nil, fmt.Errorf("amqp dial %s: giving up after %d attempts: %w", cfg.ConnectionName, cfg.Attempts, lastErr)
}

// DeclareTopicExchange declares a durable topic exchange.
func DeclareTopicExchange(ch interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
}, name string) error {
	return ch.ExchangeDeclare(
		name,
		amqp.ExchangeTopic,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
}
