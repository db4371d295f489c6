package messaging

import (
	"context"
	"strconv"
	"time"

	"github.com/md-rashed-zaman/userevents/libs/kafkax"
	"github.com/md-rashed-zaman/userevents/services/user-service/internal/events"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Events are mirrored on the request path, so each one is flushed on its own.
const mirrorBatchTimeout = 5 * time.Millisecond

// KafkaMirror copies user events onto a Kafka topic keyed by user id.
type KafkaMirror struct {
	writer messageWriter
	topic  string
}

func NewKafkaMirror(brokers []string, topic string) *KafkaMirror {
	if topic == "" {
		topic = "user-events"
	}
	return &KafkaMirror{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
			BatchSize:              1,
			BatchTimeout:           mirrorBatchTimeout,
		},
		topic: topic,
	}
}

func (m *KafkaMirror) Mirror(ctx context.Context, env events.Envelope, body []byte) error {
	msg := kafka.Message{
		Topic: m.topic,
		Key:   []byte(strconv.FormatInt(env.UserID, 10)),
		Value: body,
		Time:  env.Timestamp,
		Headers: []kafka.Header{
			{Key: TraceIDHeader, Value: []byte(env.TraceID)},
			{Key: "event_type", Value: []byte(env.EventType.RoutingKey())},
		},
	}
	msg.Headers = kafkax.InjectTraceHeaders(ctx, msg.Headers)
	return m.writer.WriteMessages(ctx, msg)
}

func (m *KafkaMirror) Close(context.Context) error {
	return m.writer.Close()
}
