package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/nkiryanov/evpay/internal/logger"
)

const defaultWriteTimeout = 5 * time.Second

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher sends events as JSON messages keyed by order (or user) id,
// so all events of one order land in the same partition in order
type KafkaPublisher struct {
	w messageWriter
	l logger.Logger
}

func NewKafkaPublisher(brokers []string, topic string, l logger.Logger) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		WriteTimeout: defaultWriteTimeout,
		Logger: kafka.LoggerFunc(func(msg string, args ...any) {
			l.Debug("kafka writer", "msg", msg, "args", args)
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...any) {
			l.Warn("kafka writer error", "msg", msg, "args", args)
		}),
	}

	return &KafkaPublisher{w: w, l: l}
}

func (p *KafkaPublisher) Publish(ctx context.Context, e Event) {
	value, err := json.Marshal(e)
	if err != nil {
		p.l.Error("Failed to encode event", "error", err, "event_id", e.ID, "type", e.Type)
		return
	}

	// The operation is committed already; do not let the caller's cancellation drop the event
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultWriteTimeout)
	defer cancel()

	err = p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.Key()),
		Value: value,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(e.Type)},
		},
		Time: e.At,
	})
	if err != nil {
		p.l.Error("Failed to publish event", "error", err, "event_id", e.ID, "type", e.Type)
	}
}

func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}
