// Package kafka streams engine events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/uhyunpark/p2pex/pkg/app/core/events"
)

// MessageWriter is the part of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Publisher struct {
	writer MessageWriter
	log    *zap.SugaredLogger
}

func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
	}
}

func NewPublisher(w MessageWriter, log *zap.SugaredLogger) *Publisher {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Publisher{writer: w, log: log}
}

// Message encodes an event. The key is the symbol, so one symbol's events stay on one
// partition and keep their order.
func Message(e events.Event) (kafka.Message, error) {
	value, err := json.Marshal(e)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(e.Symbol),
		Value: value,
		Headers: []kafka.Header{
			{Key: "topic", Value: []byte(e.Topic)},
		},
		Time: e.At,
	}, nil
}

func (p *Publisher) Send(ctx context.Context, e events.Event) error {
	msg, err := Message(e)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, msg)
}

// Run forwards bus events until ctx is done or the bus closes. Failed writes are
// logged and skipped.
func (p *Publisher) Run(ctx context.Context, bus *events.Bus, buffer int, topics ...events.Topic) {
	sub := bus.Subscribe(buffer, topics...)
	defer sub.Cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			if err := p.Send(ctx, e); err != nil && ctx.Err() == nil {
				p.log.Warnw("kafka_publish_failed", "topic", e.Topic, "symbol", e.Symbol, "err", err)
			}
		}
	}
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}
