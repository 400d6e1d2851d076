package consumer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

type Producer[T any] struct {
	writer messageWriter
}

func NewProducer[T any](cfg Config) *Producer[T] {
	return &Producer[T]{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.LeastBytes{},
			Async:                  false,
			AllowAutoTopicCreation: true,
		},
	}
}

func (p *Producer[T]) Publish(ctx context.Context, key string, payload T) error {
	value, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: value}); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

func (p *Producer[T]) Close() error {
	return p.writer.Close()
}
