package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/andrej220/netmonkey/pkg/result"
)

// Message is the payload published per record.
type Message struct {
	RunID  string        `json:"run_id"`
	Record result.Record `json:"record"`
	SentAt time.Time     `json:"sent_at"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes one message per record, keyed by host.
type Kafka struct {
	writer messageWriter
	now    func() time.Time
}

func NewKafka(brokers []string, topic string) *Kafka {
	return &Kafka{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
		now: time.Now,
	}
}

func (k *Kafka) Write(ctx context.Context, coll *result.Collection) error {
	records := coll.Records()
	if len(records) == 0 {
		return nil
	}
	runID := coll.RunID.String()
	msgs := make([]kafka.Message, 0, len(records))
	for _, rec := range records {
		value, err := json.Marshal(Message{RunID: runID, Record: rec, SentAt: k.now().UTC()})
		if err != nil {
			return fmt.Errorf("marshal %s: %w", rec.Host, err)
		}
		msgs = append(msgs, kafka.Message{Key: []byte(rec.Host), Value: value})
	}
	if err := k.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish %d records: %w", len(msgs), err)
	}
	return nil
}

func (k *Kafka) Close() error { return k.writer.Close() }
func (k *Kafka) Name() string { return "kafka" }
