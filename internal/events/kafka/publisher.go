// Package kafka publishes committed ledger entries for downstream consumers
// (billing exports, fraud screening, analytics). Publishing happens after the
// durable append; the entry stream, not the topic, stays the source of truth.
package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/credit-ledger/internal/ledger"
)

type Publisher struct {
	writer *kafka.Writer
}

func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
	}
}

// entryEvent is the wire shape of one committed entry.
type entryEvent struct {
	AccountID string    `json:"account_id"`
	Sequence  int64     `json:"sequence"`
	Kind      string    `json:"kind"`
	Amount    int64     `json:"amount"`
	Reference string    `json:"reference"`
	Timestamp time.Time `json:"timestamp"`
	Checksum  string    `json:"checksum"`
}

// PublishEntry writes one committed entry, keyed by account so a consumer
// sees each account's entries in sequence order.
func (p *Publisher) PublishEntry(ctx context.Context, e ledger.Entry) error {
	data, err := json.Marshal(entryEvent{
		AccountID: e.AccountID,
		Sequence:  e.Sequence,
		Kind:      string(e.Kind),
		Amount:    e.Amount,
		Reference: e.Reference,
		Timestamp: e.Timestamp,
		Checksum:  e.Checksum,
	})
	if err != nil {
		return err
	}

	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.AccountID),
		Value: data,
	})
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

var _ ledger.EventPublisher = (*Publisher)(nil)
