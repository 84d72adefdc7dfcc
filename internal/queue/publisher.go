package queue

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/eboa-io/eboa/internal/engine"
)

// Publisher submits operation documents to the operations topic.
type Publisher struct {
	writer MessageWriter
}

// NewPublisher creates a Publisher. A nil writer is replaced by a Kafka writer
// for cfg.Topic.
func NewPublisher(cfg *Config, writer MessageWriter) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if writer == nil {
		writer = &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: cfg.CreateTopics,
		}
	}

	return &Publisher{writer: writer}, nil
}

// Publish submits a document keyed by key (usually the source file name).
// Documents that do not decode are rejected with FileNotValid before anything
// is written.
func (p *Publisher) Publish(ctx context.Context, key string, document []byte) error {
	if _, err := engine.DecodeDocument(document); err != nil {
		return err
	}

	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: document}); err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}

	return nil
}

// Close closes the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
