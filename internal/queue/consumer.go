package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/segmentio/kafka-go"
	"golang.org/x/time/rate"

	"github.com/eboa-io/eboa/internal/config"
	"github.com/eboa-io/eboa/internal/engine"
)

// ErrNoTreater is returned when a consumer is created without a document treater.
var ErrNoTreater = errors.New("consumer requires a document treater")

type (
	// MessageReader fetches messages and commits them once handled.
	// *kafka.Reader satisfies it.
	MessageReader interface {
		FetchMessage(ctx context.Context) (kafka.Message, error)
		CommitMessages(ctx context.Context, msgs ...kafka.Message) error
		Close() error
	}

	// MessageWriter publishes messages. *kafka.Writer satisfies it.
	MessageWriter interface {
		WriteMessages(ctx context.Context, msgs ...kafka.Message) error
		Close() error
	}

	// Treater treats one JSON operation document. *processor.Processor satisfies it.
	Treater interface {
		TreatJSON(ctx context.Context, data []byte) []engine.Status
	}

	// Report is the status message published for a consumed document.
	Report struct {
		Key       string          `json:"key,omitempty"`
		Partition int             `json:"partition"`
		Offset    int64           `json:"offset"`
		TreatedAt time.Time       `json:"treated_at"` //nolint:tagliatelle
		Statuses  []engine.Status `json:"statuses"`
	}

	// Consumer reads operation documents from Kafka, treats them and publishes
	// a Report per document. Messages are committed after their report is
	// published, so a crash redelivers the document.
	Consumer struct {
		reader  MessageReader
		writer  MessageWriter
		treater Treater
		limiter *rate.Limiter
		logger  *slog.Logger
	}

	// Option configures optional Consumer behavior.
	Option func(*Consumer)
)

var (
	_ MessageReader = (*kafka.Reader)(nil)
	_ MessageWriter = (*kafka.Writer)(nil)
)

// WithLogger sets the logger used by the consumer.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithReader replaces the Kafka reader built from the configuration.
func WithReader(r MessageReader) Option {
	return func(c *Consumer) {
		c.reader = r
	}
}

// WithWriter replaces the Kafka status writer built from the configuration.
func WithWriter(w MessageWriter) Option {
	return func(c *Consumer) {
		c.writer = w
	}
}

// NewConsumer creates a Consumer for the configured topic.
//
// The reader joins cfg.GroupID; the status writer is only created when
// cfg.StatusTopic is set.
func NewConsumer(cfg *Config, treater Treater, opts ...Option) (*Consumer, error) {
	if treater == nil {
		return nil, ErrNoTreater
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	limit := rate.Inf
	if cfg.MaxRate > 0 {
		limit = rate.Limit(cfg.MaxRate)
	}

	c := &Consumer{
		treater: treater,
		limiter: rate.NewLimiter(limit, cfg.burst()),
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.reader == nil {
		c.reader = kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			GroupID:  cfg.GroupID,
			Topic:    cfg.Topic,
			MinBytes: cfg.MinBytes,
			MaxBytes: cfg.MaxBytes,
			MaxWait:  cfg.MaxWait,
		})
	}

	if c.writer == nil && cfg.StatusTopic != "" {
		c.writer = &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.StatusTopic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: cfg.CreateTopics,
		}
	}

	return c, nil
}

// Run consumes documents until ctx is cancelled.
// Returns nil on cancellation and the first reader, writer or commit error otherwise.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("Consumer started")

	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return c.stopped(ctx, err)
		}

		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			return c.stopped(ctx, fmt.Errorf("fetch message: %w", err))
		}

		if err := c.handle(ctx, msg); err != nil {
			return c.stopped(ctx, err)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	started := time.Now()
	statuses := c.treater.TreatJSON(ctx, msg.Value)

	failed := 0

	for _, s := range statuses {
		if !s.OK() {
			failed++
		}
	}

	c.logger.Info("Document treated",
		slog.String("topic", msg.Topic),
		slog.Int("partition", msg.Partition),
		slog.Int64("offset", msg.Offset),
		slog.Int("operations", len(statuses)),
		slog.Int("failed", failed),
		slog.Duration("duration", time.Since(started)),
	)

	if c.writer != nil {
		if err := c.publish(ctx, msg, statuses); err != nil {
			return err
		}
	}

	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		return fmt.Errorf("commit offset %d: %w", msg.Offset, err)
	}

	return nil
}

func (c *Consumer) publish(ctx context.Context, msg kafka.Message, statuses []engine.Status) error {
	report := Report{
		Key:       string(msg.Key),
		Partition: msg.Partition,
		Offset:    msg.Offset,
		TreatedAt: time.Now().UTC(),
		Statuses:  statuses,
	}

	value, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode status report: %w", err)
	}

	if err := c.writer.WriteMessages(ctx, kafka.Message{Key: msg.Key, Value: value}); err != nil {
		return fmt.Errorf("publish status report for offset %d: %w", msg.Offset, err)
	}

	return nil
}

// stopped turns a cancellation into a clean stop.
func (c *Consumer) stopped(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		c.logger.Info("Consumer stopped")

		return nil
	}

	c.logger.Error("Consumer failed", slog.String("error", err.Error()))

	return err
}

// Close closes the reader and the status writer.
func (c *Consumer) Close() error {
	var errs []error

	if err := c.reader.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close reader: %w", err))
	}

	if c.writer != nil {
		if err := c.writer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close writer: %w", err))
		}
	}

	return errors.Join(errs...)
}
