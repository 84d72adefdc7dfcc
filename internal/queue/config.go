// Package queue consumes operation documents from Kafka and publishes the
// resulting statuses.
package queue

import (
	"errors"
	"time"

	"github.com/eboa-io/eboa/internal/config"
)

const (
	defaultTopic          = "eboa.operations"
	defaultStatusTopic    = "eboa.statuses"
	defaultGroupID        = "eboa"
	defaultMaxRate        = 20
	defaultMinBytes       = 1
	defaultMaxBytes       = 10e6
	defaultMaxWait        = 500 * time.Millisecond
	burstCapacityMultiple = 2
)

var (
	// ErrNoBrokers is returned when no Kafka broker address is configured.
	ErrNoBrokers = errors.New("at least one kafka broker is required")

	// ErrNoTopic is returned when the operations topic is empty.
	ErrNoTopic = errors.New("kafka topic cannot be empty")

	// ErrNoGroupID is returned when the consumer group is empty.
	ErrNoGroupID = errors.New("kafka consumer group cannot be empty")
)

// Config holds Kafka intake configuration.
type Config struct {
	Brokers []string
	Topic   string
	GroupID string

	// StatusTopic receives one status report per consumed document.
	// Empty disables status publishing.
	StatusTopic string

	// MaxRate limits documents treated per second. Zero or less disables the limit.
	MaxRate int
	// Burst overrides the burst capacity (0 = 2 × MaxRate).
	Burst int

	MinBytes int
	MaxBytes int
	MaxWait  time.Duration

	// CreateTopics lets writers create missing topics on first produce.
	CreateTopics bool
}

// LoadConfig loads Kafka intake configuration from environment variables with fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		Brokers:     config.ParseCommaSeparatedList(config.GetEnvStr("EBOA_KAFKA_BROKERS", "")),
		Topic:       config.GetEnvStr("EBOA_KAFKA_TOPIC", defaultTopic),
		GroupID:     config.GetEnvStr("EBOA_KAFKA_GROUP_ID", defaultGroupID),
		StatusTopic: config.GetEnvStr("EBOA_KAFKA_STATUS_TOPIC", defaultStatusTopic),
		MaxRate:     config.GetEnvInt("EBOA_KAFKA_MAX_RATE", defaultMaxRate),
		Burst:       config.GetEnvInt("EBOA_KAFKA_BURST", 0),
		MinBytes:    config.GetEnvInt("EBOA_KAFKA_MIN_BYTES", defaultMinBytes),
		MaxBytes:    config.GetEnvInt("EBOA_KAFKA_MAX_BYTES", defaultMaxBytes),
		MaxWait:     config.GetEnvDuration("EBOA_KAFKA_MAX_WAIT", defaultMaxWait),

		CreateTopics: config.GetEnvBool("EBOA_KAFKA_CREATE_TOPICS", true),
	}
}

// Validate checks if the Kafka configuration is usable.
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return ErrNoBrokers
	}

	if c.Topic == "" {
		return ErrNoTopic
	}

	if c.GroupID == "" {
		return ErrNoGroupID
	}

	return nil
}

// burst returns the limiter burst capacity.
func (c *Config) burst() int {
	if c.Burst > 0 {
		return c.Burst
	}

	if c.MaxRate <= 0 {
		return 1
	}

	return c.MaxRate * burstCapacityMultiple
}
