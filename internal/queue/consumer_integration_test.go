package queue

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"

	"github.com/eboa-io/eboa/internal/config"
	"github.com/eboa-io/eboa/internal/engine"
	"github.com/eboa-io/eboa/internal/faults"
	"github.com/eboa-io/eboa/internal/processor"
	"github.com/eboa-io/eboa/internal/query"
	"github.com/eboa-io/eboa/internal/storage"
)

const kafkaImage = "confluentinc/confluent-local:7.5.0"

func setupKafka(ctx context.Context, t *testing.T, topics ...string) []string {
	t.Helper()

	container, err := tckafka.Run(ctx, kafkaImage, tckafka.WithClusterID("eboa-test"))
	require.NoError(t, err, "Failed to start kafka container")
	t.Cleanup(func() {
		_ = testcontainers.TerminateContainer(container)
	})

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)

	conn, err := kafka.DialContext(ctx, "tcp", brokers[0])
	require.NoError(t, err)

	defer func() { _ = conn.Close() }()

	controller, err := conn.Controller()
	require.NoError(t, err)

	controllerConn, err := kafka.DialContext(ctx, "tcp",
		net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	require.NoError(t, err)

	defer func() { _ = controllerConn.Close() }()

	configs := make([]kafka.TopicConfig, 0, len(topics))
	for _, topic := range topics {
		configs = append(configs, kafka.TopicConfig{Topic: topic, NumPartitions: 1, ReplicationFactor: 1})
	}

	require.NoError(t, controllerConn.CreateTopics(configs...))

	return brokers
}

func reportDocument(t *testing.T, sources ...string) []byte {
	t.Helper()

	ops := make([]*engine.OperationRequest, 0, len(sources))

	for _, source := range sources {
		ops = append(ops, &engine.OperationRequest{
			Mode:         "insert",
			DimSignature: &engine.DimSignatureRequest{Name: "RECEPTION", Exec: "ingestion_reception.py", Version: "1.0"},
			Source: &engine.SourceRequest{
				Name:           source,
				ReceptionTime:  "2018-06-06T13:33:29",
				GenerationTime: "2018-06-06T13:33:29",
				ValidityStart:  "2018-06-05T02:00:00",
				ValidityStop:   "2018-06-05T08:00:00",
			},
			Events: []engine.EventRequest{{
				ExplicitReference: "S2A_OPER_MSI_L0__DS",
				Gauge:             &engine.GaugeRequest{Name: "PLAYBACK", System: "S2A", InsertionType: "SIMPLE_INSERT"},
				Start:             "2018-06-05T03:00:00",
				Stop:              "2018-06-05T04:00:00",
			}},
		})
	}

	doc, err := engine.NewDocument(ops...)
	require.NoError(t, err)

	data, err := json.Marshal(doc)
	require.NoError(t, err)

	return data
}

func TestConsumerIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	testDB := config.SetupTestDatabase(ctx, t)

	store, err := storage.NewIngestionStore(&storage.Connection{DB: testDB.Connection},
		storage.WithLogger(discardLogger()))
	require.NoError(t, err)

	proc, err := processor.New(store, processor.WithLogger(discardLogger()))
	require.NoError(t, err)

	cfg := &Config{
		Brokers:     setupKafka(ctx, t, "eboa.operations", "eboa.statuses"),
		Topic:       "eboa.operations",
		GroupID:     "eboa-integration",
		StatusTopic: "eboa.statuses",
		MinBytes:    defaultMinBytes,
		MaxBytes:    defaultMaxBytes,
		MaxWait:     defaultMaxWait,
	}

	publisher, err := NewPublisher(cfg, nil)
	require.NoError(t, err)

	defer func() { _ = publisher.Close() }()

	// The second operation repeats the first source.
	require.NoError(t, publisher.Publish(ctx, "S2A_REP_PASS.EOF",
		reportDocument(t, "S2A_REP_PASS.EOF", "S2A_REP_PASS.EOF")))

	consumer, err := NewConsumer(cfg, proc, WithLogger(discardLogger()))
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)

	go func() { done <- consumer.Run(runCtx) }()

	statusReader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   cfg.Brokers,
		Topic:     cfg.StatusTopic,
		Partition: 0,
		MaxWait:   defaultMaxWait,
	})

	defer func() { _ = statusReader.Close() }()

	readCtx, readCancel := context.WithTimeout(ctx, 90*time.Second)
	defer readCancel()

	msg, err := statusReader.ReadMessage(readCtx)
	require.NoError(t, err)

	cancel()
	require.NoError(t, <-done)
	require.NoError(t, consumer.Close())

	var report Report
	require.NoError(t, json.Unmarshal(msg.Value, &report))

	assert.Equal(t, "S2A_REP_PASS.EOF", report.Key)
	require.Len(t, report.Statuses, 2)
	assert.True(t, report.Statuses[0].OK(), report.Statuses[0].Message)
	assert.Equal(t, faults.SourceAlreadyIngested, report.Statuses[1].Code())

	events, err := store.GetEvents(ctx, storage.EventFilter{
		Source: query.StringFilter{Value: "S2A_REP_PASS.EOF", Op: query.Eq},
	})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
