package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/eboa-io/eboa/internal/queue"
)

func newConsumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "consume",
		Short: "Treat operation documents from Kafka until interrupted",
		Long: `Consume operation documents from EBOA_KAFKA_TOPIC as consumer group
EBOA_KAFKA_GROUP_ID. The statuses of every document are published to
EBOA_KAFKA_STATUS_TOPIC before its offset is committed. Throughput is limited to
EBOA_KAFKA_MAX_RATE documents per second.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := newLogger()
			cfg := queue.LoadConfig()

			a, err := newApp(logger)
			if err != nil {
				return err
			}
			defer a.Close()

			consumer, err := queue.NewConsumer(cfg, a.processor, queue.WithLogger(logger))
			if err != nil {
				return err
			}

			defer func() {
				if err := consumer.Close(); err != nil {
					logger.Warn("Failed to close consumer", slog.String("error", err.Error()))
				}
			}()

			logger.Info("Consuming operation documents",
				slog.Any("brokers", cfg.Brokers),
				slog.String("topic", cfg.Topic),
				slog.String("group_id", cfg.GroupID),
				slog.String("status_topic", cfg.StatusTopic),
				slog.Int("max_rate", cfg.MaxRate),
			)

			return consumer.Run(cmd.Context())
		},
	}
}

func newPublishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "publish <file-or-dir>...",
		Short: "Submit operation documents to the Kafka operations topic",
		Long: `Publish JSON operation documents to EBOA_KAFKA_TOPIC, keyed by file name.
Documents that are not valid are rejected before anything is written.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := collectFiles(args)
			if err != nil {
				return err
			}

			publisher, err := queue.NewPublisher(queue.LoadConfig(), nil)
			if err != nil {
				return err
			}

			defer func() { _ = publisher.Close() }()

			for _, file := range files {
				data, err := os.ReadFile(file) //nolint:gosec // paths come from the command line
				if err != nil {
					return fmt.Errorf("cannot read %s: %w", file, err)
				}

				if err := publisher.Publish(cmd.Context(), filepath.Base(file), data); err != nil {
					return fmt.Errorf("%s: %w", file, err)
				}

				fmt.Fprintln(cmd.OutOrStdout(), file)
			}

			return nil
		},
	}
}
