// Package main provides the eboa command line: document ingestion from files
// or Kafka, alert administration and health checks against the EBOA database.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/eboa-io/eboa/internal/aliasing"
	"github.com/eboa-io/eboa/internal/config"
	"github.com/eboa-io/eboa/internal/processor"
	"github.com/eboa-io/eboa/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "eboa"
)

// app holds the components shared by the commands.
type app struct {
	logger    *slog.Logger
	conn      *storage.Connection
	store     *storage.IngestionStore
	processor *processor.Processor
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := newRootCmd().ExecuteContext(ctx)

	stop()

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   name,
		Short: "EBOA metadata ingestion engine",
		Long: `eboa ingests operation documents produced by ground segment parsers into the
EBOA database: sources, explicit references, events, annotations and alerts,
applying the insertion policy of every gauge and annotation configuration.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newIngestCmd(),
		newConsumeCmd(),
		newPublishCmd(),
		newInsertValuesCmd(),
		newSolveAlertCmd(),
		newHealthCmd(),
		newMigrateCmd(),
	)

	return root
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))
}

// newApp connects to the database and builds the store and the processor.
// The resources path is checked first: a configured but missing path is fatal.
func newApp(logger *slog.Logger) (*app, error) {
	resources, err := config.ResourcesPath()
	if err != nil {
		return nil, err
	}

	aliasConfig, err := aliasing.LoadConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to load alias configuration: %w", err)
	}

	resolver := aliasing.NewResolver(aliasConfig)

	storageConfig := storage.LoadConfig()

	conn, err := storage.NewConnection(storageConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store, err := storage.NewIngestionStore(conn,
		storage.WithLogger(logger),
		storage.WithAliasResolver(resolver),
		storage.WithLockTimeout(storageConfig.LockTimeout),
	)
	if err != nil {
		_ = conn.Close()

		return nil, err
	}

	proc, err := processor.New(store,
		processor.WithLogger(logger),
		processor.WithAliasResolver(resolver),
	)
	if err != nil {
		_ = conn.Close()

		return nil, err
	}

	logger.Info("Ingestion engine initialized",
		slog.String("service", name),
		slog.String("version", version),
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.String("resources_path", resources),
		slog.Int("explicit_ref_aliases", resolver.AliasCount()),
		slog.Int("explicit_ref_patterns", resolver.PatternCount()),
		slog.Int("database_max_open_conns", storageConfig.MaxOpenConns),
		slog.Duration("database_lock_timeout", storageConfig.LockTimeout),
	)

	return &app{logger: logger, conn: conn, store: store, processor: proc}, nil
}

func (a *app) Close() {
	if err := a.conn.Close(); err != nil {
		a.logger.Warn("Failed to close database connection", slog.String("error", err.Error()))
	}
}
