package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/eboa-io/eboa/internal/config"
)

type (
	// Runner applies the migrations of a Catalog with golang-migrate.
	Runner struct {
		catalog *Catalog
		migrate *migrate.Migrate
		db      *sql.DB
		logger  *slog.Logger
	}

	// Status describes the schema version of a database.
	Status struct {
		// Version is 0 when no migration has been applied.
		Version uint
		Dirty   bool
		// Latest is the highest version the catalog provides.
		Latest int
	}

	// RunnerOption configures optional Runner behavior.
	RunnerOption func(*runnerOptions)

	runnerOptions struct {
		catalog *Catalog
		logger  *slog.Logger
	}

	// migrateLogger forwards golang-migrate messages to slog.
	migrateLogger struct {
		logger *slog.Logger
	}
)

var _ migrate.Logger = (*migrateLogger)(nil)

// WithCatalog replaces the embedded migrations.
func WithCatalog(c *Catalog) RunnerOption {
	return func(o *runnerOptions) {
		o.catalog = c
	}
}

// WithLogger sets the logger used by the runner.
func WithLogger(logger *slog.Logger) RunnerOption {
	return func(o *runnerOptions) {
		o.logger = logger
	}
}

// NewRunner validates the catalog, connects to the database and prepares the
// golang-migrate instance.
func NewRunner(cfg *Config, opts ...RunnerOption) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &runnerOptions{
		catalog: NewCatalog(nil),
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}

	for _, opt := range opts {
		opt(o)
	}

	if err := o.catalog.Validate(); err != nil {
		return nil, fmt.Errorf("migration validation failed: %w", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: cfg.MigrationTable})
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create postgres driver: %w", err)
	}

	source, err := iofs.New(o.catalog.FS(), ".")
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	m.Log = &migrateLogger{logger: o.logger}

	o.logger.Info("Migration runner initialized",
		slog.String("config", cfg.String()),
		slog.Int("latest_version", o.catalog.Latest()),
	)

	return &Runner{catalog: o.catalog, migrate: m, db: db, logger: o.logger}, nil
}

// Up applies all pending migrations.
func (r *Runner) Up() error {
	err := r.migrate.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		r.logger.Info("No new migrations to apply")

		return nil
	}

	if err != nil {
		return fmt.Errorf("migration up failed: %w", err)
	}

	r.logger.Info("All migrations applied")

	return nil
}

// Down rolls back the last applied migration.
func (r *Runner) Down() error {
	err := r.migrate.Steps(-1)
	if errors.Is(err, migrate.ErrNoChange) || errors.Is(err, os.ErrNotExist) {
		r.logger.Info("No migration to roll back")

		return nil
	}

	if err != nil {
		return fmt.Errorf("migration down failed: %w", err)
	}

	r.logger.Info("Last migration rolled back")

	return nil
}

// Status reports the applied version of the database.
func (r *Runner) Status() (Status, error) {
	st := Status{Latest: r.catalog.Latest()}

	version, dirty, err := r.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return st, nil
	}

	if err != nil {
		return st, fmt.Errorf("failed to get migration version: %w", err)
	}

	st.Version = version
	st.Dirty = dirty

	return st, nil
}

// Drop drops every table of the database, including the migration table.
func (r *Runner) Drop() error {
	r.logger.Warn("Dropping all tables")

	if err := r.migrate.Drop(); err != nil {
		return fmt.Errorf("drop failed: %w", err)
	}

	return nil
}

// Close releases the migrate instance and the database connection.
func (r *Runner) Close() error {
	var errs []error

	sourceErr, dbErr := r.migrate.Close()
	if sourceErr != nil {
		errs = append(errs, fmt.Errorf("source close error: %w", sourceErr))
	}

	if dbErr != nil {
		errs = append(errs, fmt.Errorf("database close error: %w", dbErr))
	}

	if err := r.db.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		errs = append(errs, fmt.Errorf("database connection close error: %w", err))
	}

	return errors.Join(errs...)
}

// Pending returns the number of migrations not applied yet.
func (s Status) Pending() int {
	if int(s.Version) >= s.Latest { // #nosec G115 - versions are small sequence numbers
		return 0
	}

	return s.Latest - int(s.Version) // #nosec G115
}

func (l *migrateLogger) Printf(format string, v ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)), slog.String("component", "migrate"))
}

func (l *migrateLogger) Verbose() bool {
	return false
}
