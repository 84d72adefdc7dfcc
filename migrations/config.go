package migrations

import (
	"errors"
	"fmt"

	"github.com/eboa-io/eboa/internal/config"
	"github.com/eboa-io/eboa/internal/storage"
)

const defaultMigrationTable = "schema_migrations"

// ErrMigrationTableEmpty is returned when the migration tracking table name is empty.
var ErrMigrationTableEmpty = errors.New("migration table cannot be empty")

// Config holds migration runner configuration.
type Config struct {
	DatabaseURL    string
	MigrationTable string
}

// LoadConfig loads configuration from DATABASE_URL and EBOA_MIGRATION_TABLE.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DatabaseURL:    config.GetEnvStr("DATABASE_URL", ""),
		MigrationTable: config.GetEnvStr("EBOA_MIGRATION_TABLE", defaultMigrationTable),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return storage.ErrDatabaseURLEmpty
	}

	if c.MigrationTable == "" {
		return ErrMigrationTableEmpty
	}

	return nil
}

// String returns the configuration with the database password masked.
func (c *Config) String() string {
	return fmt.Sprintf("Config{DatabaseURL: %s, MigrationTable: %s}",
		storage.NewConfig(c.DatabaseURL).MaskDatabaseURL(), c.MigrationTable)
}
