package config

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migration source
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	testImage = "postgres:16-alpine"

	// The postgres image logs readiness twice: once for the init server, once
	// for the real one.
	readyLogOccurrences = 2
	startupTimeout      = 120 * time.Second

	// testMigrationsSource is relative to packages two levels below the
	// module root (internal/storage, internal/queue).
	testMigrationsSource = "file://../../migrations"
)

// TestDatabase is a migrated EBOA database running in a container.
type TestDatabase struct {
	Container  *postgres.PostgresContainer
	Connection *sql.DB
	URL        string
}

// SetupTestDatabase starts PostgreSQL, applies the EBOA migrations and returns
// an open connection. The container and the connection are released through
// t.Cleanup.
//
//	if testing.Short() {
//		t.Skip("skipping integration test in short mode")
//	}
//	db := config.SetupTestDatabase(ctx, t)
func SetupTestDatabase(ctx context.Context, t *testing.T) *TestDatabase {
	t.Helper()

	container, err := postgres.Run(ctx, testImage,
		postgres.WithDatabase("eboa_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(readyLogOccurrences).
				WithStartupTimeout(startupTimeout),
		),
	)
	require.NoError(t, err, "Failed to start postgres container")
	t.Cleanup(func() {
		_ = testcontainers.TerminateContainer(container)
	})

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "Failed to get connection string")

	db, err := sql.Open("postgres", url)
	require.NoError(t, err, "Failed to open database")
	t.Cleanup(func() {
		_ = db.Close()
	})

	require.NoError(t, RunTestMigrations(db), "Failed to migrate test database")

	return &TestDatabase{Container: container, Connection: db, URL: url}
}

// RunTestMigrations applies every migration under migrations/ to db. An
// already migrated database is left as is.
func RunTestMigrations(db *sql.DB) error {
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(testMigrationsSource, "postgres", driver)
	if err != nil {
		return fmt.Errorf("load migrations from %s: %w", testMigrationsSource, err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}
