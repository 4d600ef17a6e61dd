// Package config provides configuration getters and shared test utilities
// for the ForgeSight service.
package config

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/forgesight/forgesight/migrations"
)

// TestDatabase bundles the container, connection and URL of a throwaway
// PostgreSQL instance so integration tests across packages share one setup
// path. Cleanup is the caller's responsibility via t.Cleanup:
//
//	testDB := config.SetupTestDatabase(ctx, t)
//	t.Cleanup(func() {
//		_ = testDB.Connection.Close()
//		_ = testcontainers.TerminateContainer(testDB.Container)
//	})
type TestDatabase struct {
	Container  *postgres.PostgresContainer
	Connection *sql.DB
	URL        string
}

// SetupTestDatabase starts a PostgreSQL container and applies the embedded
// migrations, so tests exercise exactly the schema deployments run.
func SetupTestDatabase(ctx context.Context, t *testing.T) *TestDatabase {
	t.Helper()

	// Postgres logs readiness twice: once during init, once for real.
	ready := wait.ForLog("database system is ready to accept connections").
		WithOccurrence(2).
		WithStartupTimeout(2 * time.Minute)

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("forgesight_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(ready),
	)
	require.NoError(t, err, "start postgres container")

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "resolve connection string")

	conn, err := sql.Open("postgres", connStr)
	require.NoError(t, err, "open database")

	if err := migrations.Up(conn); err != nil {
		_ = conn.Close()
		_ = testcontainers.TerminateContainer(container)

		t.Fatalf("apply migrations: %v", err)
	}

	return &TestDatabase{
		Container:  container,
		Connection: conn,
		URL:        connStr,
	}
}
