package store

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	container "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"gorm.io/gorm"
)

// setupTestSqlite creates an in-memory SQLite DB for testing
func setupTestSqlite(t testing.TB) *gorm.DB {
	t.Helper()

	// Unique DSN so tests never share an in-memory database
	uniqueDSN := fmt.Sprintf("file::memory:test%s?mode=memory&cache=shared", uuid.NewString())

	db, err := OpenDatabase("sqlite", uniqueDSN)
	require.NoError(t, err)
	return db
}

// setupTestPostgres creates a PostgreSQL database using testcontainers
func setupTestPostgres(ctx context.Context, t testing.TB) (*gorm.DB, testcontainers.Container) {
	t.Helper()

	const dbName = "postgres"
	const dbUser = "postgres"
	const dbPassword = "postgres"

	postgresContainer, err := container.Run(ctx,
		"postgres:16-alpine",
		container.WithDatabase(dbName),
		container.WithUsername(dbUser),
		container.WithPassword(dbPassword),
		testcontainers.WithEnv(map[string]string{
			"POSTGRES_HOST_AUTH_METHOD": "trust",
		}),
		testcontainers.WithWaitStrategy(
			wait.ForAll(
				wait.ForLog("database system is ready to accept connections"),
				wait.ForListeningPort("5432/tcp"),
			)))
	require.NoError(t, err)

	url, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := OpenDatabase("postgres", url)
	require.NoError(t, err)

	return db, postgresContainer
}

// setupTestBackend picks a backend from TEST_DB_DRIVER: "memory", "postgres"
// or SQLite by default.
func setupTestBackend(t testing.TB) Backend {
	t.Helper()
	ctx := context.Background()

	var db *gorm.DB
	switch os.Getenv("TEST_DB_DRIVER") {
	case "memory":
		return NewMemoryBackend()
	case "postgres":
		var c testcontainers.Container
		db, c = setupTestPostgres(ctx, t)
		t.Cleanup(func() {
			if err := c.Terminate(ctx); err != nil {
				t.Logf("failed to terminate PostgreSQL container: %v", err)
			}
		})
	default:
		db = setupTestSqlite(t)
	}

	backend, err := NewGormBackend(db)
	require.NoError(t, err)
	return backend
}
