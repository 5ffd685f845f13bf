package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/achingono/papermail-sub000/migrations"
)

// PostgresImage is the server the schema is tested against.
const PostgresImage = "postgres:16-alpine"

// NewTestDB returns a pool on a fresh Postgres container with the schema
// applied. Everything is torn down when the test finishes. Tests that need
// Docker are skipped under -short.
func NewTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping Postgres container test in short mode")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, StartPostgres(t))
	require.NoError(t, err, "connect to Postgres")
	t.Cleanup(pool.Close)

	require.NoError(t, migrations.Apply(ctx, pool), "apply migrations")
	return pool
}

// StartPostgres runs a Postgres container for the test and returns its
// connection string.
func StartPostgres(t *testing.T) string {
	t.Helper()

	ctx := context.Background()
	container, err := postgres.Run(ctx, PostgresImage,
		postgres.WithDatabase("papermail_test"),
		postgres.WithUsername("papermail"),
		postgres.WithPassword("papermail"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		),
	)
	require.NoError(t, err, "start Postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Failed to terminate Postgres container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "read connection string")
	return connStr
}
