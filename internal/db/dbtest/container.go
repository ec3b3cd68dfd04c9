// Package dbtest starts a throwaway PostgreSQL container for integration tests.
package dbtest

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/onnwee/pingback/internal/db"
)

// PostgresImage is the image used for integration tests.
const PostgresImage = "postgres:16-alpine"

// NewDatabase starts PostgreSQL, applies the schema and returns a connection.
// The container is terminated when the test finishes. The test is skipped if
// no container runtime is available.
func NewDatabase(t *testing.T) *sql.DB {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	ctr, err := postgres.Run(ctx, PostgresImage,
		postgres.WithDatabase("pingback"),
		postgres.WithUsername("pingback"),
		postgres.WithPassword("pingback"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("postgres container unavailable, skipping integration test: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(ctr); err != nil {
			t.Logf("failed to terminate postgres container: %v", err)
		}
	})

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	conn, err := db.Open(ctx, dsn)
	if err != nil {
		t.Fatalf("failed to connect to postgres: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := db.Migrate(ctx, conn); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return conn
}
