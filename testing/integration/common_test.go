//go:build integration

// Package integration provides integration tests for rill against PostgreSQL.
// These tests use testcontainers to spin up a database automatically.
//
// Run with: go test -tags integration ./testing/integration/...
package integration

import (
	"context"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	rillpg "github.com/zoobzio/rill/providers/postgres"
)

// testDB holds a provider connected to a throwaway container.
type testDB struct {
	dsn       string
	provider  *rillpg.Provider
	container *postgres.PostgresContainer
}

// setupTestDB starts a PostgreSQL container and opens a provider on it.
func setupTestDB(t *testing.T) *testDB {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	provider, err := rillpg.Open(connStr, rillpg.WithReconnect(100*time.Millisecond, time.Second))
	if err != nil {
		t.Fatalf("failed to open provider: %v", err)
	}

	return &testDB{
		dsn:       connStr,
		provider:  provider,
		container: pgContainer,
	}
}

// cleanup closes the provider and terminates the container.
func (tdb *testDB) cleanup(t *testing.T) {
	t.Helper()
	if tdb.provider != nil {
		if err := tdb.provider.Close(); err != nil {
			t.Logf("failed to close provider: %v", err)
		}
	}
	if tdb.container != nil {
		if err := tdb.container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	}
}

// createCollection creates a collection table with the notify trigger.
func createCollection(t *testing.T, tdb *testDB, name string, columns ...string) {
	t.Helper()
	ctx := context.Background()
	if err := tdb.provider.EnsureCollection(ctx, name, columns...); err != nil {
		t.Fatalf("failed to create collection %s: %v", name, err)
	}
	if err := tdb.provider.InstallTrigger(ctx, name); err != nil {
		t.Fatalf("failed to install trigger on %s: %v", name, err)
	}
}

// truncate empties a collection.
func truncate(t *testing.T, tdb *testDB, name string) {
	t.Helper()
	if _, err := tdb.provider.DB().Exec("TRUNCATE TABLE " + pq.QuoteIdentifier(name)); err != nil {
		t.Fatalf("failed to truncate %s: %v", name, err)
	}
}
