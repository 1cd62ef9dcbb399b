package storage

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

var (
	sharedDSNOnce sync.Once
	sharedDSN     string
	sharedDSNErr  error
)

// postgresDSN returns TEST_DATABASE_URL when set, otherwise a DSN for a
// postgres container started once per test binary.
func postgresDSN(t *testing.T) string {
	t.Helper()

	if dsn := os.Getenv("TEST_DATABASE_URL"); dsn != "" {
		return dsn
	}

	testcontainers.SkipIfProviderIsNotHealthy(t)

	sharedDSNOnce.Do(func() {
		ctx := context.Background()
		container, err := tcpostgres.Run(ctx,
			"postgres:16-alpine",
			tcpostgres.WithDatabase("crm_test"),
			tcpostgres.WithUsername("postgres"),
			tcpostgres.WithPassword("postgres"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second)),
		)
		if err != nil {
			sharedDSNErr = err
			return
		}
		sharedDSN, sharedDSNErr = container.ConnectionString(ctx, "sslmode=disable")
	})

	if sharedDSNErr != nil {
		t.Skipf("Skipping test - PostgreSQL container not available: %v", sharedDSNErr)
	}
	return sharedDSN
}

// newTestDB connects to a migrated test database and truncates every table
// so each test starts empty.
func newTestDB(t *testing.T) *PostgresDB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	dsn := postgresDSN(t)
	if err := RunMigrations(dsn, "../../migrations/postgres"); err != nil {
		t.Skipf("Skipping test - migrations failed: %v", err)
	}

	db, err := NewPostgresDBFromURL(dsn, 4)
	if err != nil {
		t.Skipf("Skipping test - PostgreSQL not available: %v", err)
	}
	t.Cleanup(db.Close)

	_, err = db.Pool().Exec(testContext(t), `
		TRUNCATE message_logs, suppressions, automations, email_templates,
			webhook_deliveries, sync_logs, orders, customers
		RESTART IDENTITY CASCADE
	`)
	if err != nil {
		t.Fatalf("failed to truncate tables: %v", err)
	}
	return db
}
