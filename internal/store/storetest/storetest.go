// Package storetest provides the shared PostgreSQL test harness. Tests that
// call Open require a reachable database named by TEST_POSTGRES_DSN and are
// skipped otherwise. The schema is migrated on first use; tests isolate
// themselves by creating their own users (fresh external ids) rather than by
// truncating shared tables, so packages can run in parallel against one
// database.
package storetest

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"

	"github.com/johnvesslyalti/tars-chat/internal/store"
)

// Open connects to the test database, applies migrations, and registers
// cleanup of the connection.
func Open(t *testing.T) *sql.DB {
	t.Helper()

	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		t.Skipf("postgres not available: %v", err)
	}

	if err := store.Migrate(db); err != nil {
		db.Close()
		t.Fatalf("migrate: %v", err)
	}

	t.Cleanup(func() { db.Close() })
	return db
}
