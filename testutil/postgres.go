// Package testutil provides shared helpers for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/onnwee/loomy/backend/db"
)

// SetupTestDB connects to the Postgres instance named by TEST_PG_DSN, runs
// migrations, and truncates all tables so each test starts clean. Tests are
// skipped when TEST_PG_DSN is not set.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set; skipping database test")
	}

	d, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.PingContext(ctx); err != nil {
		t.Fatalf("ping test db: %v", err)
	}
	if err := db.Migrate(ctx, d); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}

	tables := []string{
		"reply_jobs", "processed_messages", "stream_sessions",
		"bot_configs", "accounts", "api_quota", "kv",
	}
	for _, tbl := range tables {
		if _, err := d.ExecContext(ctx, fmt.Sprintf("TRUNCATE TABLE %s CASCADE", tbl)); err != nil {
			t.Fatalf("truncate %s: %v", tbl, err)
		}
	}
	return d
}
