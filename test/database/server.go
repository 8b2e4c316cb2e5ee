package database

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/imarsiglia/outboxsync/internal/sqlutil"
)

// OpenPostgres connects to POSTGRES_DSN, skipping the test when it is unset.
func OpenPostgres(t *testing.T) *sql.DB {
	t.Helper()
	return openServer(t, "pgx", "POSTGRES_DSN")
}

// OpenMySQL connects to MYSQL_DSN, skipping the test when it is unset.
func OpenMySQL(t *testing.T) *sql.DB {
	t.Helper()
	return openServer(t, "mysql", "MYSQL_DSN")
}

func openServer(t *testing.T, driver, envKey string) *sql.DB {
	t.Helper()
	dsn := os.Getenv(envKey)
	if dsn == "" {
		t.Skipf("%s not set", envKey)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		t.Fatalf("%s: open: %v", envKey, err)
	}
	t.Cleanup(func() { _ = db.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("%s: ping: %v", envKey, err)
	}
	return db
}

// DropOutboxTables removes the tables a store created under prefix when the
// test ends. quote is the dialect's identifier quote.
func DropOutboxTables(t *testing.T, db *sql.DB, prefix, quote string) {
	t.Helper()
	t.Cleanup(func() {
		for _, suffix := range []string{"_items", "_state", "_archive"} {
			_, _ = db.Exec("DROP TABLE IF EXISTS " + sqlutil.QuoteIdentifier(prefix+suffix, quote))
		}
	})
}
