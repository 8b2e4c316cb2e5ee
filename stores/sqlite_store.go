package stores

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/imarsiglia/outboxsync"
)

var sqliteDialect = dialect{
	quote: `"`,
	schema: func(items, state, archive, index string) []string {
		return []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    uid TEXT PRIMARY KEY,
    seq INTEGER NOT NULL,
    status TEXT NOT NULL,
    item TEXT NOT NULL
)`, items),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (status)`, index, items),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    k TEXT PRIMARY KEY,
    v TEXT NOT NULL
)`, state),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    uid TEXT NOT NULL,
    entry TEXT NOT NULL
)`, archive),
		}
	},
	upsert: "INSERT INTO %s (k, v) VALUES (?, ?) ON CONFLICT (k) DO UPDATE SET v = excluded.v",
}

// SQLiteStore implements outboxsync.Store for SQLite databases.
type SQLiteStore struct {
	sqlStore
}

// SQLiteOption configures a SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithSQLiteTable overrides the default table prefix ("outbox").
func WithSQLiteTable(name string) SQLiteOption {
	return func(s *SQLiteStore) {
		if name != "" {
			s.table = name
		}
	}
}

// WithSQLiteNow overrides the clock used for archive timestamps.
func WithSQLiteNow(now func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSQLiteLogger reports rows that cannot be decoded.
func WithSQLiteLogger(logger outboxsync.Logger) SQLiteOption {
	return func(s *SQLiteStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSQLiteStore creates a Store backed by SQLite. Call Migrate before use.
func NewSQLiteStore(db *sql.DB, opts ...SQLiteOption) *SQLiteStore {
	store := &SQLiteStore{sqlStore: newSQLStore(db, sqliteDialect)}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

var _ outboxsync.Store = (*SQLiteStore)(nil)
