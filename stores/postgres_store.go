package stores

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/imarsiglia/outboxsync"
)

var postgresDialect = dialect{
	quote:  `"`,
	rebind: true,
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
    id BIGSERIAL PRIMARY KEY,
    uid TEXT NOT NULL,
    entry TEXT NOT NULL
)`, archive),
		}
	},
	upsert: "INSERT INTO %s (k, v) VALUES (?, ?) ON CONFLICT (k) DO UPDATE SET v = EXCLUDED.v",
}

// PostgresStore implements outboxsync.Store for PostgreSQL.
type PostgresStore struct {
	sqlStore
}

type PostgresOption func(*PostgresStore)

func WithPostgresTable(table string) PostgresOption {
	return func(s *PostgresStore) {
		if table != "" {
			s.table = table
		}
	}
}

func WithPostgresNow(now func() time.Time) PostgresOption {
	return func(s *PostgresStore) {
		if now != nil {
			s.now = now
		}
	}
}

func WithPostgresLogger(logger outboxsync.Logger) PostgresOption {
	return func(s *PostgresStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewPostgresStore(db *sql.DB, opts ...PostgresOption) *PostgresStore {
	store := &PostgresStore{sqlStore: newSQLStore(db, postgresDialect)}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

var _ outboxsync.Store = (*PostgresStore)(nil)
