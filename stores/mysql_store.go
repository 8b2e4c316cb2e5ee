package stores

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/imarsiglia/outboxsync"
)

var mysqlDialect = dialect{
	quote: "`",
	schema: func(items, state, archive, index string) []string {
		return []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    uid VARCHAR(64) NOT NULL PRIMARY KEY,
    seq INT NOT NULL,
    status VARCHAR(16) NOT NULL,
    item LONGTEXT NOT NULL,
    INDEX %s (status)
)`, items, index),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    k VARCHAR(64) NOT NULL PRIMARY KEY,
    v LONGTEXT NOT NULL
)`, state),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    uid VARCHAR(64) NOT NULL,
    entry LONGTEXT NOT NULL
)`, archive),
		}
	},
	upsert: "INSERT INTO %s (k, v) VALUES (?, ?) ON DUPLICATE KEY UPDATE v = VALUES(v)",
}

// MySQLStore implements outboxsync.Store for MySQL.
type MySQLStore struct {
	sqlStore
}

// MySQLOption configures MySQLStore.
type MySQLOption func(*MySQLStore)

// WithMySQLTable overrides the default table prefix ("outbox").
func WithMySQLTable(name string) MySQLOption {
	return func(s *MySQLStore) {
		if name != "" {
			s.table = name
		}
	}
}

// WithMySQLNow overrides the time source.
func WithMySQLNow(now func() time.Time) MySQLOption {
	return func(s *MySQLStore) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMySQLLogger reports rows that cannot be decoded.
func WithMySQLLogger(logger outboxsync.Logger) MySQLOption {
	return func(s *MySQLStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewMySQLStore creates a MySQL-backed store. Call Migrate before use.
func NewMySQLStore(db *sql.DB, opts ...MySQLOption) *MySQLStore {
	store := &MySQLStore{sqlStore: newSQLStore(db, mysqlDialect)}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

var _ outboxsync.Store = (*MySQLStore)(nil)
