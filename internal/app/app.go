// Package app wires configuration into stores and transports for the
// outboxsync binaries.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/imarsiglia/outboxsync"
	"github.com/imarsiglia/outboxsync/internal/config"
	awssqs "github.com/imarsiglia/outboxsync/internal/lib/aws/sqs"
	"github.com/imarsiglia/outboxsync/readmodel"
	"github.com/imarsiglia/outboxsync/signals"
	"github.com/imarsiglia/outboxsync/stores"
	"github.com/imarsiglia/outboxsync/transport/httpapi"
	"github.com/imarsiglia/outboxsync/transport/sqs"
)

// Store is an opened outbox store and the resources behind it.
type Store struct {
	outboxsync.Store
	// Dir is set for file stores so callers can watch it.
	Dir   string
	close func() error
}

func (s *Store) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

type migrator interface {
	Migrate(ctx context.Context) error
}

// OpenStore opens the store selected by cfg.Store. SQL stores are migrated.
func OpenStore(ctx context.Context, cfg config.Config, logger outboxsync.Logger) (*Store, error) {
	switch cfg.Store {
	case "memory":
		return &Store{Store: stores.NewMemoryStore()}, nil
	case "file", "":
		fs, err := stores.NewFileStore(cfg.Path, stores.WithFileLogger(logger))
		if err != nil {
			return nil, err
		}
		return &Store{Store: fs, Dir: fs.Dir()}, nil
	case "sqlite":
		db, err := openDB(ctx, "sqlite", sqliteDSN(cfg.Path))
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(1)
		return migrated(ctx, db, stores.NewSQLiteStore(db,
			stores.WithSQLiteTable(cfg.Table),
			stores.WithSQLiteLogger(logger),
		))
	case "postgres":
		db, err := openDB(ctx, "pgx", cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return migrated(ctx, db, stores.NewPostgresStore(db,
			stores.WithPostgresTable(cfg.Table),
			stores.WithPostgresLogger(logger),
		))
	case "mysql":
		db, err := openDB(ctx, "mysql", cfg.MySQLDSN)
		if err != nil {
			return nil, err
		}
		return migrated(ctx, db, stores.NewMySQLStore(db,
			stores.WithMySQLTable(cfg.Table),
			stores.WithMySQLLogger(logger),
		))
	default:
		return nil, fmt.Errorf("app: unknown store %q", cfg.Store)
	}
}

func openDB(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("app: open %s: %w", driver, err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("app: ping %s: %w", driver, err)
	}
	return db, nil
}

func migrated(ctx context.Context, db *sql.DB, store interface {
	outboxsync.Store
	migrator
}) (*Store, error) {
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{Store: store, close: db.Close}, nil
}

// Remote bundles what the daemon needs from the server side.
type Remote struct {
	Service outboxsync.EntityService
	Lister  readmodel.Lister
	Check   signals.CheckFunc
}

// NewRemote builds the transport selected by cfg.Transport. Lists and
// health checks always go through the HTTP API; with "sqs" only mutations
// are published to the queue.
func NewRemote(ctx context.Context, cfg config.Config) (*Remote, error) {
	client := httpapi.NewClient(cfg.BaseURL, httpapi.Options{
		Token:         cfg.Token,
		RatePerSecond: cfg.RatePerSecond,
	})
	remote := &Remote{Service: client, Lister: client, Check: client.Ping}
	if cfg.ProbeTarget != "" {
		remote.Check = signals.TCPCheck(cfg.ProbeTarget)
	}

	switch cfg.Transport {
	case "http", "":
	case "sqs":
		pub, err := sqs.Dial(ctx, awssqs.Config{
			Endpoint:  cfg.SQSEndpoint,
			AccessKey: cfg.AWSAccessKey,
			SecretKey: cfg.AWSSecretKey,
		}, cfg.QueueURL, sqs.Options{})
		if err != nil {
			return nil, err
		}
		remote.Service = pub
	default:
		return nil, fmt.Errorf("app: unknown transport %q", cfg.Transport)
	}
	return remote, nil
}

// sqliteDSN makes writers from other processes wait for the database lock
// instead of failing with SQLITE_BUSY.
func sqliteDSN(path string) string {
	if strings.Contains(path, "_pragma=busy_timeout") {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=busy_timeout(5000)"
}
