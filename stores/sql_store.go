package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/imarsiglia/outboxsync"
	"github.com/imarsiglia/outboxsync/internal/sqlutil"
)

const defaultTable = "outbox"

const (
	stateSession    = "session"
	stateProcessing = "processing"
	stateQueueLock  = "queue_lock"
)

// dialect captures the SQL differences between the supported databases.
// Queries are written with '?' placeholders.
type dialect struct {
	quote  string
	rebind bool
	schema func(items, state, archive, index string) []string
	upsert string
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqlStore is the database/sql implementation shared by the SQL stores.
//
// Tables, for the default prefix "outbox":
//
//	outbox_items    one row per queued item, ordered by seq
//	outbox_state    key/value rows for the session and the drain flag
//	outbox_archive  failed items moved aside
type sqlStore struct {
	db      *sql.DB
	table   string
	now     func() time.Time
	logger  outboxsync.Logger
	dialect dialect
}

func newSQLStore(db *sql.DB, d dialect) sqlStore {
	return sqlStore{
		db:      db,
		table:   defaultTable,
		now:     time.Now,
		logger:  discardLogger{},
		dialect: d,
	}
}

// Migrate creates the outbox tables if they do not exist.
func (s *sqlStore) Migrate(ctx context.Context) error {
	stmts := s.dialect.schema(s.ident("_items"), s.ident("_state"), s.ident("_archive"), s.ident("_items_status_idx"))
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("outboxsync: migrate %s: %w", s.table, err)
		}
	}
	// The lock row exists up front so lockQueue only ever updates it.
	if err := s.putState(ctx, stateQueueLock, s.now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("outboxsync: migrate %s: %w", s.table, err)
	}
	return nil
}

func (s *sqlStore) ReadQueue(ctx context.Context) ([]outboxsync.Item, error) {
	return s.readQueue(ctx, s.db)
}

func (s *sqlStore) WriteQueue(ctx context.Context, items []outboxsync.Item) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.lockQueue(ctx, tx); err != nil {
			return err
		}
		return s.writeQueue(ctx, tx, items)
	})
}

// UpdateQueue reads and rewrites the queue in one transaction holding the
// queue lock row.
func (s *sqlStore) UpdateQueue(ctx context.Context, fn func([]outboxsync.Item) ([]outboxsync.Item, error)) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.lockQueue(ctx, tx); err != nil {
			return err
		}
		items, err := s.readQueue(ctx, tx)
		if err != nil {
			return err
		}
		next, err := fn(items)
		if err != nil {
			return err
		}
		return s.writeQueue(ctx, tx, next)
	})
}

// ReplaceQueue is WriteQueue; both run in a single transaction.
func (s *sqlStore) ReplaceQueue(ctx context.Context, items []outboxsync.Item) error {
	return s.WriteQueue(ctx, items)
}

func (s *sqlStore) QueueByStatus(ctx context.Context) (map[outboxsync.Status][]outboxsync.Item, error) {
	items, err := s.ReadQueue(ctx)
	if err != nil {
		return nil, err
	}
	return outboxsync.GroupByStatus(items), nil
}

func (s *sqlStore) ReadSession(ctx context.Context) (*outboxsync.Session, error) {
	raw, ok, err := s.getState(ctx, stateSession)
	if err != nil || !ok {
		return nil, err
	}
	var session outboxsync.Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		s.logger.Warn(ctx, "discarding undecodable session in %s: %v", s.table, err)
		return nil, nil
	}
	return &session, nil
}

func (s *sqlStore) WriteSession(ctx context.Context, session *outboxsync.Session) error {
	if session == nil {
		return s.deleteState(ctx, stateSession)
	}
	raw, err := json.Marshal(session)
	if err != nil {
		return err
	}
	return s.putState(ctx, stateSession, string(raw))
}

func (s *sqlStore) IsProcessing(ctx context.Context) (bool, time.Time, error) {
	raw, ok, err := s.getState(ctx, stateProcessing)
	if err != nil || !ok {
		return false, time.Time{}, err
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		// A zero heartbeat lets the next drain reclaim the flag.
		s.logger.Warn(ctx, "undecodable drain heartbeat %q in %s: %v", raw, s.table, err)
		return true, time.Time{}, nil
	}
	return true, at, nil
}

func (s *sqlStore) SetProcessing(ctx context.Context, on bool, at time.Time) error {
	if !on {
		return s.deleteState(ctx, stateProcessing)
	}
	return s.putState(ctx, stateProcessing, at.UTC().Format(time.RFC3339Nano))
}

func (s *sqlStore) ArchiveAndClearFailed(ctx context.Context) (int, error) {
	moved := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.lockQueue(ctx, tx); err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx, s.q("SELECT uid, item FROM %s WHERE status = ? ORDER BY seq", s.ident("_items")), string(outboxsync.StatusFailed))
		if err != nil {
			return err
		}
		failed, err := s.scanItems(ctx, rows)
		if err != nil {
			return err
		}
		if len(failed) == 0 {
			return nil
		}
		now := s.now().UTC()
		insert := s.q("INSERT INTO %s (uid, entry) VALUES (?, ?)", s.ident("_archive"))
		remove := s.q("DELETE FROM %s WHERE uid = ?", s.ident("_items"))
		for _, it := range failed {
			entry, err := json.Marshal(outboxsync.ArchivedItem{Item: it, ArchivedAt: now})
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, insert, it.UID, string(entry)); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, remove, it.UID); err != nil {
				return err
			}
			moved++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return moved, nil
}

func (s *sqlStore) ReadArchive(ctx context.Context) ([]outboxsync.ArchivedItem, error) {
	rows, err := s.db.QueryContext(ctx, s.q("SELECT uid, entry FROM %s ORDER BY id", s.ident("_archive")))
	if err != nil {
		return nil, err
	}
	defer func(rows *sql.Rows) { _ = rows.Close() }(rows)

	var out []outboxsync.ArchivedItem
	for rows.Next() {
		var (
			uid   string
			entry []byte
		)
		if err := rows.Scan(&uid, &entry); err != nil {
			return nil, err
		}
		var archived outboxsync.ArchivedItem
		if err := json.Unmarshal(entry, &archived); err != nil {
			s.logger.Warn(ctx, "skipping undecodable archive row %s: %v", uid, err)
			continue
		}
		out = append(out, archived)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *sqlStore) readQueue(ctx context.Context, q queryer) ([]outboxsync.Item, error) {
	rows, err := q.QueryContext(ctx, s.q("SELECT uid, item FROM %s ORDER BY seq", s.ident("_items")))
	if err != nil {
		return nil, err
	}
	return s.scanItems(ctx, rows)
}

func (s *sqlStore) scanItems(ctx context.Context, rows *sql.Rows) ([]outboxsync.Item, error) {
	defer func(rows *sql.Rows) { _ = rows.Close() }(rows)

	var items []outboxsync.Item
	for rows.Next() {
		var (
			uid string
			raw []byte
		)
		if err := rows.Scan(&uid, &raw); err != nil {
			return nil, err
		}
		var it outboxsync.Item
		if err := json.Unmarshal(raw, &it); err != nil {
			s.logger.Warn(ctx, "skipping undecodable outbox row %s: %v", uid, err)
			continue
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *sqlStore) writeQueue(ctx context.Context, q queryer, items []outboxsync.Item) error {
	if _, err := q.ExecContext(ctx, s.q("DELETE FROM %s", s.ident("_items"))); err != nil {
		return err
	}
	insert := s.q("INSERT INTO %s (uid, seq, status, item) VALUES (?, ?, ?, ?)", s.ident("_items"))
	for i, it := range items {
		raw, err := json.Marshal(it)
		if err != nil {
			return fmt.Errorf("outboxsync: encode item %s: %w", it.UID, err)
		}
		if _, err := q.ExecContext(ctx, insert, it.UID, i, string(it.Status), string(raw)); err != nil {
			return err
		}
	}
	return nil
}

// lockQueue writes the queue lock row inside tx. The row lock it takes is
// held until tx ends, so queue rewrites from other connections and processes
// wait for it.
func (s *sqlStore) lockQueue(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, s.q(s.dialect.upsert, s.ident("_state")), stateQueueLock, s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("outboxsync: lock queue %s: %w", s.table, err)
	}
	return nil
}

func (s *sqlStore) getState(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, s.q("SELECT v FROM %s WHERE k = ?", s.ident("_state")), key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *sqlStore) putState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, s.q(s.dialect.upsert, s.ident("_state")), key, value)
	return err
}

func (s *sqlStore) deleteState(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, s.q("DELETE FROM %s WHERE k = ?", s.ident("_state")), key)
	return err
}

func (s *sqlStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *sqlStore) q(format string, args ...any) string {
	query := fmt.Sprintf(format, args...)
	if s.dialect.rebind {
		return sqlutil.Rebind(query)
	}
	return query
}

func (s *sqlStore) ident(suffix string) string {
	return sqlutil.QuoteIdentifier(s.table+suffix, s.dialect.quote)
}

type discardLogger struct{}

func (discardLogger) Info(context.Context, string, ...any) {}
func (discardLogger) Warn(context.Context, string, ...any) {}
func (discardLogger) Error(context.Context, string, ...any) {}
