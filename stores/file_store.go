package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/imarsiglia/outboxsync"
)

// QueueFile is the name of the queue document inside a FileStore directory.
const QueueFile = queueFile

const (
	queueFile      = "queue.json"
	sessionFile    = "session.json"
	processingFile = "processing.json"
	archiveFile    = "archive.json"
	lockFile       = "queue.lock"
)

// lockPoll is how often a FileStore retries a queue lock held by another
// process.
const lockPoll = 10 * time.Millisecond

// ErrInvalidPath is returned when a FileStore is built without a directory.
var ErrInvalidPath = errors.New("outboxsync: file store path is required")

type fileQueueState struct {
	Items []outboxsync.Item `json:"items"`
}

type fileProcessingState struct {
	On bool      `json:"on"`
	At time.Time `json:"at"`
}

type fileArchiveState struct {
	Items []outboxsync.ArchivedItem `json:"items"`
}

// FileStore keeps the outbox as JSON documents in a directory. Every write
// goes to a temporary file that is renamed over the target. Queue rewrites
// hold an advisory lock on queue.lock, so several processes may share the
// directory. A document that fails to decode is copied to <name>.corrupt
// before anything overwrites it.
type FileStore struct {
	dir    string
	now    func() time.Time
	logger outboxsync.Logger
	mu     sync.Mutex
}

// FileOption configures a FileStore.
type FileOption func(*FileStore)

// WithFileNow overrides the clock used for archive timestamps.
func WithFileNow(now func() time.Time) FileOption {
	return func(s *FileStore) {
		if now != nil {
			s.now = now
		}
	}
}

// WithFileLogger reports documents that cannot be decoded.
func WithFileLogger(logger outboxsync.Logger) FileOption {
	return func(s *FileStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewFileStore creates dir if needed and returns a store rooted there.
func NewFileStore(dir string, opts ...FileOption) (*FileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidPath
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	s := &FileStore{
		dir:    dir,
		now:    time.Now,
		logger: discardLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the directory holding the documents.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) ReadQueue(ctx context.Context) ([]outboxsync.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readQueueLocked(ctx)
}

func (s *FileStore) WriteQueue(ctx context.Context, items []outboxsync.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	unlock, err := s.lockQueue(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	return s.saveLocked(queueFile, fileQueueState{Items: nonNil(items)})
}

func (s *FileStore) UpdateQueue(ctx context.Context, fn func([]outboxsync.Item) ([]outboxsync.Item, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	unlock, err := s.lockQueue(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	items, err := s.readQueueLocked(ctx)
	if err != nil {
		return err
	}
	next, err := fn(items)
	if err != nil {
		return err
	}
	return s.saveLocked(queueFile, fileQueueState{Items: nonNil(next)})
}

func (s *FileStore) ReplaceQueue(ctx context.Context, items []outboxsync.Item) error {
	return s.WriteQueue(ctx, items)
}

func (s *FileStore) QueueByStatus(ctx context.Context) (map[outboxsync.Status][]outboxsync.Item, error) {
	items, err := s.ReadQueue(ctx)
	if err != nil {
		return nil, err
	}
	return outboxsync.GroupByStatus(items), nil
}

func (s *FileStore) ReadSession(ctx context.Context) (*outboxsync.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var session outboxsync.Session
	ok, err := s.loadLocked(ctx, sessionFile, &session)
	if err != nil || !ok {
		return nil, err
	}
	return &session, nil
}

func (s *FileStore) WriteSession(_ context.Context, session *outboxsync.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session == nil {
		return s.removeLocked(sessionFile)
	}
	return s.saveLocked(sessionFile, session)
}

func (s *FileStore) IsProcessing(ctx context.Context) (bool, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var state fileProcessingState
	ok, err := s.loadLocked(ctx, processingFile, &state)
	if err != nil || !ok {
		return false, time.Time{}, err
	}
	return state.On, state.At, nil
}

func (s *FileStore) SetProcessing(_ context.Context, on bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !on {
		return s.removeLocked(processingFile)
	}
	return s.saveLocked(processingFile, fileProcessingState{On: true, At: at.UTC()})
}

func (s *FileStore) ArchiveAndClearFailed(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	unlock, err := s.lockQueue(ctx)
	if err != nil {
		return 0, err
	}
	defer unlock()
	items, err := s.readQueueLocked(ctx)
	if err != nil {
		return 0, err
	}
	kept, failed := outboxsync.SplitFailed(items)
	if len(failed) == 0 {
		return 0, nil
	}
	var archive fileArchiveState
	if _, err := s.loadLocked(ctx, archiveFile, &archive); err != nil {
		return 0, err
	}
	now := s.now().UTC()
	for _, it := range failed {
		archive.Items = append(archive.Items, outboxsync.ArchivedItem{Item: it, ArchivedAt: now})
	}
	// The archive is written first so a crash in between duplicates an
	// archive entry instead of losing an item.
	if err := s.saveLocked(archiveFile, archive); err != nil {
		return 0, err
	}
	if err := s.saveLocked(queueFile, fileQueueState{Items: nonNil(kept)}); err != nil {
		return 0, err
	}
	return len(failed), nil
}

func (s *FileStore) ReadArchive(ctx context.Context) ([]outboxsync.ArchivedItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var archive fileArchiveState
	if _, err := s.loadLocked(ctx, archiveFile, &archive); err != nil {
		return nil, err
	}
	return archive.Items, nil
}

func (s *FileStore) readQueueLocked(ctx context.Context) ([]outboxsync.Item, error) {
	var state fileQueueState
	ok, err := s.loadLocked(ctx, queueFile, &state)
	if err != nil || !ok {
		// A partial decode may have filled some items; none of them count.
		return nil, err
	}
	return state.Items, nil
}

// loadLocked decodes name into v. Missing files report false; undecodable
// files are logged, copied aside and also report false.
func (s *FileStore) loadLocked(ctx context.Context, name string, v any) (bool, error) {
	path := filepath.Join(s.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		s.logger.Warn(ctx, "ignoring undecodable %s: %v", name, err)
		if err := os.WriteFile(path+".corrupt", data, 0o644); err != nil {
			s.logger.Warn(ctx, "keep copy of undecodable %s: %v", name, err)
		}
		return false, nil
	}
	return true, nil
}

// lockQueue takes the cross-process queue lock, polling so ctx can abort
// the wait. The returned func releases it.
func (s *FileStore) lockQueue(ctx context.Context) (func(), error) {
	f, err := os.OpenFile(filepath.Join(s.dir, lockFile), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	for {
		ok, err := tryLockFile(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("outboxsync: lock %s: %w", lockFile, err)
		}
		if ok {
			return func() {
				_ = unlockFile(f)
				_ = f.Close()
			}, nil
		}
		select {
		case <-ctx.Done():
			_ = f.Close()
			return nil, ctx.Err()
		case <-time.After(lockPoll):
		}
	}
}

func (s *FileStore) saveLocked(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *FileStore) removeLocked(name string) error {
	err := os.Remove(filepath.Join(s.dir, name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func nonNil(items []outboxsync.Item) []outboxsync.Item {
	if items == nil {
		return []outboxsync.Item{}
	}
	return items
}

var _ outboxsync.Store = (*FileStore)(nil)
