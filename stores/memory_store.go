package stores

import (
	"context"
	"sync"
	"time"

	"github.com/imarsiglia/outboxsync"
)

// MemoryStore keeps the outbox in process memory. Nothing survives a restart.
type MemoryStore struct {
	mu         sync.Mutex
	now        func() time.Time
	items      []outboxsync.Item
	session    *outboxsync.Session
	processing bool
	heartbeat  time.Time
	archive    []outboxsync.ArchivedItem
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryNow overrides the clock used for archive timestamps.
func WithMemoryNow(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) ReadQueue(context.Context) ([]outboxsync.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneItems(s.items), nil
}

func (s *MemoryStore) WriteQueue(_ context.Context, items []outboxsync.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = cloneItems(items)
	return nil
}

func (s *MemoryStore) UpdateQueue(_ context.Context, fn func([]outboxsync.Item) ([]outboxsync.Item, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := fn(cloneItems(s.items))
	if err != nil {
		return err
	}
	s.items = cloneItems(next)
	return nil
}

func (s *MemoryStore) ReplaceQueue(ctx context.Context, items []outboxsync.Item) error {
	return s.WriteQueue(ctx, items)
}

func (s *MemoryStore) QueueByStatus(ctx context.Context) (map[outboxsync.Status][]outboxsync.Item, error) {
	items, _ := s.ReadQueue(ctx)
	return outboxsync.GroupByStatus(items), nil
}

func (s *MemoryStore) ReadSession(context.Context) (*outboxsync.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil, nil
	}
	session := *s.session
	return &session, nil
}

func (s *MemoryStore) WriteSession(_ context.Context, session *outboxsync.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session == nil {
		s.session = nil
		return nil
	}
	cp := *session
	s.session = &cp
	return nil
}

func (s *MemoryStore) IsProcessing(context.Context) (bool, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processing, s.heartbeat, nil
}

func (s *MemoryStore) SetProcessing(_ context.Context, on bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processing = on
	if on {
		s.heartbeat = at
	} else {
		s.heartbeat = time.Time{}
	}
	return nil
}

func (s *MemoryStore) ArchiveAndClearFailed(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept, failed := outboxsync.SplitFailed(s.items)
	now := s.now().UTC()
	for _, it := range failed {
		s.archive = append(s.archive, outboxsync.ArchivedItem{Item: it.Clone(), ArchivedAt: now})
	}
	s.items = kept
	return len(failed), nil
}

func (s *MemoryStore) ReadArchive(context.Context) ([]outboxsync.ArchivedItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]outboxsync.ArchivedItem, len(s.archive))
	for i, a := range s.archive {
		out[i] = outboxsync.ArchivedItem{Item: a.Item.Clone(), ArchivedAt: a.ArchivedAt}
	}
	return out, nil
}

func cloneItems(items []outboxsync.Item) []outboxsync.Item {
	if items == nil {
		return nil
	}
	out := make([]outboxsync.Item, len(items))
	for i, it := range items {
		out[i] = it.Clone()
	}
	return out
}

var _ outboxsync.Store = (*MemoryStore)(nil)
