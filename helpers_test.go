package outboxsync_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/imarsiglia/outboxsync"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return t0 }

type fakeService struct {
	mu         sync.Mutex
	creates    []outboxsync.CreateRequest
	updates    []outboxsync.UpdateRequest
	deletes    []outboxsync.DeleteRequest
	createErrs []error
	updateErrs []error
	createFn   func(req outboxsync.CreateRequest) outboxsync.CreateResult

	// block, when set, holds CreateEntity until it is closed.
	block   chan struct{}
	started chan struct{}
}

func newFakeService() *fakeService {
	return &fakeService{started: make(chan struct{}, 1)}
}

func (f *fakeService) CreateEntity(ctx context.Context, req outboxsync.CreateRequest) (outboxsync.CreateResult, error) {
	f.mu.Lock()
	f.creates = append(f.creates, req)
	n := len(f.creates)
	var err error
	if len(f.createErrs) > 0 {
		err = f.createErrs[0]
		f.createErrs = f.createErrs[1:]
	}
	fn := f.createFn
	block := f.block
	f.mu.Unlock()

	select {
	case f.started <- struct{}{}:
	default:
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return outboxsync.CreateResult{}, ctx.Err()
		}
	}
	if err != nil {
		return outboxsync.CreateResult{}, err
	}
	if fn != nil {
		return fn(req), nil
	}
	return outboxsync.CreateResult{Record: &outboxsync.Record{
		ID:     outboxsync.ServerID(fmt.Sprintf("srv-%d", n)),
		Fields: req.Body.Clone(),
	}}, nil
}

func (f *fakeService) UpdateEntity(_ context.Context, req outboxsync.UpdateRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, req)
	if len(f.updateErrs) > 0 {
		err := f.updateErrs[0]
		f.updateErrs = f.updateErrs[1:]
		return err
	}
	return nil
}

func (f *fakeService) DeleteEntity(_ context.Context, req outboxsync.DeleteRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, req)
	return nil
}

func (f *fakeService) QueryKey(entity, scope string) outboxsync.CacheKey {
	return outboxsync.CacheKey{Entity: entity, Scope: scope}
}

func (f *fakeService) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.creates)
}

// fakeCache serves cached lists and swaps in the server list after Invalidate.
type fakeCache struct {
	mu            sync.Mutex
	lists         map[outboxsync.CacheKey][]outboxsync.Record
	server        map[outboxsync.CacheKey][]outboxsync.Record
	stale         map[outboxsync.CacheKey]bool
	invalidations []outboxsync.CacheKey
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		lists:  make(map[outboxsync.CacheKey][]outboxsync.Record),
		server: make(map[outboxsync.CacheKey][]outboxsync.Record),
		stale:  make(map[outboxsync.CacheKey]bool),
	}
}

func (c *fakeCache) Get(_ context.Context, key outboxsync.CacheKey) ([]outboxsync.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stale[key] {
		c.lists[key] = append([]outboxsync.Record(nil), c.server[key]...)
		c.stale[key] = false
	}
	return append([]outboxsync.Record(nil), c.lists[key]...), nil
}

func (c *fakeCache) Set(_ context.Context, key outboxsync.CacheKey, records []outboxsync.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lists[key] = append([]outboxsync.Record(nil), records...)
	return nil
}

func (c *fakeCache) Invalidate(_ context.Context, key outboxsync.CacheKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stale[key] = true
	c.invalidations = append(c.invalidations, key)
	return nil
}

func (c *fakeCache) invalidated() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.invalidations)
}

type hookSpy struct {
	mu          sync.Mutex
	drainStarts []int
	successes   []outboxsync.Item
	failures    []outboxsync.Item
	backoffs    []time.Duration
	reconciles  []bool
	collapsed   int
	storeErrors []string
	drains      int
	onBackoff   func()
}

func (h *hookSpy) OnDrainStart(_ context.Context, total int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drainStarts = append(h.drainStarts, total)
}

func (h *hookSpy) OnDispatchSuccess(_ context.Context, it outboxsync.Item) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.successes = append(h.successes, it)
}

func (h *hookSpy) OnDispatchFailure(_ context.Context, it outboxsync.Item, _ error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = append(h.failures, it)
}

func (h *hookSpy) OnBackoff(context.Context, outboxsync.Item, time.Duration) {
	h.mu.Lock()
	fn := h.onBackoff
	h.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (h *hookSpy) OnReconcile(_ context.Context, _ outboxsync.Item, matched bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reconciles = append(h.reconciles, matched)
}

func (h *hookSpy) OnCollapse(_ context.Context, _ outboxsync.Item, removed int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.collapsed += removed
}

func (h *hookSpy) OnStoreError(_ context.Context, op string, _ string, _ error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.storeErrors = append(h.storeErrors, op)
}

func (h *hookSpy) OnDrain(context.Context, time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drains++
}

type logSpy struct {
	mu    sync.Mutex
	warns []string
}

func (l *logSpy) Info(context.Context, string, ...any) {}

func (l *logSpy) Warn(_ context.Context, format string, v ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, fmt.Sprintf(format, v...))
}

func (l *logSpy) Error(context.Context, string, ...any) {}

func (l *logSpy) warned(substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, w := range l.warns {
		if strings.Contains(w, substr) {
			return true
		}
	}
	return false
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func chairBody() outboxsync.Body {
	return outboxsync.NewBody(
		outboxsync.F("name", outboxsync.String("Chair")),
		outboxsync.F("qty", outboxsync.Int(2)),
	)
}

func createItem(uid, clientID string) outboxsync.Item {
	created := t0
	it := outboxsync.NewItem(outboxsync.OpCreate, outboxsync.Payload{
		Entity:          "inventory",
		ClientID:        clientID,
		ClientCreatedAt: &created,
		Body:            chairBody(),
		Scope:           "job-1",
	})
	it.UID = uid
	return it
}

func updateItem(uid, clientID string, id outboxsync.ServerID, body outboxsync.Body) outboxsync.Item {
	it := outboxsync.NewItem(outboxsync.OpUpdate, outboxsync.Payload{
		Entity:   "inventory",
		ID:       id,
		ClientID: clientID,
		Body:     body,
		Scope:    "job-1",
	})
	it.UID = uid
	return it
}

var inventoryKey = outboxsync.CacheKey{Entity: "inventory", Scope: "job-1"}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for channel")
	}
}

func mustEnqueue(t *testing.T, engine *outboxsync.Engine, items ...outboxsync.Item) {
	t.Helper()
	for _, it := range items {
		if err := engine.Enqueue(context.Background(), it); err != nil {
			t.Fatalf("Enqueue(%s) error: %v", it.UID, err)
		}
	}
}

func readQueue(t *testing.T, store outboxsync.Store) []outboxsync.Item {
	t.Helper()
	items, err := store.ReadQueue(context.Background())
	if err != nil {
		t.Fatalf("ReadQueue error: %v", err)
	}
	return items
}

func uids(items []outboxsync.Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.UID
	}
	return out
}
