package stores_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/imarsiglia/outboxsync"
)

var fixedNow = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

// testStoreContract exercises the behaviour every Store must share.
func testStoreContract(t *testing.T, store outboxsync.Store) {
	t.Helper()
	ctx := context.Background()

	items, err := store.ReadQueue(ctx)
	if err != nil {
		t.Fatalf("ReadQueue empty: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("ReadQueue empty = %d items, want 0", len(items))
	}

	queue := []outboxsync.Item{
		makeItem("01", outboxsync.OpCreate, outboxsync.StatusPending),
		makeItem("02", outboxsync.OpUpdate, outboxsync.StatusFailed),
		makeItem("03", outboxsync.OpDelete, outboxsync.StatusInProgress),
	}
	if err := store.WriteQueue(ctx, queue); err != nil {
		t.Fatalf("WriteQueue: %v", err)
	}
	items, err = store.ReadQueue(ctx)
	if err != nil {
		t.Fatalf("ReadQueue: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("ReadQueue = %d items, want 3", len(items))
	}
	for i, it := range items {
		if it.UID != queue[i].UID {
			t.Fatalf("items[%d].UID = %s, want %s", i, it.UID, queue[i].UID)
		}
		if it.Status != queue[i].Status {
			t.Fatalf("items[%d].Status = %s, want %s", i, it.Status, queue[i].Status)
		}
	}
	name, ok := items[0].Payload.Body.Get("name")
	if !ok || !name.Equal(outboxsync.String("chair-01")) {
		t.Fatalf("body name = %v, want chair-01", name)
	}
	if keys := items[0].Payload.Body.Keys(); len(keys) != 2 || keys[0] != "name" || keys[1] != "qty" {
		t.Fatalf("body keys = %v, want [name qty]", keys)
	}

	groups, err := store.QueueByStatus(ctx)
	if err != nil {
		t.Fatalf("QueueByStatus: %v", err)
	}
	if len(groups[outboxsync.StatusPending]) != 1 || len(groups[outboxsync.StatusFailed]) != 1 || len(groups[outboxsync.StatusInProgress]) != 1 {
		t.Fatalf("QueueByStatus = %v, want one item per status", groups)
	}

	if err := store.ReplaceQueue(ctx, queue[:2]); err != nil {
		t.Fatalf("ReplaceQueue: %v", err)
	}
	items, _ = store.ReadQueue(ctx)
	if len(items) != 2 {
		t.Fatalf("after ReplaceQueue = %d items, want 2", len(items))
	}

	session, err := store.ReadSession(ctx)
	if err != nil || session != nil {
		t.Fatalf("ReadSession empty = %v, %v; want nil, nil", session, err)
	}
	if err := store.WriteSession(ctx, &outboxsync.Session{Total: 4, Processed: 1, Owner: "engine-a", StartedAt: fixedNow}); err != nil {
		t.Fatalf("WriteSession: %v", err)
	}
	session, err = store.ReadSession(ctx)
	if err != nil || session == nil {
		t.Fatalf("ReadSession = %v, %v; want session", session, err)
	}
	if session.Total != 4 || session.Processed != 1 || session.Owner != "engine-a" || !session.StartedAt.Equal(fixedNow) {
		t.Fatalf("ReadSession = %+v", session)
	}
	if err := store.WriteSession(ctx, nil); err != nil {
		t.Fatalf("WriteSession(nil): %v", err)
	}
	if session, _ := store.ReadSession(ctx); session != nil {
		t.Fatalf("ReadSession after clear = %+v, want nil", session)
	}

	on, _, err := store.IsProcessing(ctx)
	if err != nil || on {
		t.Fatalf("IsProcessing initial = %v, %v; want false", on, err)
	}
	if err := store.SetProcessing(ctx, true, fixedNow); err != nil {
		t.Fatalf("SetProcessing(true): %v", err)
	}
	on, at, err := store.IsProcessing(ctx)
	if err != nil || !on || !at.Equal(fixedNow) {
		t.Fatalf("IsProcessing = %v, %v, %v; want true, %v", on, at, err, fixedNow)
	}
	if err := store.SetProcessing(ctx, false, fixedNow); err != nil {
		t.Fatalf("SetProcessing(false): %v", err)
	}
	if on, _, _ := store.IsProcessing(ctx); on {
		t.Fatalf("IsProcessing after clear = true")
	}

	moved, err := store.ArchiveAndClearFailed(ctx)
	if err != nil {
		t.Fatalf("ArchiveAndClearFailed: %v", err)
	}
	if moved != 1 {
		t.Fatalf("ArchiveAndClearFailed = %d, want 1", moved)
	}
	items, _ = store.ReadQueue(ctx)
	if len(items) != 1 || items[0].UID != "01" {
		t.Fatalf("queue after archive = %v, want [01]", uids(items))
	}
	archived, err := store.ReadArchive(ctx)
	if err != nil {
		t.Fatalf("ReadArchive: %v", err)
	}
	if len(archived) != 1 || archived[0].Item.UID != "02" {
		t.Fatalf("ReadArchive = %+v, want item 02", archived)
	}
	if !archived[0].ArchivedAt.Equal(fixedNow) {
		t.Fatalf("ArchivedAt = %v, want %v", archived[0].ArchivedAt, fixedNow)
	}
	if archived[0].Item.LastError != "boom" {
		t.Fatalf("archived LastError = %q, want boom", archived[0].Item.LastError)
	}
	if moved, _ := store.ArchiveAndClearFailed(ctx); moved != 0 {
		t.Fatalf("second ArchiveAndClearFailed = %d, want 0", moved)
	}

	errAbort := errors.New("abort")
	err = store.UpdateQueue(ctx, func(items []outboxsync.Item) ([]outboxsync.Item, error) {
		return nil, errAbort
	})
	if !errors.Is(err, errAbort) {
		t.Fatalf("UpdateQueue abort error = %v, want %v", err, errAbort)
	}
	if items, _ := store.ReadQueue(ctx); len(items) != 1 {
		t.Fatalf("queue after aborted update = %v, want [01]", uids(items))
	}

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := store.UpdateQueue(ctx, func(items []outboxsync.Item) ([]outboxsync.Item, error) {
				return append(items, makeItem(fmt.Sprintf("u%d", i), outboxsync.OpCreate, outboxsync.StatusPending)), nil
			})
			if err != nil {
				t.Errorf("UpdateQueue #%d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	if items, _ := store.ReadQueue(ctx); len(items) != writers+1 {
		t.Fatalf("queue after concurrent updates = %v, want %d items", uids(items), writers+1)
	}
}

func makeItem(uid string, op outboxsync.Op, status outboxsync.Status) outboxsync.Item {
	it := outboxsync.NewItem(op, outboxsync.Payload{
		Entity:   "inventory",
		ClientID: "c-" + uid,
		Body: outboxsync.NewBody(
			outboxsync.F("name", outboxsync.String("chair-"+uid)),
			outboxsync.F("qty", outboxsync.Int(2)),
		),
		Scope: "job-1",
	})
	it.UID = uid
	it.Status = status
	it.CreatedAt = fixedNow
	it.UpdatedAt = fixedNow
	if status == outboxsync.StatusFailed {
		it.Attempts = 1
		it.LastError = "boom"
		it.LastErrorKind = outboxsync.FailureRejected
	}
	return it
}

func uids(items []outboxsync.Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.UID
	}
	return out
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

func (l *logSpy) warnCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.warns)
}
