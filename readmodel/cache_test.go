package readmodel_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imarsiglia/outboxsync"
	"github.com/imarsiglia/outboxsync/readmodel"
)

var key = outboxsync.CacheKey{Entity: "inventory", Scope: "job-1"}

type countingLister struct {
	calls   atomic.Int32
	records []outboxsync.Record
	err     error
	gate    chan struct{}
}

func (l *countingLister) List(ctx context.Context, entity, scope string) ([]outboxsync.Record, error) {
	l.calls.Add(1)
	if l.gate != nil {
		<-l.gate
	}
	if l.err != nil {
		return nil, l.err
	}
	return l.records, nil
}

func record(id, name string) outboxsync.Record {
	return outboxsync.Record{
		ID:     outboxsync.ServerID(id),
		Fields: outboxsync.NewBody(outboxsync.F("name", outboxsync.String(name))),
	}
}

func TestGetLoadsOnceAndCaches(t *testing.T) {
	lister := &countingLister{records: []outboxsync.Record{record("1", "Chair")}}
	cache := readmodel.New(lister, readmodel.Options{})

	for i := 0; i < 3; i++ {
		got, err := cache.Get(context.Background(), key)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, outboxsync.ServerID("1"), got[0].ID)
	}
	assert.Equal(t, int32(1), lister.calls.Load())
}

func TestInvalidateForcesRefetch(t *testing.T) {
	lister := &countingLister{records: []outboxsync.Record{record("1", "Chair")}}
	cache := readmodel.New(lister, readmodel.Options{})
	ctx := context.Background()

	_, err := cache.Get(ctx, key)
	require.NoError(t, err)

	lister.records = []outboxsync.Record{record("1", "Chair"), record("2", "Desk")}
	require.NoError(t, cache.Invalidate(ctx, key))

	got, err := cache.Get(ctx, key)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, int32(2), lister.calls.Load())
}

func TestConcurrentMissesShareOneFetch(t *testing.T) {
	lister := &countingLister{records: []outboxsync.Record{record("1", "Chair")}, gate: make(chan struct{})}
	cache := readmodel.New(lister, readmodel.Options{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := cache.Get(context.Background(), key)
			assert.NoError(t, err)
			assert.Len(t, got, 1)
		}()
	}
	require.Eventually(t, func() bool { return lister.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(lister.gate)
	wg.Wait()

	assert.Equal(t, int32(1), lister.calls.Load())
}

func TestTTLExpiresEntries(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	lister := &countingLister{records: []outboxsync.Record{record("1", "Chair")}}
	cache := readmodel.New(lister, readmodel.Options{
		TTL: time.Minute,
		Now: func() time.Time { return now },
	})
	ctx := context.Background()

	_, err := cache.Get(ctx, key)
	require.NoError(t, err)
	now = now.Add(30 * time.Second)
	_, err = cache.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int32(1), lister.calls.Load())

	now = now.Add(time.Minute)
	_, err = cache.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int32(2), lister.calls.Load())
}

func TestGetPropagatesLoadError(t *testing.T) {
	boom := errors.New("boom")
	cache := readmodel.New(&countingLister{err: boom}, readmodel.Options{})

	_, err := cache.Get(context.Background(), key)
	assert.ErrorIs(t, err, boom)
	_, ok := cache.Peek(key)
	assert.False(t, ok)
}

func TestSetAndAddPendingNotifyWatchers(t *testing.T) {
	cache := readmodel.New(&countingLister{}, readmodel.Options{})
	ctx := context.Background()
	ch, stop := cache.Watch(key)
	defer stop()

	require.NoError(t, cache.Set(ctx, key, []outboxsync.Record{record("1", "Chair")}))
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no notification after Set")
	}

	body := outboxsync.NewBody(outboxsync.F("name", outboxsync.String("Desk")))
	require.NoError(t, cache.AddPending(ctx, key, "c-2", body))
	<-ch

	got, ok := cache.Peek(key)
	require.True(t, ok)
	require.Len(t, got, 2)
	assert.True(t, got[1].Pending)
	assert.Equal(t, "c-2", got[1].ClientID)
	assert.Empty(t, got[1].ID)
}

func TestReturnedRecordsAreCopies(t *testing.T) {
	cache := readmodel.New(&countingLister{}, readmodel.Options{})
	ctx := context.Background()
	require.NoError(t, cache.Set(ctx, key, []outboxsync.Record{record("1", "Chair")}))

	got, _ := cache.Peek(key)
	got[0].Fields.Set("name", outboxsync.String("Table"))
	got[0].ID = "9"

	again, _ := cache.Peek(key)
	name, _ := again[0].Fields.Get("name")
	assert.True(t, name.Equal(outboxsync.String("Chair")))
	assert.Equal(t, outboxsync.ServerID("1"), again[0].ID)
}
