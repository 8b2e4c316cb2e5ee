// Package readmodel provides an in-memory outboxsync.Cache that refetches
// lists from the server after invalidation.
package readmodel

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/imarsiglia/outboxsync"
)

// Lister fetches the authoritative list for an entity in a scope.
type Lister interface {
	List(ctx context.Context, entity, scope string) ([]outboxsync.Record, error)
}

// ListerFunc adapts a function to Lister.
type ListerFunc func(ctx context.Context, entity, scope string) ([]outboxsync.Record, error)

func (f ListerFunc) List(ctx context.Context, entity, scope string) ([]outboxsync.Record, error) {
	return f(ctx, entity, scope)
}

// Options configure a Cache.
type Options struct {
	// TTL expires entries; zero keeps them until invalidated.
	TTL time.Duration
	Now func() time.Time
}

type entry struct {
	records   []outboxsync.Record
	fetchedAt time.Time
}

// Cache keeps one list per key. Concurrent misses for the same key share a
// single fetch.
type Cache struct {
	lister Lister
	opts   Options
	group  singleflight.Group

	mu      sync.RWMutex
	entries map[outboxsync.CacheKey]entry
	// gen is bumped on every write so an in-flight fetch cannot overwrite
	// a newer Set or Invalidate.
	gen      map[outboxsync.CacheKey]uint64
	watchers map[outboxsync.CacheKey][]chan struct{}
}

func New(lister Lister, opts Options) *Cache {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		lister:   lister,
		opts:     opts,
		entries:  make(map[outboxsync.CacheKey]entry),
		gen:      make(map[outboxsync.CacheKey]uint64),
		watchers: make(map[outboxsync.CacheKey][]chan struct{}),
	}
}

// Get returns the cached list, fetching it when missing or expired.
func (c *Cache) Get(ctx context.Context, key outboxsync.CacheKey) ([]outboxsync.Record, error) {
	if records, ok := c.Peek(key); ok {
		return records, nil
	}
	v, err, _ := c.group.Do(key.String(), func() (any, error) {
		c.mu.RLock()
		gen := c.gen[key]
		c.mu.RUnlock()

		records, err := c.lister.List(ctx, key.Entity, key.Scope)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.gen[key] == gen {
			c.entries[key] = entry{records: cloneRecords(records), fetchedAt: c.opts.Now()}
		}
		c.mu.Unlock()
		return records, nil
	})
	if err != nil {
		return nil, err
	}
	return cloneRecords(v.([]outboxsync.Record)), nil
}

// Peek returns the cached list without fetching.
func (c *Cache) Peek(key outboxsync.CacheKey) ([]outboxsync.Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || c.expired(e) {
		return nil, false
	}
	return cloneRecords(e.records), true
}

func (c *Cache) Set(_ context.Context, key outboxsync.CacheKey, records []outboxsync.Record) error {
	c.mu.Lock()
	c.entries[key] = entry{records: cloneRecords(records), fetchedAt: c.opts.Now()}
	c.gen[key]++
	c.mu.Unlock()
	c.notify(key)
	return nil
}

func (c *Cache) Invalidate(_ context.Context, key outboxsync.CacheKey) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.gen[key]++
	c.mu.Unlock()
	// Drop any fetch already in flight so the next Get goes to the server.
	c.group.Forget(key.String())
	c.notify(key)
	return nil
}

// AddPending appends an optimistic record for a queued create.
func (c *Cache) AddPending(ctx context.Context, key outboxsync.CacheKey, clientID string, fields outboxsync.Body) error {
	records, _ := c.Peek(key)
	records = append(records, outboxsync.Record{ClientID: clientID, Pending: true, Fields: fields.Clone()})
	return c.Set(ctx, key, records)
}

// Watch returns a channel that receives after every change to key.
func (c *Cache) Watch(key outboxsync.CacheKey) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	c.mu.Lock()
	c.watchers[key] = append(c.watchers[key], ch)
	c.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			list := c.watchers[key]
			for i, w := range list {
				if w == ch {
					c.watchers[key] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
		})
	}
}

func (c *Cache) notify(key outboxsync.CacheKey) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, ch := range c.watchers[key] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (c *Cache) expired(e entry) bool {
	return c.opts.TTL > 0 && c.opts.Now().Sub(e.fetchedAt) >= c.opts.TTL
}

func cloneRecords(records []outboxsync.Record) []outboxsync.Record {
	if records == nil {
		return nil
	}
	out := make([]outboxsync.Record, len(records))
	for i, r := range records {
		r.Fields = r.Fields.Clone()
		out[i] = r
	}
	return out
}

var _ outboxsync.Cache = (*Cache)(nil)
