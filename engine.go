package outboxsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Logger captures Engine logs; implementors can wrap slog/zap/etc.
type Logger interface {
	Info(ctx context.Context, format string, v ...any)
	Warn(ctx context.Context, format string, v ...any)
	Error(ctx context.Context, format string, v ...any)
}

// Backoff returns the wait duration after the given attempt failed.
type Backoff func(attempt int) time.Duration

// Exponential creates a capped exponential backoff: base * factor^attempt.
func Exponential(base time.Duration, factor float64, max time.Duration) Backoff {
	return func(attempt int) time.Duration {
		if attempt <= 0 {
			return base
		}
		d := float64(base)
		for i := 0; i < attempt; i++ {
			d *= factor
			if time.Duration(d) >= max {
				return max
			}
		}
		delay := time.Duration(d)
		if delay > max {
			return max
		}
		if delay < base {
			return base
		}
		return delay
	}
}

// DefaultBackoff is min(60s, 1s * 2^attempt).
func DefaultBackoff() Backoff {
	return Exponential(time.Second, 2, time.Minute)
}

// Options configure Engine behaviour.
type Options struct {
	// Backoff computes the pause applied after a failed dispatch.
	Backoff Backoff
	// StaleAfter is how old the persisted drain heartbeat may get before
	// another drain reclaims it.
	StaleAfter time.Duration
	// MatchWindow bounds creation-time drift when reconciling creates.
	MatchWindow time.Duration
	// AutoRetryTransient includes items that failed with a network error in
	// regular drains. Otherwise failed items wait for ResetFailed.
	AutoRetryTransient bool
	// Logger emits logs for engine activity.
	Logger Logger
	// Hooks receives metrics callbacks.
	Hooks Hooks
	// Owner identifies this engine in the persisted session.
	Owner string
	// Now supplies the current time; override for tests.
	Now func() time.Time
	// Sleep blocks for d or until ctx is done; override for tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (o *Options) setDefaults() {
	if o.Backoff == nil {
		o.Backoff = DefaultBackoff()
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 5 * time.Minute
	}
	if o.MatchWindow <= 0 {
		o.MatchWindow = DefaultMatchWindow
	}
	if o.Logger == nil {
		o.Logger = noopLogger{}
	}
	if o.Hooks == nil {
		o.Hooks = noopHooks{}
	}
	if o.Owner == "" {
		o.Owner = randomOwnerID()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Sleep == nil {
		o.Sleep = sleepContext
	}
}

// Engine drains the outbox against an EntityService.
//
// At most one drain runs at a time: an in-memory flag guards this process
// and a persisted flag guards other processes sharing the store.
type Engine struct {
	store    Store
	service  EntityService
	cache    Cache
	resolver *Resolver
	opts     Options

	running atomic.Bool
	// mu serializes this engine's queue updates; the store excludes other
	// processes.
	mu sync.Mutex
}

// NewEngine wires a Store, EntityService and Cache. A nil cache disables
// cache maintenance and reconciliation never matches.
func NewEngine(store Store, service EntityService, cache Cache, opts Options) *Engine {
	opts.setDefaults()
	if cache == nil {
		cache = nopCache{}
	}
	return &Engine{
		store:    store,
		service:  service,
		cache:    cache,
		resolver: NewResolver(service, cache, opts.MatchWindow),
		opts:     opts,
	}
}

// Store returns the underlying store.
func (e *Engine) Store() Store { return e.store }

// Enqueue validates it and appends it to the queue as pending.
func (e *Engine) Enqueue(ctx context.Context, it Item) error {
	if err := it.Validate(); err != nil {
		return err
	}
	now := e.opts.Now().UTC()
	it = it.Clone()
	it.Status = StatusPending
	it.Attempts = 0
	it.LastError = ""
	it.LastErrorKind = ""
	if it.CreatedAt.IsZero() {
		it.CreatedAt = now
	}
	it.UpdatedAt = now
	return e.mutate(ctx, func(items []Item) ([]Item, error) {
		for _, existing := range items {
			if existing.UID == it.UID {
				return nil, fmt.Errorf("%w: duplicate uid %s", ErrInvalidItem, it.UID)
			}
		}
		return append(items, it), nil
	})
}

// ResetFailed moves every failed item back to pending with zero attempts.
func (e *Engine) ResetFailed(ctx context.Context) (int, error) {
	now := e.opts.Now().UTC()
	reset := 0
	err := e.mutate(ctx, func(items []Item) ([]Item, error) {
		for i := range items {
			if items[i].Status != StatusFailed {
				continue
			}
			items[i].Status = StatusPending
			items[i].Attempts = 0
			items[i].LastError = ""
			items[i].LastErrorKind = ""
			items[i].UpdatedAt = now
			reset++
		}
		if reset == 0 {
			return nil, errNoChange
		}
		return items, nil
	})
	return reset, err
}

// ArchiveFailed snapshots failed items into the archive and drops them.
func (e *Engine) ArchiveFailed(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n, err := e.store.ArchiveAndClearFailed(ctx)
	if err != nil {
		return 0, fmt.Errorf("outboxsync: archive failed items: %w", err)
	}
	return n, nil
}

// ProcessQueueOnce drains the items present when it starts. It returns nil
// without doing anything if a drain is already running.
func (e *Engine) ProcessQueueOnce(ctx context.Context) (err error) {
	if !e.running.CompareAndSwap(false, true) {
		e.opts.Logger.Info(ctx, "drain already running in this process")
		return nil
	}
	defer e.running.Store(false)

	acquired, err := e.acquire(ctx)
	if err != nil || !acquired {
		return err
	}
	started := e.opts.Now()
	defer func() {
		if relErr := e.release(context.WithoutCancel(ctx)); relErr != nil {
			err = errors.Join(err, relErr)
		}
		e.opts.Hooks.OnDrain(ctx, e.opts.Now().Sub(started))
	}()

	return e.drain(ctx)
}

func (e *Engine) acquire(ctx context.Context) (bool, error) {
	on, heartbeat, err := e.store.IsProcessing(ctx)
	if err != nil {
		return false, fmt.Errorf("outboxsync: read processing flag: %w", err)
	}
	now := e.opts.Now().UTC()
	if on {
		age := now.Sub(heartbeat)
		if age < e.opts.StaleAfter {
			e.opts.Logger.Info(ctx, "drain already running elsewhere (heartbeat %s ago)", age)
			return false, nil
		}
		owner := "unknown"
		if s, err := e.store.ReadSession(ctx); err == nil && s != nil && s.Owner != "" {
			owner = s.Owner
		}
		e.opts.Logger.Warn(ctx, "reclaiming stale drain flag owned by %s (heartbeat %s ago)", owner, age)
	}
	if err := e.store.SetProcessing(ctx, true, now); err != nil {
		return false, fmt.Errorf("outboxsync: set processing flag: %w", err)
	}
	return true, nil
}

func (e *Engine) release(ctx context.Context) error {
	var errs []error
	if err := e.store.WriteSession(ctx, nil); err != nil {
		errs = append(errs, fmt.Errorf("outboxsync: clear session: %w", err))
	}
	if err := e.store.SetProcessing(ctx, false, e.opts.Now().UTC()); err != nil {
		errs = append(errs, fmt.Errorf("outboxsync: clear processing flag: %w", err))
	}
	return errors.Join(errs...)
}

// drain processes a snapshot of the queue taken at start. Items enqueued
// while it runs wait for the next drain.
func (e *Engine) drain(ctx context.Context) error {
	items, err := e.readQueue(ctx)
	if err != nil {
		return err
	}
	var uids []string
	for _, it := range items {
		if e.eligible(it) {
			uids = append(uids, it.UID)
		}
	}

	now := e.opts.Now().UTC()
	session := &Session{
		Total:     len(uids),
		Owner:     e.opts.Owner,
		StartedAt: now,
		UpdatedAt: now,
	}
	e.saveSession(ctx, session)
	e.opts.Hooks.OnDrainStart(ctx, len(uids))
	if len(uids) > 0 {
		e.opts.Logger.Info(ctx, "drain started: %d item(s)", len(uids))
	}

	defer e.cleanup(context.WithoutCancel(ctx))

	for i, uid := range uids {
		if err := ctx.Err(); err != nil {
			return err
		}
		session.CurrentUID = uid
		if err := e.processItem(ctx, uid, session); err != nil {
			return err
		}
		session.Processed = i + 1
		session.CurrentUID = ""
		e.saveSession(ctx, session)
	}
	return nil
}

func (e *Engine) eligible(it Item) bool {
	switch it.Status {
	case StatusPending, StatusInProgress:
		return true
	case StatusFailed:
		return e.opts.AutoRetryTransient && it.LastErrorKind == FailureNetwork
	default:
		return false
	}
}

// processItem runs one item to completion. It returns an error only when
// ctx is cancelled during the post-failure backoff.
func (e *Engine) processItem(ctx context.Context, uid string, session *Session) error {
	it, ok := e.claim(ctx, uid)
	if !ok {
		return nil
	}
	if err := e.store.SetProcessing(ctx, true, e.opts.Now().UTC()); err != nil {
		e.storeError(ctx, "heartbeat", uid, err)
	}
	e.saveSession(ctx, session)

	resolved, err := e.dispatch(ctx, it)
	if err == nil {
		e.succeed(ctx, it, resolved)
		return nil
	}

	failed := e.fail(ctx, it, err)
	delay := e.opts.Backoff(failed.Attempts)
	e.opts.Hooks.OnBackoff(ctx, failed, delay)
	e.opts.Logger.Warn(ctx, "item %s failed on attempt #%d, pausing drain for %s: %v", uid, failed.Attempts, delay, err)
	return e.opts.Sleep(ctx, delay)
}

// claim marks uid in_progress and bumps its attempts before dispatch. An
// update or delete still waiting for its create to resolve a server id is
// left pending.
func (e *Engine) claim(ctx context.Context, uid string) (Item, bool) {
	var (
		claimed   Item
		found     bool
		waitingOn string
	)
	err := e.mutate(ctx, func(items []Item) ([]Item, error) {
		for i := range items {
			if items[i].UID != uid {
				continue
			}
			if items[i].Status == StatusSucceeded {
				return nil, errNoChange
			}
			if waitingOn = unresolvedCreate(items, items[i]); waitingOn != "" {
				return nil, errNoChange
			}
			items[i].Status = StatusInProgress
			items[i].Attempts++
			items[i].UpdatedAt = e.opts.Now().UTC()
			claimed = items[i].Clone()
			found = true
			return items, nil
		}
		return nil, errNoChange
	})
	if err != nil {
		e.storeError(ctx, "claim", uid, err)
		return Item{}, false
	}
	if waitingOn != "" {
		e.opts.Logger.Info(ctx, "deferring %s until create %s succeeds", uid, waitingOn)
	}
	return claimed, found
}

// unresolvedCreate returns the uid of a queued, unsucceeded create that it
// depends on for its server id, or "".
func unresolvedCreate(items []Item, it Item) string {
	if it.Op == OpCreate || it.Payload.ID != "" || it.Payload.ClientID == "" {
		return ""
	}
	for _, other := range items {
		if other.UID != it.UID && other.Op == OpCreate && other.Status != StatusSucceeded &&
			other.Payload.ClientID == it.Payload.ClientID {
			return other.UID
		}
	}
	return ""
}

func (e *Engine) dispatch(ctx context.Context, it Item) (ServerID, error) {
	p := it.Payload
	wrap := func(err error) error {
		return &DispatchError{UID: it.UID, Op: it.Op, Entity: p.Entity, Err: err}
	}
	switch it.Op {
	case OpCreate:
		res, err := e.service.CreateEntity(ctx, CreateRequest{Entity: p.Entity, Scope: p.Scope, Body: p.Body, Meta: p.Meta})
		if err != nil {
			return "", wrap(err)
		}
		switch {
		case res.Record != nil && res.Record.ID != "":
			e.applyServerRecord(ctx, it, *res.Record)
			return res.Record.ID, nil
		case res.Acknowledged:
			return e.reconcile(ctx, it), nil
		default:
			return "", wrap(ErrCreateFailed)
		}
	case OpUpdate:
		if p.ID == "" {
			return "", wrap(ErrMissingServerID)
		}
		if err := e.service.UpdateEntity(ctx, UpdateRequest{Entity: p.Entity, ID: p.ID, Body: p.Body, Meta: p.Meta}); err != nil {
			return "", wrap(err)
		}
		e.invalidate(ctx, it)
		return p.ID, nil
	case OpDelete:
		if p.ID == "" {
			return "", wrap(ErrMissingServerID)
		}
		if err := e.service.DeleteEntity(ctx, DeleteRequest{Entity: p.Entity, ID: p.ID, Meta: p.Meta}); err != nil {
			return "", wrap(err)
		}
		e.invalidate(ctx, it)
		return p.ID, nil
	default:
		return "", wrap(fmt.Errorf("%w: unknown op %q", ErrInvalidItem, it.Op))
	}
}

// reconcile resolves a create acknowledged without the created object. The
// create is never resubmitted, whatever the outcome.
func (e *Engine) reconcile(ctx context.Context, it Item) ServerID {
	rec, ok, err := e.resolver.Resolve(ctx, it)
	if err != nil {
		e.opts.Hooks.OnReconcile(ctx, it, false)
		e.opts.Logger.Warn(ctx, "reconcile %s %s failed, keeping create as sent: %v", it.Payload.Entity, it.UID, err)
		return ""
	}
	if !ok {
		e.opts.Hooks.OnReconcile(ctx, it, false)
		e.opts.Logger.Warn(ctx, "no server record matches create %s %s (client id %q); not resubmitting", it.Payload.Entity, it.UID, it.Payload.ClientID)
		return ""
	}
	e.opts.Hooks.OnReconcile(ctx, it, true)
	e.applyServerRecord(ctx, it, rec)
	return rec.ID
}

// applyServerRecord swaps the optimistic cache entry for the server record.
func (e *Engine) applyServerRecord(ctx context.Context, it Item, rec Record) {
	key := e.service.QueryKey(it.Payload.Entity, it.Payload.Scope)
	records, err := e.cache.Get(ctx, key)
	if err != nil {
		e.opts.Logger.Warn(ctx, "read cache %s: %v", key, err)
		e.invalidate(ctx, it)
		return
	}
	rec.Pending = false
	if rec.ClientID == "" {
		rec.ClientID = it.Payload.ClientID
	}
	clientID := it.Payload.ClientID
	out := make([]Record, 0, len(records)+1)
	replaced := false
	for _, r := range records {
		if (clientID != "" && r.ClientID == clientID) || (r.ID != "" && r.ID == rec.ID) {
			if !replaced {
				out = append(out, rec)
				replaced = true
			}
			continue
		}
		out = append(out, r)
	}
	if !replaced {
		out = append(out, rec)
	}
	if err := e.cache.Set(ctx, key, out); err != nil {
		e.opts.Logger.Warn(ctx, "write cache %s: %v", key, err)
	}
}

func (e *Engine) invalidate(ctx context.Context, it Item) {
	key := e.service.QueryKey(it.Payload.Entity, it.Payload.Scope)
	if err := e.cache.Invalidate(ctx, key); err != nil {
		e.opts.Logger.Warn(ctx, "invalidate cache %s: %v", key, err)
	}
}

func (e *Engine) succeed(ctx context.Context, it Item, resolved ServerID) {
	var (
		done    Item
		removed int
	)
	err := e.mutate(ctx, func(items []Item) ([]Item, error) {
		out := make([]Item, 0, len(items))
		for _, cur := range items {
			if cur.UID == it.UID {
				cur.Status = StatusSucceeded
				cur.LastError = ""
				cur.LastErrorKind = ""
				cur.UpdatedAt = e.opts.Now().UTC()
				if cur.Payload.ID == "" {
					cur.Payload.ID = resolved
				}
				done = cur.Clone()
				out = append(out, cur)
				continue
			}
			if cur.Status != StatusSucceeded && collapses(it, cur, resolved) {
				removed++
				continue
			}
			out = append(out, cur)
		}
		return out, nil
	})
	if err != nil {
		e.storeError(ctx, "succeed", it.UID, err)
		return
	}
	e.opts.Hooks.OnDispatchSuccess(ctx, done)
	if removed > 0 {
		e.opts.Hooks.OnCollapse(ctx, done, removed)
		e.opts.Logger.Info(ctx, "collapsed %d queued item(s) superseded by %s", removed, it.UID)
	}
}

// collapses reports whether other became redundant once done succeeded. Only
// a create collapses anything: everything queued against the same record
// before its identity was known is superseded.
func collapses(done, other Item, resolved ServerID) bool {
	return done.Op == OpCreate && other.references(done.Payload.ClientID, resolved)
}

func (e *Engine) fail(ctx context.Context, it Item, cause error) Item {
	failed := it
	err := e.mutate(ctx, func(items []Item) ([]Item, error) {
		for i := range items {
			if items[i].UID != it.UID {
				continue
			}
			items[i].Status = StatusFailed
			items[i].LastError = cause.Error()
			items[i].LastErrorKind = Classify(cause)
			items[i].UpdatedAt = e.opts.Now().UTC()
			failed = items[i].Clone()
			return items, nil
		}
		return nil, errNoChange
	})
	if err != nil {
		e.storeError(ctx, "fail", it.UID, err)
	}
	e.opts.Hooks.OnDispatchFailure(ctx, failed, cause)
	return failed
}

// cleanup drops every succeeded item from the queue.
func (e *Engine) cleanup(ctx context.Context) {
	err := e.mutate(ctx, func(items []Item) ([]Item, error) {
		out := make([]Item, 0, len(items))
		for _, it := range items {
			if it.Status != StatusSucceeded {
				out = append(out, it)
			}
		}
		if len(out) == len(items) {
			return nil, errNoChange
		}
		return out, nil
	})
	if err != nil {
		e.storeError(ctx, "cleanup", "", err)
	}
}

var errNoChange = errors.New("outboxsync: no change")

// mutate runs a read-modify-write cycle on the queue through
// Store.UpdateQueue. fn returning errNoChange skips the write; any other fn
// error is returned as is.
func (e *Engine) mutate(ctx context.Context, fn func(items []Item) ([]Item, error)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var fnErr error
	err := e.store.UpdateQueue(ctx, func(items []Item) ([]Item, error) {
		next, err := fn(items)
		fnErr = err
		return next, err
	})
	switch {
	case errors.Is(fnErr, errNoChange):
		return nil
	case fnErr != nil:
		return fnErr
	case err != nil:
		return fmt.Errorf("outboxsync: update queue: %w", err)
	}
	return nil
}

func (e *Engine) readQueue(ctx context.Context) ([]Item, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	items, err := e.store.ReadQueue(ctx)
	if err != nil {
		return nil, fmt.Errorf("outboxsync: read queue: %w", err)
	}
	return items, nil
}

func (e *Engine) saveSession(ctx context.Context, s *Session) {
	s.UpdatedAt = e.opts.Now().UTC()
	snapshot := *s
	if err := e.store.WriteSession(ctx, &snapshot); err != nil {
		e.storeError(ctx, "session", s.CurrentUID, err)
	}
}

func (e *Engine) storeError(ctx context.Context, op, uid string, err error) {
	e.opts.Hooks.OnStoreError(ctx, op, uid, err)
	e.opts.Logger.Error(ctx, "store %s failed uid=%s: %v", op, uid, err)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// noopLogger discards all engine logs.
type noopLogger struct{}

// Info implements Logger.
func (noopLogger) Info(context.Context, string, ...any) {}

// Warn implements Logger.
func (noopLogger) Warn(context.Context, string, ...any) {}

// Error implements Logger.
func (noopLogger) Error(context.Context, string, ...any) {}

type nopCache struct{}

func (nopCache) Get(context.Context, CacheKey) ([]Record, error) { return nil, nil }
func (nopCache) Set(context.Context, CacheKey, []Record) error { return nil }
func (nopCache) Invalidate(context.Context, CacheKey) error { return nil }
