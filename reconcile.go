package outboxsync

import (
	"context"
	"fmt"
	"time"
)

// DefaultMatchWindow bounds how far apart the local and server creation
// times of a reconciled record may be.
const DefaultMatchWindow = 2 * time.Minute

// Resolver pairs a create acknowledged without an echo with the server
// record it produced.
type Resolver struct {
	service EntityService
	cache   Cache
	window  time.Duration
}

// NewResolver builds a Resolver. A non-positive window uses DefaultMatchWindow.
func NewResolver(service EntityService, cache Cache, window time.Duration) *Resolver {
	if window <= 0 {
		window = DefaultMatchWindow
	}
	return &Resolver{service: service, cache: cache, window: window}
}

// Resolve refetches the authoritative list for the item's entity and returns
// the first candidate matching it. The bool is false when nothing matched.
func (r *Resolver) Resolve(ctx context.Context, it Item) (Record, bool, error) {
	key := r.service.QueryKey(it.Payload.Entity, it.Payload.Scope)
	if err := r.cache.Invalidate(ctx, key); err != nil {
		return Record{}, false, fmt.Errorf("outboxsync: invalidate %s: %w", key, err)
	}
	candidates, err := r.cache.Get(ctx, key)
	if err != nil {
		return Record{}, false, fmt.Errorf("outboxsync: refetch %s: %w", key, err)
	}
	for _, c := range candidates {
		if r.matches(it.Payload, c) {
			return c, true, nil
		}
	}
	return Record{}, false, nil
}

func (r *Resolver) matches(p Payload, c Record) bool {
	if c.Pending || c.ID == "" {
		return false
	}
	if !p.Body.Subset(c.Fields) {
		return false
	}
	if p.ClientCreatedAt == nil || c.CreatedAt.IsZero() {
		return true
	}
	delta := c.CreatedAt.Sub(*p.ClientCreatedAt)
	if delta < 0 {
		delta = -delta
	}
	return delta <= r.window
}
