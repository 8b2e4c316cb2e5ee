package outboxsync

import (
	"context"
	"time"
)

// CacheKey addresses one list in the read-model cache.
type CacheKey struct {
	Entity string
	Scope  string
}

func (k CacheKey) String() string {
	if k.Scope == "" {
		return k.Entity
	}
	return k.Entity + "/" + k.Scope
}

// Record is one entry of a read-model list.
type Record struct {
	ID       ServerID
	ClientID string
	// Pending marks an optimistic record not yet confirmed by the server.
	Pending bool
	// CreatedAt is the server creation time; zero if unknown.
	CreatedAt time.Time
	Fields    Body
}

// CreateRequest is sent to EntityService.CreateEntity.
type CreateRequest struct {
	Entity string
	Scope  string
	Body   Body
	Meta   map[string]string
}

// CreateResult models the two shapes a create ack can take: the created
// object, or a bare acknowledgement without it.
type CreateResult struct {
	Record       *Record
	Acknowledged bool
}

// UpdateRequest is sent to EntityService.UpdateEntity.
type UpdateRequest struct {
	Entity string
	ID     ServerID
	Body   Body
	Meta   map[string]string
}

// DeleteRequest is sent to EntityService.DeleteEntity.
type DeleteRequest struct {
	Entity string
	ID     ServerID
	Meta   map[string]string
}

// EntityService performs remote mutations for any entity.
type EntityService interface {
	CreateEntity(ctx context.Context, req CreateRequest) (CreateResult, error)
	UpdateEntity(ctx context.Context, req UpdateRequest) error
	DeleteEntity(ctx context.Context, req DeleteRequest) error
	// QueryKey returns the cache key holding the list for entity in scope.
	QueryKey(entity, scope string) CacheKey
}

// Cache is the read model used to render lists.
//
// After Invalidate returns, the next Get must be authoritative.
type Cache interface {
	Get(ctx context.Context, key CacheKey) ([]Record, error)
	Set(ctx context.Context, key CacheKey, records []Record) error
	Invalidate(ctx context.Context, key CacheKey) error
}

// Signal is an event stream. The returned function unsubscribes and must be
// safe to call more than once.
type Signal interface {
	Subscribe() (<-chan struct{}, func())
}

// Connectivity reports reachability and emits when it is restored.
type Connectivity interface {
	Signal
	Reachable(ctx context.Context) bool
}
