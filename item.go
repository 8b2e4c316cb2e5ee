// Package outboxsync provides a durable offline mutation outbox and the
// engine that drains it against a remote system.
package outboxsync

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Op is the mutation kind carried by an Item.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

func (o Op) valid() bool {
	switch o {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Status is the lifecycle state of an Item.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
)

// ServerID is the authoritative identifier assigned by the remote system.
// The empty ServerID means the identity is not known yet.
type ServerID string

// Payload is the entity-agnostic description of a mutation.
type Payload struct {
	// Entity names the remote collection (e.g. "inventory").
	Entity string `json:"entity"`
	// ID is the server identifier, empty until the server created the record.
	ID ServerID `json:"id,omitempty"`
	// ClientID correlates the item with an optimistic local record.
	ClientID string `json:"clientId,omitempty"`
	// ClientCreatedAt records when the optimistic record was created locally.
	ClientCreatedAt *time.Time `json:"clientCreatedAt,omitempty"`
	// Body carries the fields sent to the server.
	Body Body `json:"body"`
	// Scope is the context the entity lives in (a job, a project, ...); it
	// selects the read-model cache key together with Entity.
	Scope string `json:"scope,omitempty"`
	// Meta is passed through to the EntityService untouched.
	Meta map[string]string `json:"meta,omitempty"`
}

// Item is a single queued mutation.
type Item struct {
	UID           string      `json:"uid"`
	Op            Op          `json:"op"`
	Payload       Payload     `json:"payload"`
	Status        Status      `json:"status"`
	Attempts      int         `json:"attempts"`
	LastError     string      `json:"lastError,omitempty"`
	LastErrorKind FailureKind `json:"lastErrorKind,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

// NewItem builds a pending Item with a fresh UID.
func NewItem(op Op, payload Payload) Item {
	return Item{
		UID:     ulid.Make().String(),
		Op:      op,
		Payload: payload,
		Status:  StatusPending,
	}
}

// NewClientID returns a correlation key for an optimistic record.
func NewClientID() string {
	return uuid.NewString()
}

// Validate ensures the minimal contract for enqueueing an item.
func (it Item) Validate() error {
	if it.UID == "" {
		return fmt.Errorf("%w: uid is required", ErrInvalidItem)
	}
	if !it.Op.valid() {
		return fmt.Errorf("%w: unknown op %q", ErrInvalidItem, it.Op)
	}
	if it.Payload.Entity == "" {
		return fmt.Errorf("%w: entity is required", ErrInvalidItem)
	}
	if it.Op != OpCreate && it.Payload.ID == "" && it.Payload.ClientID == "" {
		return fmt.Errorf("%w: %s requires an id or a client id", ErrInvalidItem, it.Op)
	}
	return nil
}

// references reports whether it points at the same logical record as the
// given client id or server id.
func (it Item) references(clientID string, id ServerID) bool {
	if clientID != "" && it.Payload.ClientID == clientID {
		return true
	}
	return id != "" && it.Payload.ID == id
}

// Clone returns a deep copy so callers can mutate it freely.
func (it Item) Clone() Item {
	out := it
	out.Payload.Body = it.Payload.Body.Clone()
	if it.Payload.ClientCreatedAt != nil {
		ts := *it.Payload.ClientCreatedAt
		out.Payload.ClientCreatedAt = &ts
	}
	if it.Payload.Meta != nil {
		out.Payload.Meta = make(map[string]string, len(it.Payload.Meta))
		for k, v := range it.Payload.Meta {
			out.Payload.Meta[k] = v
		}
	}
	return out
}

// Session reports progress of the drain currently running.
type Session struct {
	Total      int       `json:"total"`
	Processed  int       `json:"processed"`
	CurrentUID string    `json:"currentUid,omitempty"`
	Owner      string    `json:"owner,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// ArchivedItem is a failed item moved aside by ArchiveAndClearFailed.
type ArchivedItem struct {
	Item       Item      `json:"item"`
	ArchivedAt time.Time `json:"archivedAt"`
}
