package outboxsync

import (
	"context"
	"time"
)

// Store persists the outbox, the processing session and the reentrancy flag.
//
// All mutations are whole-collection rewrites. UpdateQueue, WriteQueue and
// ArchiveAndClearFailed exclude each other across every process sharing the
// store, so producers such as a CLI can enqueue while a daemon drains.
// Session and processing-flag writes are not locked.
type Store interface {
	// ReadQueue returns the items in queue order. Undecodable data is logged
	// and treated as absent; only I/O failures are returned.
	ReadQueue(ctx context.Context) ([]Item, error)
	// WriteQueue persists items as the complete queue.
	WriteQueue(ctx context.Context, items []Item) error
	// UpdateQueue reads the queue, passes it to fn and persists fn's result
	// as one atomic step. An error from fn aborts the update and is returned
	// unchanged.
	UpdateQueue(ctx context.Context, fn func(items []Item) ([]Item, error)) error
	// ReplaceQueue atomically swaps the queue for items.
	ReplaceQueue(ctx context.Context, items []Item) error
	// QueueByStatus groups the queue by item status.
	QueueByStatus(ctx context.Context) (map[Status][]Item, error)
	// ReadSession returns the persisted session, or nil if none.
	ReadSession(ctx context.Context) (*Session, error)
	// WriteSession persists s; nil clears it.
	WriteSession(ctx context.Context, s *Session) error
	// IsProcessing reports the persisted drain flag and its last heartbeat.
	IsProcessing(ctx context.Context) (bool, time.Time, error)
	// SetProcessing sets or clears the persisted drain flag.
	SetProcessing(ctx context.Context, on bool, at time.Time) error
	// ArchiveAndClearFailed moves failed items to the archive and returns how many moved.
	ArchiveAndClearFailed(ctx context.Context) (int, error)
	// ReadArchive returns archived items, oldest first.
	ReadArchive(ctx context.Context) ([]ArchivedItem, error)
}

// GroupByStatus buckets items by status, preserving queue order inside each
// bucket. Stores use it to implement QueueByStatus.
func GroupByStatus(items []Item) map[Status][]Item {
	out := make(map[Status][]Item, 4)
	for _, it := range items {
		out[it.Status] = append(out[it.Status], it)
	}
	return out
}

// SplitFailed separates failed items from the rest. Stores use it to
// implement ArchiveAndClearFailed.
func SplitFailed(items []Item) (kept, failed []Item) {
	for _, it := range items {
		if it.Status == StatusFailed {
			failed = append(failed, it)
			continue
		}
		kept = append(kept, it)
	}
	return kept, failed
}
