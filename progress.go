package outboxsync

import (
	"context"
	"fmt"
)

// Progress is a read-only snapshot of the outbox for UIs.
type Progress struct {
	Pending    int
	InProgress int
	Failed     int
	Succeeded  int
	Total      int
	// Session is the running drain's session, nil when idle.
	Session *Session
	// Active reports whether the persisted drain flag is set.
	Active bool
}

// ReadProgress builds a Progress from a store.
func ReadProgress(ctx context.Context, store Store) (Progress, error) {
	groups, err := store.QueueByStatus(ctx)
	if err != nil {
		return Progress{}, fmt.Errorf("outboxsync: read queue: %w", err)
	}
	session, err := store.ReadSession(ctx)
	if err != nil {
		return Progress{}, fmt.Errorf("outboxsync: read session: %w", err)
	}
	active, _, err := store.IsProcessing(ctx)
	if err != nil {
		return Progress{}, fmt.Errorf("outboxsync: read processing flag: %w", err)
	}
	p := Progress{
		Pending:    len(groups[StatusPending]),
		InProgress: len(groups[StatusInProgress]),
		Failed:     len(groups[StatusFailed]),
		Succeeded:  len(groups[StatusSucceeded]),
		Session:    session,
		Active:     active,
	}
	p.Total = p.Pending + p.InProgress + p.Failed + p.Succeeded
	return p, nil
}

// Progress reads the engine's store.
func (e *Engine) Progress(ctx context.Context) (Progress, error) {
	return ReadProgress(ctx, e.store)
}

// Outstanding counts items still waiting to reach the server.
func (p Progress) Outstanding() int {
	return p.Pending + p.InProgress
}

// FailedSummary renders the failed count for display, or "" if none failed.
func (p Progress) FailedSummary() string {
	switch p.Failed {
	case 0:
		return ""
	case 1:
		return "1 item failed"
	default:
		return fmt.Sprintf("%d items failed", p.Failed)
	}
}
