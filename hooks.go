package outboxsync

import (
	"context"
	"time"
)

// Hooks receives engine events for metrics. Implementations must be safe
// for concurrent use.
type Hooks interface {
	// OnDrainStart is called once per drain with the snapshot size.
	OnDrainStart(ctx context.Context, total int)
	// OnDispatchSuccess is called with the item as persisted after success.
	OnDispatchSuccess(ctx context.Context, it Item)
	// OnDispatchFailure is called after a failed dispatch was recorded.
	OnDispatchFailure(ctx context.Context, it Item, err error)
	// OnBackoff is called before the drain pauses after a failure.
	OnBackoff(ctx context.Context, it Item, delay time.Duration)
	// OnReconcile reports whether an acknowledged create found its record.
	OnReconcile(ctx context.Context, it Item, matched bool)
	// OnCollapse reports queued items dropped as superseded by it.
	OnCollapse(ctx context.Context, it Item, removed int)
	// OnStoreError reports a persistence failure inside a drain.
	OnStoreError(ctx context.Context, op string, uid string, err error)
	// OnDrain records how long a drain took.
	OnDrain(ctx context.Context, d time.Duration)
}

// noopHooks discards all events.
type noopHooks struct{}

func (noopHooks) OnDrainStart(context.Context, int) {}
func (noopHooks) OnDispatchSuccess(context.Context, Item) {}
func (noopHooks) OnDispatchFailure(context.Context, Item, error) {}
func (noopHooks) OnBackoff(context.Context, Item, time.Duration) {}
func (noopHooks) OnReconcile(context.Context, Item, bool) {}
func (noopHooks) OnCollapse(context.Context, Item, int) {}
func (noopHooks) OnStoreError(context.Context, string, string, error) {}
func (noopHooks) OnDrain(context.Context, time.Duration) {}
