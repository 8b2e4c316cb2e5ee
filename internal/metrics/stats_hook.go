package metrics

import (
	"context"
	"expvar"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/imarsiglia/outboxsync"
)

// StatsHook publishes engine counters via expvar.
type StatsHook struct {
	drains          atomic.Int64
	drainLatencyNs  atomic.Int64
	snapshotItems   atomic.Int64
	dispatchSuccess atomic.Int64
	dispatchFailure atomic.Int64
	networkFailures atomic.Int64
	backoffs        atomic.Int64
	backoffNs       atomic.Int64
	reconciled      atomic.Int64
	unreconciled    atomic.Int64
	collapsed       atomic.Int64
	storeErrors     atomic.Int64
}

// NewStatsHook registers an expvar entry named "<prefix>_stats". expvar
// panics on duplicate names, so prefix must be unique per process.
func NewStatsHook(prefix string) *StatsHook {
	if prefix == "" {
		prefix = "outboxsync"
	}
	h := &StatsHook{}
	expvar.Publish(fmt.Sprintf("%s_stats", prefix), expvar.Func(func() any {
		return h.snapshot()
	}))
	return h
}

// OnDrainStart counts the items a drain considered.
func (h *StatsHook) OnDrainStart(_ context.Context, total int) {
	h.snapshotItems.Add(int64(total))
}

func (h *StatsHook) OnDispatchSuccess(_ context.Context, _ outboxsync.Item) {
	h.dispatchSuccess.Add(1)
}

// OnDispatchFailure also tracks how many failures were transient.
func (h *StatsHook) OnDispatchFailure(_ context.Context, _ outboxsync.Item, err error) {
	h.dispatchFailure.Add(1)
	if outboxsync.Classify(err) == outboxsync.FailureNetwork {
		h.networkFailures.Add(1)
	}
}

func (h *StatsHook) OnBackoff(_ context.Context, _ outboxsync.Item, delay time.Duration) {
	h.backoffs.Add(1)
	h.backoffNs.Add(delay.Nanoseconds())
}

func (h *StatsHook) OnReconcile(_ context.Context, _ outboxsync.Item, matched bool) {
	if matched {
		h.reconciled.Add(1)
		return
	}
	h.unreconciled.Add(1)
}

func (h *StatsHook) OnCollapse(_ context.Context, _ outboxsync.Item, removed int) {
	h.collapsed.Add(int64(removed))
}

func (h *StatsHook) OnStoreError(_ context.Context, _ string, _ string, _ error) {
	h.storeErrors.Add(1)
}

// OnDrain records drain durations and counts.
func (h *StatsHook) OnDrain(_ context.Context, d time.Duration) {
	h.drains.Add(1)
	h.drainLatencyNs.Add(d.Nanoseconds())
}

func (h *StatsHook) snapshot() map[string]int64 {
	return map[string]int64{
		"drains":           h.drains.Load(),
		"drain_latency_ns": h.drainLatencyNs.Load(),
		"snapshot_items":   h.snapshotItems.Load(),
		"dispatch_success": h.dispatchSuccess.Load(),
		"dispatch_failure": h.dispatchFailure.Load(),
		"network_failures": h.networkFailures.Load(),
		"backoffs":         h.backoffs.Load(),
		"backoff_ns":       h.backoffNs.Load(),
		"reconciled":       h.reconciled.Load(),
		"unreconciled":     h.unreconciled.Load(),
		"collapsed":        h.collapsed.Load(),
		"store_errors":     h.storeErrors.Load(),
	}
}

var _ outboxsync.Hooks = (*StatsHook)(nil)
