package metrics

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"testing"
	"time"

	"github.com/imarsiglia/outboxsync"
)

func TestStatsHookTracksCounters(t *testing.T) {
	prefix := fmt.Sprintf("test_%d", time.Now().UnixNano())
	hook := NewStatsHook(prefix)
	ctx := context.Background()
	it := outboxsync.Item{UID: "01", Op: outboxsync.OpCreate}

	hook.OnDrainStart(ctx, 3)
	hook.OnDispatchSuccess(ctx, it)
	hook.OnDispatchFailure(ctx, it, fmt.Errorf("dial: %w", outboxsync.ErrNetwork))
	hook.OnDispatchFailure(ctx, it, fmt.Errorf("nope: %w", outboxsync.ErrRejected))
	hook.OnBackoff(ctx, it, 2*time.Second)
	hook.OnReconcile(ctx, it, true)
	hook.OnReconcile(ctx, it, false)
	hook.OnCollapse(ctx, it, 2)
	hook.OnStoreError(ctx, "write", "01", fmt.Errorf("disk full"))
	hook.OnDrain(ctx, time.Millisecond)

	snap := hook.snapshot()
	if snap["snapshot_items"] != 3 {
		t.Fatalf("snapshot_items = %d, want 3", snap["snapshot_items"])
	}
	if snap["dispatch_success"] != 1 || snap["dispatch_failure"] != 2 {
		t.Fatalf("dispatch counters = %+v", snap)
	}
	if snap["network_failures"] != 1 {
		t.Fatalf("network_failures = %d, want 1", snap["network_failures"])
	}
	if snap["backoffs"] != 1 || snap["backoff_ns"] != (2*time.Second).Nanoseconds() {
		t.Fatalf("backoff counters = %+v", snap)
	}
	if snap["reconciled"] != 1 || snap["unreconciled"] != 1 {
		t.Fatalf("reconcile counters = %+v", snap)
	}
	if snap["collapsed"] != 2 {
		t.Fatalf("collapsed = %d, want 2", snap["collapsed"])
	}
	if snap["store_errors"] != 1 {
		t.Fatalf("store_errors = %d, want 1", snap["store_errors"])
	}
	if snap["drains"] != 1 || snap["drain_latency_ns"] <= 0 {
		t.Fatalf("drain counters = %+v", snap)
	}

	published := expvar.Get(prefix + "_stats")
	if published == nil {
		t.Fatalf("expvar %s_stats not published", prefix)
	}
	var decoded map[string]int64
	if err := json.Unmarshal([]byte(published.String()), &decoded); err != nil {
		t.Fatalf("decode expvar: %v", err)
	}
	if decoded["collapsed"] != 2 {
		t.Fatalf("published collapsed = %d, want 2", decoded["collapsed"])
	}
}
