package outboxsync_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/imarsiglia/outboxsync"
)

func TestNewItemAssignsSortableUIDs(t *testing.T) {
	t.Parallel()
	a := outboxsync.NewItem(outboxsync.OpCreate, outboxsync.Payload{Entity: "inventory"})
	b := outboxsync.NewItem(outboxsync.OpCreate, outboxsync.Payload{Entity: "inventory"})
	if a.UID == "" || a.UID == b.UID {
		t.Fatalf("uids = %q, %q; want distinct non-empty", a.UID, b.UID)
	}
	if a.Status != outboxsync.StatusPending {
		t.Fatalf("status = %s, want pending", a.Status)
	}
	if outboxsync.NewClientID() == outboxsync.NewClientID() {
		t.Fatalf("NewClientID returned duplicates")
	}
}

func TestItemCloneIsDeep(t *testing.T) {
	t.Parallel()
	it := createItem("a", "c1")
	it.Payload.Meta = map[string]string{"job": "1"}
	clone := it.Clone()
	clone.Payload.Meta["job"] = "2"
	clone.Payload.Body.Set("name", outboxsync.String("Stool"))
	*clone.Payload.ClientCreatedAt = t0.Add(1)

	if it.Payload.Meta["job"] != "1" {
		t.Fatalf("meta shared with clone")
	}
	if v, _ := it.Payload.Body.Get("name"); !v.Equal(outboxsync.String("Chair")) {
		t.Fatalf("body shared with clone")
	}
	if !it.Payload.ClientCreatedAt.Equal(t0) {
		t.Fatalf("client created at shared with clone")
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string { return "i/o timeout" }
func (timeoutErr) Timeout() bool { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want outboxsync.FailureKind
	}{
		{name: "nil", err: nil, want: ""},
		{name: "network", err: fmt.Errorf("post: %w", outboxsync.ErrNetwork), want: outboxsync.FailureNetwork},
		{name: "deadline", err: context.DeadlineExceeded, want: outboxsync.FailureNetwork},
		{name: "net error", err: &net.OpError{Op: "dial", Err: timeoutErr{}}, want: outboxsync.FailureNetwork},
		{name: "rejected", err: fmt.Errorf("409: %w", outboxsync.ErrRejected), want: outboxsync.FailureRejected},
		{name: "create failed", err: outboxsync.ErrCreateFailed, want: outboxsync.FailureRejected},
		{name: "other", err: errors.New("boom"), want: outboxsync.FailureUnknown},
		{
			name: "dispatch wrapper",
			err:  &outboxsync.DispatchError{UID: "a", Op: outboxsync.OpCreate, Entity: "inventory", Err: outboxsync.ErrNetwork},
			want: outboxsync.FailureNetwork,
		},
	}
	for _, tt := range tests {
		if got := outboxsync.Classify(tt.err); got != tt.want {
			t.Fatalf("%s: Classify(%v) = %q, want %q", tt.name, tt.err, got, tt.want)
		}
	}
}
