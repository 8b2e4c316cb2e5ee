package outboxsync

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Sentinel errors for programmatic handling.
var (
	// ErrNetwork marks transient transport failures (unreachable, timeouts,
	// throttling). EntityService adapters wrap their errors with it.
	ErrNetwork = errors.New("network unreachable")
	// ErrRejected marks a definitive "server said no".
	ErrRejected = errors.New("rejected by server")
	// ErrCreateFailed is returned when a create ack has an unrecognised shape.
	ErrCreateFailed = fmt.Errorf("create failed on server: %w", ErrRejected)
	// ErrMissingServerID fails an update or delete that has no server id and
	// no queued create that could still resolve one.
	ErrMissingServerID = fmt.Errorf("no server id to address: %w", ErrRejected)
	// ErrInvalidItem is returned by Enqueue for malformed items.
	ErrInvalidItem = errors.New("outboxsync: invalid item")
)

// FailureKind classifies why an item failed, for user-facing retry messages.
type FailureKind string

const (
	FailureNetwork  FailureKind = "network"
	FailureRejected FailureKind = "rejected"
	FailureUnknown  FailureKind = "unknown"
)

// Classify maps an error onto a FailureKind.
func Classify(err error) FailureKind {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrRejected) {
		return FailureRejected
	}
	if errors.Is(err, ErrNetwork) || errors.Is(err, context.DeadlineExceeded) {
		return FailureNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return FailureNetwork
	}
	return FailureUnknown
}

// DispatchError wraps an EntityService failure with the item it belongs to.
type DispatchError struct {
	UID    string
	Op     Op
	Entity string
	Err    error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("%s %s (uid=%s): %v", e.Op, e.Entity, e.UID, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}
