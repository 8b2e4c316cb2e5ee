package signals

import (
	"context"
	"sync/atomic"
)

// Manual is a Connectivity driven by the embedding application, for example
// a "sync now" button or a platform reachability callback.
type Manual struct {
	hub
	offline atomic.Bool
}

func NewManual() *Manual {
	return &Manual{}
}

// Fire emits one event.
func (m *Manual) Fire() {
	m.emit()
}

// SetReachable records reachability and emits when it comes back.
func (m *Manual) SetReachable(reachable bool) {
	wasOffline := m.offline.Swap(!reachable)
	if reachable && wasOffline {
		m.emit()
	}
}

func (m *Manual) Reachable(context.Context) bool {
	return !m.offline.Load()
}
