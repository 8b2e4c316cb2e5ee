//go:build unix

package signals

import (
	"syscall"
	"testing"
)

func TestNotifyForwardsSignals(t *testing.T) {
	n := NewNotify(syscall.SIGUSR1)
	defer n.Stop()
	ch, unsubscribe := n.Subscribe()
	defer unsubscribe()

	if err := syscall.Kill(syscall.Getpid(), syscall.SIGUSR1); err != nil {
		t.Fatalf("kill: %v", err)
	}
	waitFor(t, ch)

	n.Stop()
	n.Stop()
}
