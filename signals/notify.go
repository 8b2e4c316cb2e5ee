package signals

import (
	"os"
	"os/signal"
	"sync"
)

// Notify turns OS signals into lifecycle events. On unix it listens for
// SIGCONT (resumed from the background) and SIGUSR1 (sync requested) by
// default.
type Notify struct {
	hub
	ch   chan os.Signal
	done chan struct{}
	once sync.Once
}

// NewNotify starts listening for sigs, or the platform defaults when none
// are given. Call Stop to release the signals.
func NewNotify(sigs ...os.Signal) *Notify {
	if len(sigs) == 0 {
		sigs = defaultSignals
	}
	n := &Notify{
		ch:   make(chan os.Signal, 1),
		done: make(chan struct{}),
	}
	if len(sigs) > 0 {
		signal.Notify(n.ch, sigs...)
	}
	go n.loop()
	return n
}

func (n *Notify) loop() {
	for {
		select {
		case <-n.done:
			return
		case <-n.ch:
			n.emit()
		}
	}
}

// Stop unregisters the signals. It is safe to call more than once.
func (n *Notify) Stop() {
	n.once.Do(func() {
		signal.Stop(n.ch)
		close(n.done)
	})
}
