package signals

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/imarsiglia/outboxsync"
)

const (
	DefaultProbeInterval = 15 * time.Second
	DefaultProbeTimeout  = 3 * time.Second
)

// CheckFunc reports nil when the remote side is reachable.
type CheckFunc func(ctx context.Context) error

// TCPCheck dials addr and closes the connection.
func TCPCheck(addr string) CheckFunc {
	var d net.Dialer
	return func(ctx context.Context) error {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}

// ProberOptions configure a Prober.
type ProberOptions struct {
	Interval time.Duration
	Timeout  time.Duration
	Logger   outboxsync.Logger
}

// Prober is a Connectivity that polls a check and emits when the target
// becomes reachable again. It starts out unreachable, so the first
// successful probe also emits.
type Prober struct {
	hub
	check CheckFunc
	opts  ProberOptions

	mu        sync.Mutex
	reachable bool
}

func NewProber(check CheckFunc, opts ProberOptions) *Prober {
	if opts.Interval <= 0 {
		opts.Interval = DefaultProbeInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultProbeTimeout
	}
	return &Prober{check: check, opts: opts}
}

// Run probes on every interval until ctx is done.
func (p *Prober) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()
	for {
		p.Reachable(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Reachable probes now and records the result.
func (p *Prober) Reachable(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	err := p.check(probeCtx)
	cancel()

	up := err == nil
	p.mu.Lock()
	restored := up && !p.reachable
	lost := !up && p.reachable
	p.reachable = up
	p.mu.Unlock()

	if p.opts.Logger != nil {
		if restored {
			p.opts.Logger.Info(ctx, "connectivity restored")
		}
		if lost {
			p.opts.Logger.Warn(ctx, "connectivity lost: %v", err)
		}
	}
	if restored {
		p.emit()
	}
	return up
}

// Last returns the result of the most recent probe without probing.
func (p *Prober) Last() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reachable
}

var _ outboxsync.Connectivity = (*Prober)(nil)
