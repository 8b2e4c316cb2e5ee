package outboxsync

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultDebounce coalesces bursts of trigger events into one check.
const DefaultDebounce = 600 * time.Millisecond

// Drainer is the part of Engine the Coordinator drives.
type Drainer interface {
	ProcessQueueOnce(ctx context.Context) error
	ResetFailed(ctx context.Context) (int, error)
}

// CoordinatorOptions configure a Coordinator.
type CoordinatorOptions struct {
	// Debounce is the quiet period after the last event before a check runs.
	Debounce time.Duration
	// Lifecycle emits when the app returns to the foreground.
	Lifecycle Signal
	// Extra lists additional trigger sources.
	Extra []Signal
	// SyncOnStart runs one check as soon as Run starts.
	SyncOnStart bool
	// Logger emits coordinator logs.
	Logger Logger
}

func (o *CoordinatorOptions) setDefaults() {
	if o.Debounce <= 0 {
		o.Debounce = DefaultDebounce
	}
	if o.Logger == nil {
		o.Logger = noopLogger{}
	}
}

// Coordinator invokes the engine when connectivity returns or the app comes
// to the foreground.
type Coordinator struct {
	engine Drainer
	conn   Connectivity
	opts   CoordinatorOptions
	nudge  chan struct{}

	mu      sync.Mutex
	running bool
}

// NewCoordinator builds a Coordinator. A nil conn is treated as always
// reachable with no events of its own.
func NewCoordinator(engine Drainer, conn Connectivity, opts CoordinatorOptions) *Coordinator {
	opts.setDefaults()
	return &Coordinator{
		engine: engine,
		conn:   conn,
		opts:   opts,
		nudge:  make(chan struct{}, 1),
	}
}

// Run listens for trigger events until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("outboxsync: coordinator already running")
	}
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	var signals []Signal
	if c.conn != nil {
		signals = append(signals, c.conn)
	}
	if c.opts.Lifecycle != nil {
		signals = append(signals, c.opts.Lifecycle)
	}
	signals = append(signals, c.opts.Extra...)

	events := make(chan struct{}, 1)
	for _, s := range signals {
		ch, unsubscribe := s.Subscribe()
		defer unsubscribe()
		go forward(ctx, ch, events)
	}

	if c.opts.SyncOnStart {
		c.check(ctx)
	}

	var (
		timer  *time.Timer
		firing <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-events:
		case <-c.nudge:
		case <-firing:
			firing = nil
			c.check(ctx)
			continue
		}
		if timer != nil {
			timer.Stop()
		}
		timer = time.NewTimer(c.opts.Debounce)
		firing = timer.C
	}
}

// Nudge schedules a debounced check, as if a trigger event arrived.
func (c *Coordinator) Nudge() {
	select {
	case c.nudge <- struct{}{}:
	default:
	}
}

// RetryFailed resets failed items to pending and drains immediately.
func (c *Coordinator) RetryFailed(ctx context.Context) (int, error) {
	n, err := c.engine.ResetFailed(ctx)
	if err != nil {
		return 0, err
	}
	c.opts.Logger.Info(ctx, "retrying %d failed item(s)", n)
	return n, c.engine.ProcessQueueOnce(ctx)
}

// check re-confirms reachability at fire time before draining.
func (c *Coordinator) check(ctx context.Context) {
	if c.conn != nil && !c.conn.Reachable(ctx) {
		c.opts.Logger.Info(ctx, "remote unreachable, skipping drain")
		return
	}
	if err := c.engine.ProcessQueueOnce(ctx); err != nil {
		c.opts.Logger.Error(ctx, "drain failed: %v", err)
	}
}

func forward(ctx context.Context, src <-chan struct{}, dst chan<- struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-src:
			if !ok {
				return
			}
			select {
			case dst <- struct{}{}:
			default:
			}
		}
	}
}
