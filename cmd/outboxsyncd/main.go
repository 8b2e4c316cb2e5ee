// Command outboxsyncd drains an outbox whenever the remote side becomes
// reachable, the process is resumed, or another process enqueues.
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/imarsiglia/outboxsync"
	"github.com/imarsiglia/outboxsync/internal/app"
	"github.com/imarsiglia/outboxsync/internal/config"
	"github.com/imarsiglia/outboxsync/internal/logging"
	"github.com/imarsiglia/outboxsync/internal/metrics"
	"github.com/imarsiglia/outboxsync/readmodel"
	"github.com/imarsiglia/outboxsync/signals"
	"github.com/imarsiglia/outboxsync/stores"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := logging.New(os.Stderr, cfg.LogFormat, level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error(ctx, "outboxsyncd stopped: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *logging.Adapter) error {
	store, err := app.OpenStore(ctx, cfg, logger.With("component", "store"))
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	remote, err := app.NewRemote(ctx, cfg)
	if err != nil {
		return err
	}

	cache := readmodel.New(remote.Lister, readmodel.Options{})
	engine := outboxsync.NewEngine(store, remote.Service, cache, outboxsync.Options{
		StaleAfter: cfg.StaleAfter,
		Logger:     logger.With("component", "engine"),
		Hooks:      metrics.NewStatsHook("outboxsync"),
	})

	prober := signals.NewProber(remote.Check, signals.ProberOptions{
		Interval: cfg.ProbeInterval,
		Logger:   logger.With("component", "prober"),
	})
	lifecycle := signals.NewNotify()
	defer lifecycle.Stop()

	g, gctx := errgroup.WithContext(ctx)

	var extra []outboxsync.Signal
	if store.Dir != "" {
		watcher, err := signals.NewFileWatcher(store.Dir, signals.FileWatcherOptions{
			Files:  []string{stores.QueueFile},
			Guard:  hasPending(store),
			Logger: logger.With("component", "watcher"),
		})
		if err != nil {
			return err
		}
		extra = append(extra, watcher)
		g.Go(func() error { return watcher.Run(gctx) })
	}

	coordinator := outboxsync.NewCoordinator(engine, prober, outboxsync.CoordinatorOptions{
		Debounce:    cfg.Debounce,
		Lifecycle:   lifecycle,
		Extra:       extra,
		SyncOnStart: true,
		Logger:      logger.With("component", "coordinator"),
	})

	g.Go(func() error { return prober.Run(gctx) })
	g.Go(func() error { return coordinator.Run(gctx) })
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(gctx, cfg.MetricsAddr, engine, logger) })
	}

	logger.Info(ctx, "outboxsyncd started (store=%s transport=%s)", cfg.Store, cfg.Transport)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// hasPending keeps the engine's own writes to the store directory from
// re-triggering a drain once nothing is left to send.
func hasPending(store outboxsync.Store) func(ctx context.Context) bool {
	return func(ctx context.Context) bool {
		p, err := outboxsync.ReadProgress(ctx, store)
		return err == nil && p.Pending > 0
	}
}
