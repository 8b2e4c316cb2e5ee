package signals

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/imarsiglia/outboxsync"
)

// FileWatcherOptions configure a FileWatcher.
type FileWatcherOptions struct {
	// Files limits events to these base names; empty accepts every file in
	// the directory.
	Files []string
	// Guard is consulted before emitting. The engine writes to the same
	// directory while draining, so a guard such as "pending items exist"
	// keeps those writes from re-triggering it forever.
	Guard  func(ctx context.Context) bool
	Logger outboxsync.Logger
}

// FileWatcher emits when another process changes the outbox directory, for
// example a producer that enqueued through its own FileStore.
type FileWatcher struct {
	hub
	dir     string
	opts    FileWatcherOptions
	watcher *fsnotify.Watcher
	files   map[string]bool

	closeOnce sync.Once
}

// NewFileWatcher watches dir. The directory is watched instead of the files
// themselves because the store replaces files by rename.
func NewFileWatcher(dir string, opts FileWatcherOptions) (*FileWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("signals: new watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("signals: watch %s: %w", dir, err)
	}
	files := make(map[string]bool, len(opts.Files))
	for _, f := range opts.Files {
		files[f] = true
	}
	return &FileWatcher{dir: dir, opts: opts, watcher: w, files: files}, nil
}

// Run forwards matching events until ctx is done or the watcher is closed.
func (w *FileWatcher) Run(ctx context.Context) error {
	defer w.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if w.matches(ev) && (w.opts.Guard == nil || w.opts.Guard(ctx)) {
				w.emit()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			if w.opts.Logger != nil {
				w.opts.Logger.Warn(ctx, "watch %s: %v", w.dir, err)
			}
		}
	}
}

func (w *FileWatcher) matches(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
		return false
	}
	if len(w.files) == 0 {
		return true
	}
	return w.files[filepath.Base(ev.Name)]
}

// Close stops watching. It is safe to call more than once.
func (w *FileWatcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		err = w.watcher.Close()
	})
	return err
}
