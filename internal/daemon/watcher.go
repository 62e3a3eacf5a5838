package daemon

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// inboxWatcher monitors the inbox directory for dropped eligibility files.
// Writes are debounced so a file still being copied in triggers only once.
type inboxWatcher struct {
	watcher  *fsnotify.Watcher
	onFile   func(path string)
	logger   *slog.Logger
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer

	cancel context.CancelFunc
}

func newInboxWatcher(dir string, logger *slog.Logger, onFile func(path string)) (*inboxWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	return &inboxWatcher{
		watcher:  watcher,
		onFile:   onFile,
		logger:   logger,
		debounce: 2 * time.Second,
		pending:  make(map[string]struct{}),
	}, nil
}

// Start begins watching for file changes
func (w *inboxWatcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				w.handleEvent(event)
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.logger.Warn("inbox watcher error", "error", err)
			}
		}
	}()
}

// Stop stops watching for file changes
func (w *inboxWatcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.watcher.Close()
}

func (w *inboxWatcher) handleEvent(event fsnotify.Event) {
	if !strings.HasSuffix(event.Name, ".yaml") && !strings.HasSuffix(event.Name, ".yml") {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[event.Name] = struct{}{}

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

func (w *inboxWatcher) flush() {
	w.mu.Lock()
	pending := w.pending
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	for path := range pending {
		w.logger.Info("eligibility file dropped in inbox", "file", path)
		w.onFile(path)
	}
}
