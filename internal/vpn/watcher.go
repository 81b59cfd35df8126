package vpn

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"

	"grimm.is/enclave/internal/logging"
)

// DefaultDebounce coalesces bursts of directory events.
const DefaultDebounce = 500 * time.Millisecond

// Watcher calls OnChange after the tunnel directory settles.
type Watcher struct {
	dir      string
	debounce time.Duration
	onChange func()
	logger   *logging.Logger
}

// NewWatcher creates a watcher for dir.
func NewWatcher(dir string, debounce time.Duration, onChange func(), logger *logging.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = logging.WithComponent("vpn")
	}
	return &Watcher{dir: dir, debounce: debounce, onChange: onChange, logger: logger}
}

// Run watches until ctx is cancelled. A missing directory is created.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0700); err != nil {
		return fmt.Errorf("create tunnel dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %q: %w", w.dir, err)
	}
	w.logger.Info("watching tunnel directory", "dir", w.dir)

	var debounce *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
				continue
			}
			w.logger.Debug("tunnel directory event", "event", event.String())
			if debounce == nil {
				debounce = time.NewTimer(w.debounce)
			} else {
				debounce.Reset(w.debounce)
			}
			fire = debounce.C

		case <-fire:
			fire = nil
			w.onChange()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", "error", err)
		}
	}
}
