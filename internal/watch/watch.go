// Package watch reports changes to a fixed set of files.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const DefaultDebounce = 500 * time.Millisecond

// Files watches the parent directories of paths, so files that are created
// later or replaced by rename are still seen. Bursts of events within
// debounce collapse into one notification carrying the last changed path.
// The returned channel is closed when ctx is done.
func Files(ctx context.Context, paths []string, debounce time.Duration, logger *slog.Logger) (<-chan string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	wanted := make(map[string]struct{}, len(paths))
	dirs := make(map[string]struct{})
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			_ = w.Close()
			return nil, err
		}
		wanted[abs] = struct{}{}
		dirs[filepath.Dir(abs)] = struct{}{}
	}
	for dir := range dirs {
		if err := w.Add(dir); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				logger.Warn("watch directory missing", "dir", dir)
				continue
			}
			_ = w.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	out := make(chan string, 1)
	go func() {
		defer close(out)
		defer w.Close()

		var (
			timer   *time.Timer
			fire    <-chan time.Time
			pending string
		)
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if _, hit := wanted[filepath.Clean(ev.Name)]; !hit {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
					continue
				}
				logger.Debug("watched file event", "path", ev.Name, "op", ev.Op.String())
				pending = ev.Name
				if timer == nil {
					timer = time.NewTimer(debounce)
				} else {
					timer.Reset(debounce)
				}
				fire = timer.C
			case <-fire:
				fire = nil
				select {
				case out <- pending:
				default:
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("file watcher error", "error", err)
			}
		}
	}()
	return out, nil
}
