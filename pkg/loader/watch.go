package loader

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 500 * time.Millisecond

// ReloadFunc receives a freshly loaded registry. The callee owns it and must
// Close the registry it replaces.
type ReloadFunc func(*Registry)

// Watch reloads dir whenever a plugin file under it changes and hands the new
// registry to onReload. Bursts of changes are debounced. Watch returns once
// the watcher is running; it stops when ctx is done.
func (l *Loader) Watch(ctx context.Context, dir string, debounce time.Duration, onReload ReloadFunc) error {
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	if err := addTree(watcher, dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	go l.processEvents(ctx, watcher, dir, debounce, onReload)

	l.logger.Info().Str("dir", dir).Dur("debounce", debounce).Msg("Watching plugin directory")
	return nil
}

func addTree(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}

func (l *Loader) processEvents(ctx context.Context, watcher *fsnotify.Watcher, dir string, debounce time.Duration, onReload ReloadFunc) {
	defer watcher.Close()

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	schedule := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounce, func() { l.reload(ctx, dir, onReload) })
	}
	defer func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}

			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := addTree(watcher, event.Name); err != nil {
						l.logger.Warn().Err(err).Str("path", event.Name).Msg("Failed to watch new directory")
					}
					schedule()
					continue
				}
			}

			if !IsPluginFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			l.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Plugin file changed")
			schedule()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (l *Loader) reload(ctx context.Context, dir string, onReload ReloadFunc) {
	if ctx.Err() != nil {
		return
	}

	l.logger.Info().Str("dir", dir).Msg("Reloading plugins")
	reg, err := l.LoadDirectory(ctx, dir)
	if err != nil {
		l.logger.Error().Err(err).Msg("Failed to reload plugins")
		return
	}
	onReload(reg)
}
