package static

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// watcher calls onChange once the asset tree has been quiet for the debounce period after a change.
type watcher struct {
	log      *zap.SugaredLogger
	fsw      *fsnotify.Watcher
	debounce time.Duration
	onChange func()
}

func newWatcher(log *zap.SugaredLogger, root string, debounce time.Duration, onChange func()) (*watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating asset watcher: %w", err)
	}
	w := &watcher{
		log:      log,
		fsw:      fsw,
		debounce: debounce,
		onChange: onChange,
	}
	if err := w.addTree(root); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// addTree watches dir and every directory below it. fsnotify is not recursive.
func (w *watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		return nil
	})
}

func (w *watcher) close() {
	if err := w.fsw.Close(); err != nil {
		w.log.Debugf("error closing watcher: %s", err)
	}
}

func (w *watcher) run(ctx context.Context) {
	defer w.close()

	debounceTimer := time.NewTimer(w.debounce)
	debounceTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			debounceTimer.Stop()
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op == fsnotify.Chmod {
				continue
			}
			w.log.Debugw("asset changed", "Path", event.Name, "Op", event.Op.String())
			if event.Has(fsnotify.Create) {
				if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
					if err := w.addTree(event.Name); err != nil {
						w.log.Warnf("error watching new directory: %s", err)
					}
				}
			}
			debounceTimer.Reset(w.debounce)

		case <-debounceTimer.C:
			w.onChange()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warnf("watcher error: %s", err)
		}
	}
}
