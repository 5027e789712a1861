package hostkey

import (
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a Store when its file changes on disk.
type Watcher struct {
	store    *Store
	watcher  *fsnotify.Watcher
	onReload func(error)
	done     chan struct{}
	stopped  chan struct{}
}

// Watch starts reloading store whenever another process rewrites its file.
// onReload, if not nil, receives the result of each reload. The store must
// live on the real filesystem.
func (s *Store) Watch(onReload func(error)) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the directory: editors and Save replace the file by rename.
	if err := fsWatcher.Add(filepath.Dir(s.path)); err != nil {
		fsWatcher.Close()
		return nil, err
	}

	w := &Watcher{
		store:    s,
		watcher:  fsWatcher,
		onReload: onReload,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go w.watch()
	return w, nil
}

func (w *Watcher) watch() {
	defer close(w.stopped)
	filename := filepath.Base(w.store.path)

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filename {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			err := w.store.Load()
			if err != nil {
				slog.Warn("reload known hosts", slog.String("path", w.store.path), slog.String("error", err.Error()))
			} else {
				slog.Debug("known hosts reloaded", slog.String("path", w.store.path))
			}
			if w.onReload != nil {
				w.onReload(err)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("known hosts watcher error", slog.String("error", err.Error()))
		}
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.watcher.Close()
	<-w.stopped
	return err
}
