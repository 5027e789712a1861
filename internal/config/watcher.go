package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDelay coalesces the events of one save (truncate, write, rename)
// into a single reload.
const reloadDelay = 100 * time.Millisecond

// Watcher watches a config file for changes and reloads it.
type Watcher struct {
	path     string
	config   *Config
	mu       sync.RWMutex
	watcher  *fsnotify.Watcher
	onChange func(*Config)
	done     chan struct{}
}

// NewWatcher loads path and reloads it, with environment overrides
// applied, whenever it changes.
func NewWatcher(path string, onChange func(*Config)) (*Watcher, error) {
	cfg, err := loadEffective(path)
	if err != nil {
		return nil, err
	}

	// Create fsnotify watcher
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		path:     path,
		config:   cfg,
		watcher:  fsWatcher,
		onChange: onChange,
		done:     make(chan struct{}),
	}

	// Watch the config file's directory (to handle editors that replace files)
	dir := filepath.Dir(path)
	if err := fsWatcher.Add(dir); err != nil {
		fsWatcher.Close()
		return nil, err
	}

	// Start watching in background
	go w.watch()

	return w, nil
}

// Config returns the current configuration.
func (w *Watcher) Config() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}

// watch monitors for config file changes.
func (w *Watcher) watch() {
	filename := filepath.Base(w.path)
	var pending <-chan time.Time

	for {
		select {
		case <-w.done:
			return
		case <-pending:
			pending = nil
			w.reload()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			// Check if this is our config file
			if filepath.Base(event.Name) != filename {
				continue
			}

			// Handle write or create events (editors may create new files)
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				pending = time.After(reloadDelay)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", slog.String("error", err.Error()))
		}
	}
}

// loadEffective loads path, applies the environment and validates.
func loadEffective(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// reload reloads the config from disk. An invalid, empty or missing file
// keeps the previous config; a save caught mid-write must not fall back to
// the defaults.
func (w *Watcher) reload() {
	if fi, err := os.Stat(w.path); err != nil || fi.Size() == 0 {
		slog.Debug("config file empty or missing, keeping current config", slog.String("path", w.path))
		return
	}

	cfg, err := loadEffective(w.path)
	if err != nil {
		slog.Error("failed to reload config",
			slog.String("path", w.path),
			slog.String("error", err.Error()),
		)
		return
	}

	w.mu.Lock()
	w.config = cfg
	w.mu.Unlock()

	slog.Info("config reloaded", slog.String("path", w.path))

	// Notify callback
	if w.onChange != nil {
		w.onChange(cfg)
	}
}

// Close stops watching and cleans up.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
