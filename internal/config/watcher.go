package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

const watchDebounce = 100 * time.Millisecond

// Watcher reloads the config file on change and notifies a callback with
// the new config. Invalid edits are logged and skipped; the last good
// config stays in effect.
type Watcher struct {
	path     string
	onChange func(*Config)

	mu      sync.Mutex
	stopCh  chan struct{}
	stopped bool
}

// NewWatcher watches path. onChange runs on every successful reload.
func NewWatcher(path string, onChange func(*Config)) *Watcher {
	return &Watcher{path: path, onChange: onChange, stopCh: make(chan struct{})}
}

// Start begins watching. Returns an error only when the watcher itself
// cannot be created.
func (w *Watcher) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(w.path); err != nil {
		log.WithError(err).WithField("path", w.path).Warn("Cannot watch config file directly")
	}
	// Watching the directory catches atomic writes (write tmp + rename).
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return err
	}

	log.WithField("path", w.path).Info("Config watcher started")
	go w.loop(watcher)
	return nil
}

func (w *Watcher) loop(watcher *fsnotify.Watcher) {
	defer watcher.Close()
	var debounce *time.Timer

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Name != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watchDebounce, w.reload)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("Config watcher error")

		case <-w.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			return
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		log.WithError(err).Warn("Config reload failed, keeping previous configuration")
		return
	}
	log.Info("Configuration reloaded")
	w.onChange(cfg)
}

// Stop ends the watch loop. Safe to call more than once.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stopped {
		w.stopped = true
		close(w.stopCh)
	}
}
