package statemachine

import (
	"errors"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultReloadDebounce = 200 * time.Millisecond

// Watcher reloads a Registry whenever its state document changes on disk.
type Watcher struct {
	path     string
	registry *Registry
	logger   *zap.Logger
	debounce time.Duration
	watcher  *fsnotify.Watcher
	done     chan struct{}
}

// NewWatcher creates a watcher for the document at path.
func NewWatcher(path string, registry *Registry, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		path:     filepath.Clean(path),
		registry: registry,
		logger:   logger,
		debounce: defaultReloadDebounce,
		done:     make(chan struct{}),
	}
}

// Start begins watching. The parent directory is watched so editors that
// replace the file on save are still observed. Call Stop to clean up.
func (w *Watcher) Start() error {
	if w.path == "" || w.path == "." {
		return errors.New("statemachine: no document path to watch")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		_ = fw.Close()
		return err
	}
	w.watcher = fw

	go w.loop()
	w.logger.Info("watching state document", zap.String("path", w.path))
	return nil
}

// Stop shuts down the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	if w.watcher == nil {
		return
	}
	_ = w.watcher.Close()
	<-w.done
}

func (w *Watcher) loop() {
	defer close(w.done)

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case evt, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(evt.Name) != w.path {
				continue
			}
			if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) && !evt.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			pending = timer.C
		case <-pending:
			pending = nil
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("state document watcher error", zap.Error(err))
		}
	}
}

// reload keeps the current document when the new one cannot be loaded.
func (w *Watcher) reload() {
	doc, err := LoadDocument(w.path)
	if err != nil {
		w.logger.Warn("state document reload failed, keeping current configuration",
			zap.String("path", w.path), zap.Error(err))
		return
	}
	w.registry.Reload(doc)
	w.logger.Info("state document reloaded", zap.String("path", w.path))
}
