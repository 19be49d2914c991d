package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads the catalog when its backing file changes. Editors tend to
// fire several events per save, so reloads are debounced.
type Watcher struct {
	watcher  *fsnotify.Watcher
	catalog  *Catalog
	path     string
	debounce time.Duration
	logger   zerolog.Logger

	done     chan struct{}
	stopOnce sync.Once

	timerMu sync.Mutex
	timer   *time.Timer
}

// NewWatcher creates a watcher that keeps catalog in sync with the file at path.
func NewWatcher(catalog *Catalog, path string, debounce time.Duration, logger zerolog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	if debounce == 0 {
		debounce = 200 * time.Millisecond
	}

	return &Watcher{
		watcher:  fsw,
		catalog:  catalog,
		path:     path,
		debounce: debounce,
		logger:   logger,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching the catalog file's directory.
func (w *Watcher) Start() error {
	// Watch the directory, not the file: most editors replace the file on
	// save, which would drop a direct file watch.
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch catalog directory: %w", err)
	}

	go w.eventLoop()

	w.logger.Info().Str("path", w.path).Msg("Catalog watcher started")
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() {
		close(w.done)
	})

	w.timerMu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timerMu.Unlock()

	return w.watcher.Close()
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Catalog watcher error")
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.logger.Error().Err(err).Str("path", w.path).Msg("Failed to read catalog file on reload")
		return
	}

	tools, err := parseFile(data)
	if err != nil {
		w.logger.Error().Err(err).Str("path", w.path).Msg("Failed to parse catalog file on reload")
		return
	}

	if err := w.catalog.Replace(tools); err != nil {
		w.logger.Error().Err(err).Str("path", w.path).Msg("Rejected invalid catalog reload")
		return
	}

	w.logger.Info().Str("path", w.path).Int("tools", len(tools)).Msg("Tool catalog reloaded")
}
