package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/verityhq/aigateway/internal/observability"
)

// ManifestCallback is called when the warming manifest changes on disk.
type ManifestCallback func(*WarmingManifest)

// ManifestErrorCallback is called when a manifest reload fails.
type ManifestErrorCallback func(error)

// ManifestWatcher watches the warming manifest file for changes and
// triggers reloads. Editors typically replace files atomically, so the
// watcher tracks the parent directory and matches events by path.
type ManifestWatcher struct {
	path          string
	watcher       *fsnotify.Watcher
	callback      ManifestCallback
	errorCallback ManifestErrorCallback
	logger        observability.Logger
	debounceDelay time.Duration

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// ManifestWatcherOption is a functional option for configuring the watcher.
type ManifestWatcherOption func(*ManifestWatcher)

// WithManifestLogger sets the logger for the watcher.
func WithManifestLogger(logger observability.Logger) ManifestWatcherOption {
	return func(w *ManifestWatcher) {
		w.logger = logger
	}
}

// WithManifestErrorCallback sets the error callback for the watcher.
func WithManifestErrorCallback(callback ManifestErrorCallback) ManifestWatcherOption {
	return func(w *ManifestWatcher) {
		w.errorCallback = callback
	}
}

// WithManifestDebounce sets the debounce delay for file change events.
func WithManifestDebounce(delay time.Duration) ManifestWatcherOption {
	return func(w *ManifestWatcher) {
		w.debounceDelay = delay
	}
}

// NewManifestWatcher creates a new warming manifest watcher.
func NewManifestWatcher(path string, callback ManifestCallback, opts ...ManifestWatcherOption) (*ManifestWatcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &ManifestWatcher{
		path:          absPath,
		watcher:       fsWatcher,
		callback:      callback,
		logger:        observability.NopLogger(),
		debounceDelay: 100 * time.Millisecond,
		stopCh:        make(chan struct{}),
		stoppedCh:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(w)
	}

	return w, nil
}

// Start loads the manifest, delivers it to the callback, and begins
// watching for changes. It returns once the watch loop is running.
func (w *ManifestWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	manifest, err := LoadWarmingManifest(w.path)
	if err != nil {
		w.setStopped()
		return err
	}
	w.callback(manifest)

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		w.setStopped()
		return err
	}

	go w.watchLoop(ctx)

	w.logger.Info("warming manifest watcher started",
		observability.String("path", w.path))

	return nil
}

// Stop stops the watcher and waits for the watch loop to exit.
func (w *ManifestWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.stoppedCh
	_ = w.watcher.Close()
}

func (w *ManifestWatcher) setStopped() {
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
}

func (w *ManifestWatcher) watchLoop(ctx context.Context) {
	defer close(w.stoppedCh)

	var debounce *time.Timer
	var debounceCh <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(w.debounceDelay)
			} else {
				debounce.Reset(w.debounceDelay)
			}
			debounceCh = debounce.C

		case <-debounceCh:
			debounceCh = nil
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("manifest watcher error", observability.Error(err))
		}
	}
}

func (w *ManifestWatcher) reload() {
	manifest, err := LoadWarmingManifest(w.path)
	if err != nil {
		w.logger.Error("failed to reload warming manifest",
			observability.String("path", w.path),
			observability.Error(err))
		if w.errorCallback != nil {
			w.errorCallback(err)
		}
		return
	}

	w.logger.Info("warming manifest reloaded",
		observability.String("path", w.path),
		observability.Int("requests", len(manifest.Requests)))

	w.callback(manifest)
}
