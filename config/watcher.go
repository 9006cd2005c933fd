package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ardnew/usbcap/pkg"
)

// DefaultDebounce coalesces bursts of writes from editors.
const DefaultDebounce = 500 * time.Millisecond

// Watcher reloads a configuration file when it changes and hands each
// fresh snapshot to the registered handlers.
type Watcher struct {
	path     string
	debounce time.Duration
	load     func(path string) (Config, error)

	mu       sync.RWMutex
	handlers map[int]func(Config)
	next     int
	onError  func(error)

	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets the quiet period before a change is loaded.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithLoader replaces the function used to read the file. The default
// resolves the file with environment overrides applied.
func WithLoader(load func(path string) (Config, error)) WatcherOption {
	return func(w *Watcher) { w.load = load }
}

// WithErrorHandler receives reload failures, which are otherwise only
// logged.
func WithErrorHandler(fn func(error)) WatcherOption {
	return func(w *Watcher) { w.onError = fn }
}

// NewWatcher creates a watcher for path. Call Start to begin watching.
func NewWatcher(path string, opts ...WatcherOption) *Watcher {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		path:     path,
		debounce: DefaultDebounce,
		handlers: make(map[int]func(Config)),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	w.load = func(path string) (Config, error) { return Resolve(path, nil) }
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// OnReload registers a handler and returns a function that removes it.
func (w *Watcher) OnReload(fn func(Config)) func() {
	w.mu.Lock()
	defer w.mu.Unlock()

	id := w.next
	w.next++
	w.handlers[id] = fn
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.handlers, id)
	}
}

// Start begins watching. The file's directory is watched so editors that
// replace the file by rename are followed.
func (w *Watcher) Start() error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(dirOf(w.path)); err != nil {
		fw.Close()
		return err
	}
	w.watcher = fw

	pkg.LogInfo(pkg.ComponentConfig, "config watcher started", "path", w.path, "debounce", w.debounce)
	go w.watch()
	return nil
}

// Stop ends watching and waits for the loop to exit.
func (w *Watcher) Stop() error {
	w.cancel()
	if w.watcher == nil {
		return nil
	}
	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *Watcher) watch() {
	defer close(w.done)

	var timer *time.Timer
	var timerC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-w.ctx.Done():
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !sameFile(ev.Name, w.path) || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				continue
			}
			pkg.LogDebug(pkg.ComponentConfig, "config change detected", "op", ev.Op.String())
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			timerC = timer.C

		case <-timerC:
			timerC = nil
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			pkg.LogWarn(pkg.ComponentConfig, "config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := w.load(w.path)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		pkg.LogWarn(pkg.ComponentConfig, "config reload failed", "path", w.path, "error", err)
		if w.onError != nil {
			w.onError(err)
		}
		return
	}

	w.mu.RLock()
	handlers := make([]func(Config), 0, len(w.handlers))
	for _, fn := range w.handlers {
		handlers = append(handlers, fn)
	}
	w.mu.RUnlock()

	pkg.LogInfo(pkg.ComponentConfig, "config reloaded", "path", w.path, "handlers", len(handlers))
	for _, fn := range handlers {
		fn(cfg)
	}
}

func dirOf(path string) string {
	return filepath.Dir(filepath.Clean(path))
}

func sameFile(a, b string) bool {
	return filepath.Clean(a) == filepath.Clean(b)
}
