package watcher

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 500 * time.Millisecond

// excludedDirs are build output and tooling directories whose churn never
// means the build definition changed.
var excludedDirs = map[string]bool{
	"target":       true,
	"node_modules": true,
	".git":         true,
	".bsp":         true,
	".idea":        true,
	".metals":      true,
	".bloop":       true,
}

// ChangeCallback is called once per burst of changes with the changed paths,
// relative to the console's directory.
type ChangeCallback func(key string, paths []string)

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets how long the watcher waits for changes to settle.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// Watcher monitors the build definitions of consoles.
type Watcher struct {
	mu       sync.RWMutex
	watchers map[string]*consoleWatcher // key → watcher
	debounce time.Duration
	callback ChangeCallback
	logger   *slog.Logger
}

type consoleWatcher struct {
	key       string
	root      string
	files     map[string]bool // watched through their parent directory
	dirs      []string        // watched recursively
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}

	mu      sync.Mutex
	changed map[string]bool
}

// New creates a watcher that reports changes to callback.
func New(callback ChangeCallback, opts ...Option) *Watcher {
	w := &Watcher{
		watchers: make(map[string]*consoleWatcher),
		debounce: defaultDebounce,
		callback: callback,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Watch starts watching paths for key, replacing any earlier watch for it.
// Relative paths are resolved against dir. Directories are watched
// recursively. Files are watched through their parent directory so that
// editors replacing them atomically are noticed, and may not exist yet.
func (w *Watcher) Watch(key, dir string, paths []string) error {
	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	root, err := filepath.Abs(dir)
	if err != nil {
		fsW.Close()
		return err
	}

	cw := &consoleWatcher{
		key:       key,
		root:      root,
		files:     make(map[string]bool),
		fsWatcher: fsW,
		cancel:    make(chan struct{}),
		changed:   make(map[string]bool),
	}

	added := 0
	for _, p := range paths {
		if !filepath.IsAbs(p) {
			p = filepath.Join(root, p)
		}
		p = filepath.Clean(p)

		info, err := os.Stat(p)
		switch {
		case err == nil && info.IsDir():
			if err := addDirsRecursive(fsW, p); err != nil {
				fsW.Close()
				return fmt.Errorf("watch %s: %w", p, err)
			}
			cw.dirs = append(cw.dirs, p)
			added++

		case err == nil || errors.Is(err, os.ErrNotExist):
			if err := fsW.Add(filepath.Dir(p)); err != nil {
				w.logger.Warn("cannot watch build file", "key", key, "path", p, "error", err)
				continue
			}
			cw.files[p] = true
			added++

		default:
			fsW.Close()
			return fmt.Errorf("watch %s: %w", p, err)
		}
	}

	if added == 0 {
		fsW.Close()
		return fmt.Errorf("watch %q: none of %v can be watched", key, paths)
	}

	w.Unwatch(key)

	w.mu.Lock()
	w.watchers[key] = cw
	w.mu.Unlock()

	// Run the event loop.
	go w.watchLoop(cw)

	w.logger.Debug("watching build definition", "key", key, "root", root, "paths", paths)
	return nil
}

// Unwatch stops watching a console's build definition.
func (w *Watcher) Unwatch(key string) {
	w.mu.Lock()
	cw, ok := w.watchers[key]
	if ok {
		delete(w.watchers, key)
	}
	w.mu.Unlock()

	if ok {
		close(cw.cancel)
		cw.fsWatcher.Close()
	}
}

// Watching reports whether key is being watched.
func (w *Watcher) Watching(key string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.watchers[key]
	return ok
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop(cw *consoleWatcher) {
	var timer *time.Timer

	for {
		select {
		case <-cw.cancel:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-cw.fsWatcher.Events:
			if !ok {
				return
			}
			// Attribute-only changes are not edits.
			if event.Op == fsnotify.Chmod || !cw.relevant(event.Name) {
				continue
			}

			// If a new directory is created, watch it too.
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := addDirsRecursive(cw.fsWatcher, event.Name); err != nil {
						w.logger.Warn("cannot watch new directory", "key", cw.key, "path", event.Name, "error", err)
					}
				}
			}

			cw.mu.Lock()
			cw.changed[event.Name] = true
			cw.mu.Unlock()

			// Debounce: reset timer on each event.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				w.fire(cw)
			})

		case err, ok := <-cw.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", "key", cw.key, "error", err)
		}
	}
}

// relevant reports whether path is part of the watched build definition.
func (cw *consoleWatcher) relevant(path string) bool {
	if cw.files[path] {
		return true
	}
	for _, dir := range cw.dirs {
		rel, err := filepath.Rel(dir, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		for _, part := range strings.Split(rel, string(filepath.Separator)) {
			if excludedDirs[part] {
				return false
			}
		}
		return true
	}
	return false
}

// fire reports the changes collected since the last call.
func (w *Watcher) fire(cw *consoleWatcher) {
	select {
	case <-cw.cancel:
		return
	default:
	}

	cw.mu.Lock()
	paths := make([]string, 0, len(cw.changed))
	for p := range cw.changed {
		if rel, err := filepath.Rel(cw.root, p); err == nil {
			p = rel
		}
		paths = append(paths, filepath.ToSlash(p))
	}
	clear(cw.changed)
	cw.mu.Unlock()

	if len(paths) == 0 {
		return
	}
	slices.Sort(paths)

	w.logger.Info("build definition changed", "key", cw.key, "paths", paths)
	if w.callback != nil {
		w.callback(cw.key, paths)
	}
}

// Shutdown stops all watchers.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	keys := make([]string, 0, len(w.watchers))
	for key := range w.watchers {
		keys = append(keys, key)
	}
	w.mu.Unlock()

	for _, key := range keys {
		w.Unwatch(key)
	}
}

// addDirsRecursive adds a directory and its subdirectories to an fsnotify watcher.
func addDirsRecursive(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}

		if excludedDirs[d.Name()] && path != dir {
			return filepath.SkipDir
		}

		return w.Add(path)
	})
}
