package local

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Azure/BatchExplorer-sub004/internal/logging"
)

// DefaultDebounce groups bursts of changes to one directory.
const DefaultDebounce = 200 * time.Millisecond

// Watcher reports changed directories of a Store, debounced. Directories
// are given slash separated and relative to the store root.
type Watcher struct {
	store    *Store
	watcher  *fsnotify.Watcher
	debounce time.Duration
	onChange func(dir string)

	mu       sync.Mutex
	watching map[string]bool // absolute paths
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewWatcher starts a watcher calling onChange from its own goroutine.
func NewWatcher(store *Store, debounce time.Duration, onChange func(dir string)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w := &Watcher{
		store:    store,
		watcher:  fw,
		debounce: debounce,
		onChange: onChange,
		watching: make(map[string]bool),
		done:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w, nil
}

// Watch adds a directory, relative to the root.
func (w *Watcher) Watch(dir string) error {
	abs := w.store.abs(dir)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watching[abs] {
		return nil
	}
	if err := w.watcher.Add(abs); err != nil {
		return err
	}
	w.watching[abs] = true
	logging.Debug("watching directory", logging.String("dir", abs))
	return nil
}

// Unwatch removes a directory.
func (w *Watcher) Unwatch(dir string) {
	abs := w.store.abs(dir)
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.watching[abs] {
		return
	}
	if err := w.watcher.Remove(abs); err != nil {
		logging.Debug("unwatch failed", logging.String("dir", abs), logging.Err(err))
	}
	delete(w.watching, abs)
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) run() {
	defer w.wg.Done()
	lastEvent := make(map[string]time.Time)
	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) &&
				!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Write) {
				continue
			}
			parent := filepath.Dir(event.Name)
			w.mu.Lock()
			switch {
			case w.watching[parent]:
				lastEvent[parent] = time.Now()
			case w.watching[event.Name]:
				lastEvent[event.Name] = time.Now()
			}
			w.mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Warn("file watcher error", logging.Err(err))

		case now := <-ticker.C:
			for dir, at := range lastEvent {
				if now.Sub(at) < w.debounce {
					continue
				}
				delete(lastEvent, dir)
				w.onChange(w.relative(dir))
			}
		}
	}
}

func (w *Watcher) relative(abs string) string {
	rel, err := filepath.Rel(w.store.root, abs)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	return filepath.ToSlash(rel)
}
