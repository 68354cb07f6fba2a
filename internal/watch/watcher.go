// Package watch triggers incremental re-analysis when tracked input files
// change on disk.
package watch

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 500 * time.Millisecond

// Watcher monitors a fixed set of files and invokes a callback with the
// batch of changed paths after a debounce window, so an editor's
// write-rename-chmod burst triggers one re-analysis instead of three.
type Watcher struct {
	paths    map[string]bool
	debounce time.Duration
	onChange func(changed []string)
	logger   *log.Logger

	fsw *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]bool
	timer   *time.Timer
}

// New creates a watcher over paths. onChange runs on the watcher's goroutine;
// debounce <= 0 uses the default. logger may be nil.
func New(paths []string, debounce time.Duration, onChange func(changed []string), logger *log.Logger) (*Watcher, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("watch: no paths given")
	}
	if onChange == nil {
		return nil, fmt.Errorf("watch: onChange callback is required")
	}
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	w := &Watcher{
		paths:    make(map[string]bool, len(paths)),
		debounce: debounce,
		onChange: onChange,
		logger:   logger,
		fsw:      fsw,
		pending:  make(map[string]bool),
	}

	// Watch parent directories: editors replace files via rename, which drops
	// a watch placed on the file itself.
	dirs := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			fsw.Close()
			return nil, fmt.Errorf("resolve %s: %w", p, err)
		}
		w.paths[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	return w, nil
}

// Run processes events until ctx is cancelled, then releases the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()
	defer w.stopTimer()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.log("watch_error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) &&
		!event.Op.Has(fsnotify.Rename) && !event.Op.Has(fsnotify.Remove) {
		return
	}
	abs, err := filepath.Abs(event.Name)
	if err != nil || !w.paths[abs] {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[abs] = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

// flush hands the accumulated change batch to the callback.
func (w *Watcher) flush() {
	w.mu.Lock()
	changed := make([]string, 0, len(w.pending))
	for p := range w.pending {
		changed = append(changed, p)
	}
	w.pending = make(map[string]bool)
	w.mu.Unlock()

	if len(changed) == 0 {
		return
	}
	sort.Strings(changed)
	w.log("watch_trigger changed=%d", len(changed))
	w.onChange(changed)
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

func (w *Watcher) log(format string, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Printf("%s INFO watch: %s", time.Now().Format(time.RFC3339), fmt.Sprintf(format, args...))
}
