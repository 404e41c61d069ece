package artifacts

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period before a model change is reported.
const DefaultDebounce = 100 * time.Millisecond

// Watcher reports which model directories change under a store root.
// Bursts of events for one model are debounced into a single callback.
type Watcher struct {
	root     string
	debounce time.Duration
	onChange func(model string)
	logger   *slog.Logger
	watcher  *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*time.Timer
	stopped bool
	started bool
	done    chan struct{}
}

// NewWatcher creates a watcher for root. onChange runs on a timer goroutine.
func NewWatcher(root string, debounce time.Duration, onChange func(model string), logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		root:     root,
		debounce: debounce,
		onChange: onChange,
		logger:   logger,
		watcher:  w,
		pending:  make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}, nil
}

// Start watches the root and every model directory until ctx is cancelled
// or Close is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addRecursive(w.root); err != nil {
		return err
	}
	w.mu.Lock()
	w.started = true
	w.mu.Unlock()
	go w.loop(ctx)
	return nil
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		return w.watcher.Add(path)
	})
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			w.stop()
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("artifact watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = w.addRecursive(event.Name)
		}
	}
	model, ok := w.modelOf(event.Name)
	if !ok {
		return
	}
	w.schedule(model)
}

// modelOf maps a path below the root to its model directory name. Temporary
// files written by Store are ignored.
func (w *Watcher) modelOf(path string) (string, bool) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	for _, p := range parts {
		if strings.HasPrefix(p, ".") {
			return "", false
		}
	}
	// files beside the model directories, such as the run index
	if len(parts) == 1 {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return "", false
		}
	}
	return parts[0], true
}

func (w *Watcher) schedule(model string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if t, ok := w.pending[model]; ok {
		t.Stop()
	}
	w.pending[model] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		if w.stopped {
			w.mu.Unlock()
			return
		}
		delete(w.pending, model)
		w.mu.Unlock()

		w.logger.Debug("artifacts changed", slog.String("model", model))
		if w.onChange != nil {
			w.onChange(model)
		}
	})
}

func (w *Watcher) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	for _, t := range w.pending {
		t.Stop()
	}
	w.pending = nil
}

// Close stops the watcher and waits for its goroutine when it was started.
func (w *Watcher) Close() error {
	w.stop()
	err := w.watcher.Close()
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if started {
		<-w.done
	}
	return err
}
