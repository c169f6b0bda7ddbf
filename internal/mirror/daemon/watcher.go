package daemon

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/steveyegge/ofmlsync/internal/metrics"
	"github.com/steveyegge/ofmlsync/internal/ofml/catalog"
)

// EventOp represents the type of file system operation.
type EventOp int

const (
	// OpCreate indicates a new file was created.
	OpCreate EventOp = iota
	// OpModify indicates an existing file was modified.
	OpModify
	// OpDelete indicates a file was removed or renamed away.
	OpDelete
	// OpInit marks the reload of every table when a watcher starts.
	OpInit
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	case OpInit:
		return "init"
	default:
		return "unknown"
	}
}

// Event is a filesystem event for one file of a watched part.
type Event struct {
	// Path is the path reported by the OS.
	Path string
	Op   EventOp
}

// ChangeFunc is called after a table of part was reloaded successfully.
type ChangeFunc func(ctx context.Context, filename string, part *catalog.Part, ev Event)

// WatchOptions configures a PartWatcher.
type WatchOptions struct {
	Debounce        time.Duration
	SelfEventWindow time.Duration
	// Initialize reloads every table of the part on Start.
	Initialize bool
	Logger     *zap.Logger
}

// PartWatcher reloads the tables of one part when their files change.
type PartWatcher struct {
	part     *catalog.Part
	gate     *Gate
	onChange ChangeFunc
	opts     WatchOptions
	logger   *zap.Logger

	watcher *fsnotify.Watcher
	mu      sync.Mutex
	running bool
	done    chan struct{}
	loop    sync.WaitGroup
	reloads sync.WaitGroup
}

// NewPartWatcher returns a watcher for part. The watcher must be started
// with Start before it reacts to changes.
func NewPartWatcher(part *catalog.Part, onChange ChangeFunc, opts WatchOptions) *PartWatcher {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PartWatcher{
		part:     part,
		gate:     NewGate(opts.Debounce, opts.SelfEventWindow),
		onChange: onChange,
		opts:     opts,
		logger:   logger.With(zap.String("program", part.Program), zap.Stringer("part", part.Kind)),
	}
}

// Gate returns the watcher's event gate.
func (w *PartWatcher) Gate() *Gate { return w.gate }

// Part returns the watched part.
func (w *PartWatcher) Part() *catalog.Part { return w.part }

// Start watches the part directory until Stop is called or ctx is done.
func (w *PartWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(w.part.Dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", w.part.Dir, err)
	}

	w.watcher = watcher
	w.done = make(chan struct{})
	w.running = true

	if w.opts.Initialize {
		for _, name := range w.part.Filenames() {
			w.dispatch(ctx, name, Event{Path: filepath.Join(w.part.Dir, name), Op: OpInit})
		}
	}

	w.loop.Add(1)
	go w.processEvents(ctx)

	w.logger.Info("watching part", zap.String("dir", w.part.Dir), zap.Int("tables", len(w.part.Filenames())))
	return nil
}

// Stop stops watching and waits for in-flight reloads.
func (w *PartWatcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	close(w.done)
	w.mu.Unlock()

	err := w.watcher.Close()
	w.loop.Wait()
	w.reloads.Wait()
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

// IsRunning returns true if the watcher is currently running.
func (w *PartWatcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *PartWatcher) processEvents(ctx context.Context) {
	defer w.loop.Done()

	for {
		select {
		case <-w.done:
			return
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(ctx, event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

// handle runs one raw event through the gate.
func (w *PartWatcher) handle(ctx context.Context, event fsnotify.Event) {
	op, ok := convertOp(event.Op)
	if !ok {
		return
	}
	if !w.gate.ShouldDispatch(event.Name, op) {
		metrics.WatchEvents.WithLabelValues("duplicate").Inc()
		return
	}

	name := filepath.Base(event.Name)
	if w.gate.ConsumeIfSelfTriggered(name) {
		metrics.WatchEvents.WithLabelValues("self").Inc()
		w.logger.Debug("swallowed self-triggered event", zap.String("file", name), zap.Stringer("op", op))
		return
	}
	if !w.part.Knows(name) {
		metrics.WatchEvents.WithLabelValues("unknown").Inc()
		return
	}

	w.dispatch(ctx, name, Event{Path: event.Name, Op: op})
}

// dispatch marks name and reloads it in a tracked goroutine.
func (w *PartWatcher) dispatch(ctx context.Context, name string, ev Event) {
	w.gate.MarkSelfTriggered(name)
	w.reloads.Add(1)
	go func() {
		defer w.reloads.Done()
		w.reload(ctx, name, ev)
	}()
}

func (w *PartWatcher) reload(ctx context.Context, name string, ev Event) {
	res := w.part.ReadTable(name)
	if err := res.Err(); err != nil {
		switch {
		case errors.Is(err, fs.ErrPermission):
			metrics.WatchEvents.WithLabelValues("denied").Inc()
			w.logger.Warn("permission denied reloading table", zap.String("file", name), zap.Error(err))
		case ev.Op == OpDelete && errors.Is(err, fs.ErrNotExist):
			metrics.WatchEvents.WithLabelValues("removed").Inc()
			w.logger.Info("source table removed, mirror rows kept", zap.String("file", name))
		default:
			metrics.WatchEvents.WithLabelValues("failed").Inc()
			w.logger.Error("failed to reload table", zap.String("file", name), zap.Error(err))
		}
		return
	}

	metrics.WatchEvents.WithLabelValues("reloaded").Inc()
	w.logger.Debug("reloaded table", zap.String("file", name), zap.Stringer("op", ev.Op))
	if w.onChange != nil {
		w.onChange(ctx, name, w.part, ev)
	}
}

// convertOp maps an fsnotify operation to an EventOp. Chmod is ignored.
func convertOp(op fsnotify.Op) (EventOp, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return OpCreate, true
	case op.Has(fsnotify.Write):
		return OpModify, true
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return OpDelete, true
	default:
		return 0, false
	}
}
