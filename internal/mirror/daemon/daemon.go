package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/steveyegge/ofmlsync/internal/mirror/dashboard"
	"github.com/steveyegge/ofmlsync/internal/mirror/db"
	"github.com/steveyegge/ofmlsync/internal/ofml/catalog"
	"github.com/steveyegge/ofmlsync/internal/ofml/table"
)

// ErrNothingToWatch is returned by Start when no part could be watched.
var ErrNothingToWatch = errors.New("no loadable parts to watch")

// Publisher sends change events to the broadcaster.
type Publisher interface {
	Publish(ctx context.Context, payload any) error
}

// Config holds configuration for the daemon.
type Config struct {
	// Programs to watch. Empty means every active program in the profile.
	Programs []string
	Watch    WatchOptions
	Logger   *zap.Logger
}

// Daemon keeps the mirror in step with catalog edits. Every reloaded table
// is persisted (when a mirror is configured) and then announced through
// the publisher (when one is configured).
type Daemon struct {
	repo   *catalog.Repository
	mirror *db.DB
	pub    Publisher
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	watchers []*PartWatcher
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a daemon. mirror and pub may be nil.
func New(repo *catalog.Repository, mirror *db.DB, pub Publisher, cfg Config) *Daemon {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.Watch.Logger = logger
	return &Daemon{
		repo:   repo,
		mirror: mirror,
		pub:    pub,
		cfg:    cfg,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start loads the configured programs and watches every declared part that
// loads. Programs or parts that fail are logged and skipped.
func (d *Daemon) Start(ctx context.Context) error {
	names := d.cfg.Programs
	if len(names) == 0 {
		var err error
		if names, err = d.repo.ProgramNames(); err != nil {
			return fmt.Errorf("failed to read program names: %w", err)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, name := range names {
		res := d.repo.LoadProgram(name)
		prog, ok := res.Get()
		if !ok {
			d.logger.Warn("program not available", zap.String("program", name), zap.Error(res.Err()))
			continue
		}
		for _, part := range prog.LoadParts() {
			w := NewPartWatcher(part, d.handleChange, d.cfg.Watch)
			if err := w.Start(ctx); err != nil {
				d.logger.Warn("cannot watch part",
					zap.String("program", name), zap.Stringer("part", part.Kind), zap.Error(err))
				continue
			}
			d.watchers = append(d.watchers, w)
		}
	}

	if len(d.watchers) == 0 {
		return ErrNothingToWatch
	}
	d.logger.Info("daemon started", zap.Int("programs", len(names)), zap.Int("parts", len(d.watchers)))
	return nil
}

// Watchers returns the running part watchers.
func (d *Daemon) Watchers() []*PartWatcher {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*PartWatcher(nil), d.watchers...)
}

// Stop stops every watcher and waits for in-flight reloads.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	watchers := d.watchers
	d.watchers = nil
	d.mu.Unlock()

	var errs []error
	for _, w := range watchers {
		if err := w.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	d.stopOnce.Do(func() { close(d.done) })
	d.logger.Info("daemon stopped")
	return errors.Join(errs...)
}

// Wait blocks until Stop has finished.
func (d *Daemon) Wait() {
	<-d.done
}

// handleChange persists a reloaded table and announces it.
func (d *Daemon) handleChange(ctx context.Context, filename string, part *catalog.Part, ev Event) {
	res, ok := part.Table(table.LogicalName(filename))
	if !ok {
		return
	}
	t, ok := res.Get()
	if !ok {
		return
	}

	logger := d.logger.With(
		zap.String("program", part.Program),
		zap.Stringer("part", part.Kind),
		zap.String("file", filename),
		zap.Stringer("op", ev.Op))

	if d.mirror != nil {
		out, err := d.mirror.PersistTable(ctx, t, part.Program)
		if err != nil {
			logger.Error("live persist failed", zap.Error(err))
			return
		}
		logger.Info("table synced", zap.Int64("rows", out.Inserted))
	}

	if d.pub != nil {
		change := dashboard.NewChange(part.Program, part.Kind.String(), t.TargetName())
		if err := d.pub.Publish(ctx, change); err != nil {
			logger.Warn("failed to publish change", zap.Error(err))
		}
	}
}
