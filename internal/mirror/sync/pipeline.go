package sync

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/steveyegge/ofmlsync/internal/mirror/db"
	"github.com/steveyegge/ofmlsync/internal/mirror/load"
	"github.com/steveyegge/ofmlsync/internal/ofml/catalog"
)

// ErrRunning is returned when Run is called while another run of the same
// Pipeline is in progress.
var ErrRunning = errors.New("sync already running")

// Options configures a Pipeline.
type Options struct {
	Manufacturer string
	Region       string
	Languages    []string
	// Programs restricts the run. Empty means every active program of the
	// manufacturer profile.
	Programs []string
	Load     load.Options
	Logger   *zap.Logger
}

// Report summarizes one run.
type Report struct {
	RunID   string
	Root    string
	Started time.Time
	Load    load.Summary

	TablesPersisted int
	PersistFailed   int
	Rows            int64
	// Healed lists "target.column" for every column added to the mirror.
	Healed []string
	// Recorded is true when the run was written to the run table.
	Recorded bool
}

// String renders the report as a one-line summary suitable for a
// notification body.
func (r Report) String() string {
	return fmt.Sprintf("run %s from %s: %d programs (%d failed), %d tables read (%d unavailable), "+
		"%d persisted (%d failed), %d rows in %s",
		r.RunID, r.Root,
		r.Load.Programs, r.Load.ProgramsFailed,
		r.Load.Tables, r.Load.TablesFailed,
		r.TablesPersisted, r.PersistFailed, r.Rows,
		r.Load.Duration.Round(time.Millisecond))
}

// Pipeline extracts a catalog and writes it to the mirror.
type Pipeline struct {
	mirror  *db.DB
	opts    Options
	logger  *zap.Logger
	running atomic.Bool
	last    atomic.Pointer[Report]
}

// New returns a Pipeline writing to mirror. A nil mirror runs extraction
// only.
func New(mirror *db.DB, opts Options) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{mirror: mirror, opts: opts, logger: logger}
}

// RunFullSync implements Runner.
func (p *Pipeline) RunFullSync(ctx context.Context, root string) error {
	_, err := p.Run(ctx, root)
	return err
}

// Running reports whether a run is in progress.
func (p *Pipeline) Running() bool { return p.running.Load() }

// Last returns the report of the most recent finished run.
func (p *Pipeline) Last() (Report, bool) {
	r := p.last.Load()
	if r == nil {
		return Report{}, false
	}
	return *r, true
}

// Run syncs every selected program under root.
func (p *Pipeline) Run(ctx context.Context, root string) (Report, error) {
	if !p.running.CompareAndSwap(false, true) {
		return Report{}, ErrRunning
	}
	defer p.running.Store(false)

	report := Report{RunID: uuid.NewString(), Root: root, Started: time.Now()}
	logger := p.logger.With(zap.String("run_id", report.RunID), zap.String("root", root))

	repo := catalog.NewRepository(root, p.opts.Manufacturer, catalog.Options{
		Region:    p.opts.Region,
		Languages: p.opts.Languages,
		Logger:    logger,
	})

	names := p.opts.Programs
	if len(names) == 0 {
		var err error
		if names, err = repo.ProgramNames(); err != nil {
			return report, fmt.Errorf("failed to read program names: %w", err)
		}
	}
	logger.Info("starting sync",
		zap.Int("programs", len(names)),
		zap.Bool("extract_only", p.mirror == nil))

	loadOpts := p.opts.Load
	loadOpts.Logger = logger
	orch := load.New(repo, loadOpts)

	var sink load.Sink
	if p.mirror != nil {
		sink = func(ctx context.Context, res load.ProgramResult) error {
			return p.persist(ctx, res, &report)
		}
	}

	summary, err := orch.Run(ctx, names, sink)
	report.Load = summary

	if err == nil && p.mirror != nil {
		if err = p.mirror.RecordRun(ctx, root, time.Now()); err == nil {
			report.Recorded = true
		}
	}

	p.last.Store(&report)
	if err != nil {
		logger.Error("sync finished with errors", zap.Stringer("report", report), zap.Error(err))
		return report, err
	}
	logger.Info("sync finished", zap.Stringer("report", report))
	return report, nil
}

// persist is the orchestrator sink. The orchestrator calls it from a single
// goroutine, so report needs no lock.
func (p *Pipeline) persist(ctx context.Context, res load.ProgramResult, report *Report) error {
	outcomes, err := p.mirror.PersistProgram(ctx, res.Name, res.Tables)
	for _, out := range outcomes {
		if out.Err != nil {
			report.PersistFailed++
			continue
		}
		report.TablesPersisted++
		report.Rows += out.Inserted
		for _, col := range out.Healed {
			report.Healed = append(report.Healed, out.Target+"."+col)
		}
	}
	return err
}
