// Package load drives concurrent extraction of many catalog programs.
//
// Programs are processed in fixed-size chunks. Inside a chunk every
// program loads its registry and declared parts concurrently, and every
// data file read is an independent unit sharing one bounded pool of
// workers. A chunk runs to completion before the next one starts, which
// caps open files and memory.
package load

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/steveyegge/ofmlsync/internal/metrics"
	"github.com/steveyegge/ofmlsync/internal/ofml"
	"github.com/steveyegge/ofmlsync/internal/ofml/catalog"
	"github.com/steveyegge/ofmlsync/internal/ofml/table"
)

// Defaults for Options.
const (
	DefaultChunkSize    = 5
	DefaultTableWorkers = 16
)

// Options bounds the orchestrator's concurrency.
type Options struct {
	// ChunkSize is how many programs are loaded at once.
	ChunkSize int
	// TableWorkers caps simultaneous data file reads within a chunk.
	TableWorkers int
	// KeepInMemory leaves loaded programs attached to the repository after
	// the sink has seen them.
	KeepInMemory bool
	Logger       *zap.Logger
}

// TableFailure is one data file that could not be read.
type TableFailure struct {
	Part     ofml.Kind
	Filename string
	Err      error
}

// ProgramResult is everything extracted for one program.
type ProgramResult struct {
	Name    string
	Program ofml.Result[*catalog.Program]
	// Tables holds the materialized tables only.
	Tables []*table.Table
	// PartFailures records declared parts whose layout could not be read.
	PartFailures map[ofml.Kind]error
	Failures     []TableFailure
}

// Err summarizes why the program failed as a whole, or nil.
func (r ProgramResult) Err() error {
	return r.Program.Err()
}

// Sink receives each program once its chunk has finished loading. A nil
// Sink runs the orchestrator in pure extraction mode.
type Sink func(ctx context.Context, res ProgramResult) error

// Summary aggregates a run.
type Summary struct {
	Programs       int
	ProgramsFailed int
	Tables         int
	TablesFailed   int
	Duration       time.Duration
}

// Orchestrator loads programs from a repository.
type Orchestrator struct {
	repo   *catalog.Repository
	opts   Options
	logger *zap.Logger
}

// New returns an Orchestrator over repo.
func New(repo *catalog.Repository, opts Options) *Orchestrator {
	if opts.ChunkSize < 1 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.TableWorkers < 1 {
		opts.TableWorkers = DefaultTableWorkers
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{repo: repo, opts: opts, logger: logger}
}

// Run loads names chunk by chunk and hands every program to sink. Failures
// of single programs, parts, tables or sink calls never stop the run; they
// are counted and returned joined. Run stops between chunks when ctx is
// cancelled.
func (o *Orchestrator) Run(ctx context.Context, names []string, sink Sink) (Summary, error) {
	start := time.Now()
	var (
		summary Summary
		errs    []error
	)

	for lo := 0; lo < len(names); lo += o.opts.ChunkSize {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		hi := min(lo+o.opts.ChunkSize, len(names))
		chunk := names[lo:hi]
		o.logger.Debug("loading chunk", zap.Strings("programs", chunk))

		results := o.loadChunk(ctx, chunk)
		for _, res := range results {
			summary.Programs++
			summary.Tables += len(res.Tables)
			summary.TablesFailed += len(res.Failures)

			if err := res.Err(); err != nil {
				summary.ProgramsFailed++
				errs = append(errs, fmt.Errorf("program %s: %w", res.Name, err))
				continue
			}

			if sink != nil {
				if err := sink(ctx, res); err != nil {
					summary.ProgramsFailed++
					errs = append(errs, fmt.Errorf("program %s: %w", res.Name, err))
				}
			}
			if !o.opts.KeepInMemory {
				o.repo.Forget(res.Name)
			}
		}
	}

	summary.Duration = time.Since(start)
	o.logger.Info("load finished",
		zap.Int("programs", summary.Programs),
		zap.Int("programs_failed", summary.ProgramsFailed),
		zap.Int("tables", summary.Tables),
		zap.Int("tables_failed", summary.TablesFailed),
		zap.Duration("duration", summary.Duration))
	return summary, errors.Join(errs...)
}

// LoadProgram loads a single program outside of any chunking.
func (o *Orchestrator) LoadProgram(ctx context.Context, name string) ProgramResult {
	return o.loadChunk(ctx, []string{name})[0]
}

func (o *Orchestrator) loadChunk(ctx context.Context, names []string) []ProgramResult {
	results := make([]ProgramResult, len(names))
	sem := semaphore.NewWeighted(int64(o.opts.TableWorkers))

	// Units report failure through their results, so the group never
	// cancels siblings.
	var g errgroup.Group
	for i, name := range names {
		g.Go(func() error {
			results[i] = o.loadProgram(ctx, name, sem)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (o *Orchestrator) loadProgram(ctx context.Context, name string, sem *semaphore.Weighted) ProgramResult {
	res := ProgramResult{Name: name, PartFailures: make(map[ofml.Kind]error)}

	res.Program = o.repo.LoadProgram(name)
	prog, ok := res.Program.Get()
	metrics.ProgramsLoaded.WithLabelValues(metrics.Status(ok)).Inc()
	if !ok {
		o.logger.Warn("program not available", zap.String("program", name), zap.Error(res.Program.Err()))
		return res
	}

	var (
		mu    sync.Mutex
		parts []*catalog.Part
		g     errgroup.Group
	)
	for _, k := range prog.DeclaredKinds() {
		g.Go(func() error {
			partRes := prog.LoadPart(k)
			mu.Lock()
			defer mu.Unlock()
			if part, ok := partRes.Get(); ok {
				parts = append(parts, part)
			} else {
				res.PartFailures[k] = partRes.Err()
				o.logger.Warn("part not available",
					zap.String("program", name), zap.Stringer("part", k), zap.Error(partRes.Err()))
			}
			return nil
		})
	}
	_ = g.Wait()

	var tg errgroup.Group
	for _, part := range parts {
		for _, filename := range part.Filenames() {
			tg.Go(func() error {
				if err := sem.Acquire(ctx, 1); err != nil {
					mu.Lock()
					res.Failures = append(res.Failures, TableFailure{Part: part.Kind, Filename: filename, Err: err})
					mu.Unlock()
					return nil
				}
				defer sem.Release(1)

				tblRes := part.ReadTable(filename)
				metrics.TablesLoaded.WithLabelValues(part.Kind.String(), metrics.Status(tblRes.Available())).Inc()
				if !tblRes.Available() {
					mu.Lock()
					res.Failures = append(res.Failures, TableFailure{Part: part.Kind, Filename: filename, Err: tblRes.Err()})
					mu.Unlock()
					o.logger.Debug("table not available",
						zap.String("program", name),
						zap.Stringer("part", part.Kind),
						zap.String("file", filename),
						zap.Error(tblRes.Err()))
				}
				return nil
			})
		}
	}
	_ = tg.Wait()

	res.Tables = prog.Tables()
	return res
}
