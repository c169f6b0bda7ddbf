// Package loadtest exercises the mirror under concurrent persistence.
//
// A Fixture populates a mirror with synthetic programs, each owning one
// article and one price table. Writers then replace their programs' rows
// over and over while readers check that every program always sees either
// its complete row set or nothing, never a half-written table.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/steveyegge/ofmlsync/internal/mirror/db"
	"github.com/steveyegge/ofmlsync/internal/ofml"
	"github.com/steveyegge/ofmlsync/internal/ofml/table"
)

// Fixture is a mirror populated with synthetic programs.
type Fixture struct {
	DB       *db.DB
	Programs []string
	// Tables holds the tables of each program, persisted by CreateFixture.
	Tables       map[string][]*table.Table
	RowsPerTable int
}

// LatencyStats captures per-operation latencies of a run.
type LatencyStats struct {
	Min        time.Duration
	Max        time.Duration
	Mean       time.Duration
	P50        time.Duration
	P95        time.Duration
	P99        time.Duration
	Operations int
	Errors     int
	Durations  []time.Duration
}

// CreateFixture persists numPrograms synthetic programs into mirror, each
// with rowsPerTable rows in ocd_article and ocd_price.
func CreateFixture(ctx context.Context, mirror *db.DB, numPrograms, rowsPerTable int) (*Fixture, error) {
	f := &Fixture{
		DB:           mirror,
		Tables:       make(map[string][]*table.Table, numPrograms),
		RowsPerTable: rowsPerTable,
	}

	// Deterministic prices for reproducibility.
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < numPrograms; i++ {
		program := fmt.Sprintf("prog%03d", i)
		tables := generateTables(program, rowsPerTable, rng)
		for _, t := range tables {
			if _, err := mirror.PersistTable(ctx, t, program); err != nil {
				return nil, fmt.Errorf("failed to persist %s for %s: %w", t.Filename, program, err)
			}
		}
		f.Programs = append(f.Programs, program)
		f.Tables[program] = tables
	}
	return f, nil
}

// generateTables builds the article and price tables of one program.
func generateTables(program string, rows int, rng *rand.Rand) []*table.Table {
	now := time.Now()
	article := &table.Table{
		Filename:   "ocd_article.csv",
		Path:       program + "/db/ocd_article.csv",
		Kind:       ofml.OCD,
		Columns:    []string{"ArticleID", "ShortText", "Series"},
		Types:      []table.ColumnType{table.String, table.String, table.String},
		ReadAt:     now,
		ModifiedAt: now,
	}
	price := &table.Table{
		Filename:   "ocd_price.csv",
		Path:       program + "/db/ocd_price.csv",
		Kind:       ofml.OCD,
		Columns:    []string{"ArticleID", "Price", "Qty"},
		Types:      []table.ColumnType{table.String, table.Float, table.Int},
		ReadAt:     now,
		ModifiedAt: now,
	}
	for i := 0; i < rows; i++ {
		id := fmt.Sprintf("%s-%05d", program, i)
		article.Rows = append(article.Rows, []any{id, fmt.Sprintf("Article %d", i), program})
		price.Rows = append(price.Rows, []any{id, float64(rng.Intn(100000)) / 100, int64(1 + i%10)})
	}
	return []*table.Table{article, price}
}

// RunConcurrentWriters starts one writer per program (up to writers) that
// re-persists the program's tables rounds times. Every PersistTable call is
// one operation.
func (f *Fixture) RunConcurrentWriters(ctx context.Context, writers, rounds int) (*LatencyStats, error) {
	if writers > len(f.Programs) {
		writers = len(f.Programs)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		all  []time.Duration
		errs int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(program string) {
			defer wg.Done()
			durations := make([]time.Duration, 0, rounds*2)
			failed := 0
			for r := 0; r < rounds; r++ {
				for _, t := range f.Tables[program] {
					start := time.Now()
					_, err := f.DB.PersistTable(ctx, t, program)
					durations = append(durations, time.Since(start))
					if err != nil {
						failed++
					}
				}
			}
			mu.Lock()
			all = append(all, durations...)
			errs += failed
			mu.Unlock()
		}(f.Programs[i])
	}
	wg.Wait()

	if len(all) == 0 {
		return nil, fmt.Errorf("no writes completed")
	}
	stats := computeLatencyStats(all)
	stats.Errors = errs
	return stats, nil
}

// RunConcurrentReaders runs readers goroutines, each counting the rows of
// random programs queries times.
func (f *Fixture) RunConcurrentReaders(ctx context.Context, readers, queries int) (*LatencyStats, error) {
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		all []time.Duration
	)
	errCh := make(chan error, readers)

	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			durations := make([]time.Duration, 0, queries)
			for q := 0; q < queries; q++ {
				program := f.Programs[rng.Intn(len(f.Programs))]
				start := time.Now()
				_, err := f.DB.Count(ctx, "ocd_article", program)
				durations = append(durations, time.Since(start))
				if err != nil {
					errCh <- fmt.Errorf("reader %d query %d failed: %w", seed, q, err)
					return
				}
			}
			mu.Lock()
			all = append(all, durations...)
			mu.Unlock()
		}(int64(i))
	}
	wg.Wait()
	close(errCh)

	errs := 0
	for range errCh {
		errs++
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("no successful queries completed")
	}
	stats := computeLatencyStats(all)
	stats.Errors = errs
	return stats, nil
}

// VerifyAtomicReplace rewrites every program continuously for duration
// while readers assert that each program's article count is always either
// RowsPerTable or zero.
func (f *Fixture) VerifyAtomicReplace(ctx context.Context, readers int, duration time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, readers+len(f.Programs))

	for _, program := range f.Programs {
		wg.Add(1)
		go func(program string) {
			defer wg.Done()
			for ctx.Err() == nil {
				for _, t := range f.Tables[program] {
					if _, err := f.DB.PersistTable(ctx, t, program); err != nil && ctx.Err() == nil {
						errCh <- fmt.Errorf("writer %s failed: %w", program, err)
						return
					}
				}
			}
		}(program)
	}

	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(reader int) {
			defer wg.Done()
			for ctx.Err() == nil {
				for _, program := range f.Programs {
					n, err := f.DB.Count(ctx, "ocd_article", program)
					if err != nil {
						if ctx.Err() == nil {
							errCh <- fmt.Errorf("reader %d failed: %w", reader, err)
						}
						return
					}
					if n != 0 && n != f.RowsPerTable {
						errCh <- fmt.Errorf("reader %d saw %d rows for %s, want 0 or %d", reader, n, program, f.RowsPerTable)
						return
					}
				}
				time.Sleep(time.Millisecond)
			}
		}(i)
	}

	wg.Wait()
	close(errCh)
	for err := range errCh {
		return err
	}
	return nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:        sorted[0],
		Max:        sorted[len(sorted)-1],
		Mean:       sum / time.Duration(len(durations)),
		P50:        sorted[len(sorted)*50/100],
		P95:        sorted[len(sorted)*95/100],
		P99:        sorted[len(sorted)*99/100],
		Operations: len(durations),
		Durations:  sorted,
	}
}

// WriteStats formats latency statistics to w.
func (s *LatencyStats) WriteStats(w io.Writer) {
	fmt.Fprintf(w, "Latency Statistics:\n")
	fmt.Fprintf(w, "  Operations:    %d\n", s.Operations)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
