package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/ofmlsync/internal/config"
	"github.com/steveyegge/ofmlsync/internal/mirror/loadtest"
	"github.com/steveyegge/ofmlsync/internal/ui"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "sync",
	Short:   "Measure mirror write and read latency under concurrency",
	Long: `Populate a scratch mirror with synthetic programs and measure how it
behaves under concurrent table replacement.

The run:
  1. Persists --programs programs with --rows rows per table
  2. Re-persists them from --writers goroutines, --rounds times each
  3. Counts rows from --readers goroutines, --queries times each
  4. Checks that readers never see a half-replaced table

By default a temporary SQLite file is used. --use-config runs against the
configured database instead; its synthetic prog* rows are left behind.

Examples:
  ofmlsync loadtest
  ofmlsync loadtest --programs 50 --writers 16 --rows 2000
  ofmlsync loadtest --json`,
	RunE: runLoadtest,
}

func init() {
	loadtestCmd.Flags().Int("programs", 20, "number of synthetic programs")
	loadtestCmd.Flags().Int("rows", 500, "rows per table")
	loadtestCmd.Flags().Int("writers", 8, "concurrent writers")
	loadtestCmd.Flags().Int("rounds", 5, "rewrites per writer")
	loadtestCmd.Flags().Int("readers", 16, "concurrent readers")
	loadtestCmd.Flags().Int("queries", 20, "queries per reader")
	loadtestCmd.Flags().Duration("verify", 2*time.Second, "duration of the atomic replace check (0 skips it)")
	loadtestCmd.Flags().Bool("use-config", false, "run against the configured database")
	loadtestCmd.Flags().Bool("json", false, "output results as JSON")
	rootCmd.AddCommand(loadtestCmd)
}

func runLoadtest(cmd *cobra.Command, args []string) error {
	programs, _ := cmd.Flags().GetInt("programs")
	rows, _ := cmd.Flags().GetInt("rows")
	writers, _ := cmd.Flags().GetInt("writers")
	rounds, _ := cmd.Flags().GetInt("rounds")
	readers, _ := cmd.Flags().GetInt("readers")
	queries, _ := cmd.Flags().GetInt("queries")
	verify, _ := cmd.Flags().GetDuration("verify")
	useConfig, _ := cmd.Flags().GetBool("use-config")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	for name, v := range map[string]int{
		"programs": programs, "rows": rows, "writers": writers,
		"rounds": rounds, "readers": readers, "queries": queries,
	} {
		if v <= 0 {
			return fmt.Errorf("--%s must be positive", name)
		}
	}

	ctx := context.Background()
	dbCfg := *cfg
	if !useConfig {
		dir, err := os.MkdirTemp("", "ofmlsync-loadtest-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)
		dbCfg.Database = config.DatabaseConfig{
			Driver:    "sqlite",
			DSN:       filepath.Join(dir, "load.db"),
			MaxConns:  cfg.Database.MaxConns,
			BatchSize: cfg.Database.BatchSize,
		}
	}

	mirror, err := openMirror(ctx, &dbCfg)
	if err != nil {
		return err
	}
	defer mirror.Close()

	if !jsonOutput {
		fmt.Printf("%s Populating %d programs x %d rows (%s)...\n",
			ui.RenderAccent("→"), programs, rows, dbCfg.Database.Driver)
	}
	fixture, err := loadtest.CreateFixture(ctx, mirror, programs, rows)
	if err != nil {
		return err
	}

	writes, err := fixture.RunConcurrentWriters(ctx, writers, rounds)
	if err != nil {
		return fmt.Errorf("writers: %w", err)
	}
	reads, err := fixture.RunConcurrentReaders(ctx, readers, queries)
	if err != nil {
		return fmt.Errorf("readers: %w", err)
	}

	var verifyErr error
	if verify > 0 {
		verifyErr = fixture.VerifyAtomicReplace(ctx, readers, verify)
	}

	if jsonOutput {
		out := map[string]any{
			"writes": summarize(writes),
			"reads":  summarize(reads),
			"atomic": verifyErr == nil,
		}
		if verifyErr != nil {
			out["atomic_error"] = verifyErr.Error()
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return err
		}
	} else {
		fmt.Println("\nWrites (PersistTable)")
		writes.WriteStats(os.Stdout)
		fmt.Println("\nReads (Count)")
		reads.WriteStats(os.Stdout)
		fmt.Println()
		switch {
		case verify <= 0:
		case verifyErr == nil:
			fmt.Printf("%s Atomic replace held for %v\n", ui.RenderPass("✓"), verify)
		default:
			fmt.Printf("%s Atomic replace violated: %v\n", ui.RenderFail("✗"), verifyErr)
		}
	}

	switch {
	case verifyErr != nil:
		return fmt.Errorf("atomic replace: %w", verifyErr)
	case writes.Errors > 0 || reads.Errors > 0:
		return fmt.Errorf("%d write and %d read errors", writes.Errors, reads.Errors)
	}
	return nil
}

// summarize drops the raw durations for JSON output.
func summarize(s *loadtest.LatencyStats) map[string]any {
	return map[string]any{
		"operations": s.Operations,
		"errors":     s.Errors,
		"min_ms":     ms(s.Min),
		"p50_ms":     ms(s.P50),
		"mean_ms":    ms(s.Mean),
		"p95_ms":     ms(s.P95),
		"p99_ms":     ms(s.P99),
		"max_ms":     ms(s.Max),
	}
}

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
