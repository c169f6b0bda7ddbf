package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/steveyegge/ofmlsync/internal/config"
	"github.com/steveyegge/ofmlsync/internal/mirror/db"
	"github.com/steveyegge/ofmlsync/internal/mirror/load"
	"github.com/steveyegge/ofmlsync/internal/mirror/sync"
	"github.com/steveyegge/ofmlsync/internal/notify"
	"github.com/steveyegge/ofmlsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:         "sync [root]",
	GroupID:     "sync",
	Short:       "Load every active program of a catalog into the mirror",
	Annotations: map[string]string{rootArgAnnotation: "true"},
	Args:        cobra.MaximumNArgs(1),
	Long: `Run a full batch sync of an OFML catalog.

The sync:
  1. Reads the manufacturer profile and derives the program names
  2. Loads programs chunk by chunk, reading tables concurrently
  3. Replaces each program's rows in the mirror, table by table
  4. Records the run in sync_timestamp when nothing failed

Unreadable tables are counted and skipped. Any program or persist failure
makes the command exit with status 1 after the remaining programs ran.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		extractOnly, _ := cmd.Flags().GetBool("extract-only")
		if err := cfg.RequireCatalog(); err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		var mirror *db.DB
		if !extractOnly {
			var err error
			mirror, err = openMirror(ctx, cfg)
			if err != nil {
				return err
			}
			defer mirror.Close()
		}

		pipeline := sync.New(mirror, sync.Options{
			Manufacturer: cfg.Repository.Manufacturer,
			Region:       cfg.Repository.Region,
			Languages:    cfg.Repository.Languages,
			Programs:     cfg.Repository.Programs,
			Load: load.Options{
				ChunkSize:    cfg.Load.ChunkSize,
				TableWorkers: cfg.Load.TableWorkers,
				KeepInMemory: cfg.Repository.KeepInMemory,
			},
			Logger: logger,
		})

		fmt.Printf("%s Syncing %s...\n", ui.RenderAccent("→"), cfg.Repository.Root)
		report, err := pipeline.Run(ctx, cfg.Repository.Root)

		var notifier notify.Notifier = notify.LogNotifier{Logger: logger}
		if err != nil {
			body := fmt.Sprintf("%s\n\n%v", report, err)
			_ = notifier.Notify(ctx, notify.SubjectError, body)
			printReport(report)
			return fmt.Errorf("sync failed: %w", err)
		}
		_ = notifier.Notify(ctx, notify.SubjectSuccess, report.String())
		printReport(report)
		return nil
	},
}

func printReport(r sync.Report) {
	mark := ui.RenderPass("✓")
	if r.Load.ProgramsFailed > 0 || r.PersistFailed > 0 {
		mark = ui.RenderFail("✗")
	} else if r.Load.TablesFailed > 0 {
		mark = ui.RenderWarn("⚠")
	}

	fmt.Printf("%s Sync finished in %v\n", mark, r.Load.Duration)
	fmt.Printf("   Run:      %s\n", ui.RenderMuted(r.RunID))
	fmt.Printf("   Programs: %d (%d failed)\n", r.Load.Programs, r.Load.ProgramsFailed)
	fmt.Printf("   Tables:   %d read, %d unavailable\n", r.Load.Tables, r.Load.TablesFailed)
	fmt.Printf("   Mirror:   %d tables, %d rows, %d failed\n", r.TablesPersisted, r.Rows, r.PersistFailed)
	for _, col := range r.Healed {
		fmt.Printf("   %s added column %s\n", ui.RenderWarn("+"), col)
	}
	if r.Recorded {
		fmt.Printf("   Recorded in sync_timestamp\n")
	}
}

// openMirror connects to the configured mirror database.
func openMirror(ctx context.Context, c *config.Config) (*db.DB, error) {
	mirror, err := db.Open(ctx, db.Options{
		Driver:    c.Database.Driver,
		DSN:       c.Database.DSN,
		MaxConns:  c.Database.MaxConns,
		BatchSize: c.Database.BatchSize,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open mirror: %w", err)
	}
	return mirror, nil
}

func init() {
	syncCmd.Flags().Bool("extract-only", false, "read the catalog without writing to the mirror")
	syncCmd.Flags().StringArray("program", nil, "sync only this program (repeatable)")
	syncCmd.Flags().Int("chunk-size", 0, "programs loaded at once")
	rootCmd.AddCommand(syncCmd)
}
