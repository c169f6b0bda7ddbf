package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/steveyegge/ofmlsync/internal/mirror/daemon"
	"github.com/steveyegge/ofmlsync/internal/mirror/dashboard"
	"github.com/steveyegge/ofmlsync/internal/ofml/catalog"
	"github.com/steveyegge/ofmlsync/internal/ui"
)

var watchCmd = &cobra.Command{
	Use:         "watch [root]",
	GroupID:     "sync",
	Short:       "Re-sync single tables when their catalog files change",
	Annotations: map[string]string{rootArgAnnotation: "true"},
	Args:        cobra.MaximumNArgs(1),
	Long: `Start the live sync daemon in the foreground.

The daemon watches the directory of every loaded part. When a known data
file is created or modified it:
  1. Reloads that one table
  2. Replaces the program's rows in the mirror
  3. Publishes {"command":"update",...} to the broadcaster, if configured

Duplicate events within the debounce interval and events caused by the
daemon's own reads are dropped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.RequireCatalog(); err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		mirror, err := openMirror(ctx, cfg)
		if err != nil {
			return err
		}
		defer mirror.Close()

		var pub daemon.Publisher
		if cfg.Broadcast.URL != "" {
			p, err := dashboard.Dial(ctx, cfg.Broadcast.URL, logger)
			if err != nil {
				logger.Warn("broadcaster unreachable, changes will not be published",
					zap.String("url", cfg.Broadcast.URL), zap.Error(err))
			} else {
				defer p.Close()
				pub = p
			}
		}

		repo := catalog.NewRepository(cfg.Repository.Root, cfg.Repository.Manufacturer, catalog.Options{
			Region:    cfg.Repository.Region,
			Languages: cfg.Repository.Languages,
			Logger:    logger,
		})
		d := daemon.New(repo, mirror, pub, daemon.Config{
			Programs: cfg.Repository.Programs,
			Watch: daemon.WatchOptions{
				Debounce:        cfg.Watch.Debounce,
				SelfEventWindow: cfg.Watch.SelfEventWindow,
				Initialize:      cfg.Watch.InitialSync,
			},
			Logger: logger,
		})

		if err := d.Start(ctx); err != nil {
			return fmt.Errorf("failed to start daemon: %w", err)
		}

		fmt.Printf("%s Watching %d parts under %s\n", ui.RenderAccent("→"), len(d.Watchers()), cfg.Repository.Root)
		if pub != nil {
			fmt.Printf("   Publishing to %s\n", cfg.Broadcast.URL)
		}
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		<-ctx.Done()
		fmt.Println("\nStopping daemon...")
		if err := d.Stop(); err != nil {
			return fmt.Errorf("error during shutdown: %w", err)
		}
		return nil
	},
}

func init() {
	watchCmd.Flags().Bool("initial-sync", false, "reload and persist every table on start")
	watchCmd.Flags().String("broadcast-url", "", "broadcaster websocket URL, e.g. ws://localhost:8765/ws")
	watchCmd.Flags().StringArray("program", nil, "watch only this program (repeatable)")
	rootCmd.AddCommand(watchCmd)
}
