package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/steveyegge/ofmlsync/internal/mirror/dashboard"
	"github.com/steveyegge/ofmlsync/internal/ui"
)

const defaultValueInterval = 30 * time.Second

var broadcastCmd = &cobra.Command{
	Use:     "broadcast",
	GroupID: "sync",
	Short:   "Run the change broadcaster for dashboards",
	Long: `Start the websocket broadcaster that relays change events from the
watch daemon to every connected dashboard.

Protocol (ws://<addr>/ws), every message is {"who": ..., "payload": ...}:
  - the producer sends {"who":"server","payload":"init"} once
  - later producer messages have their payload relayed verbatim
  - subscriber messages are ignored
  - a second producer is rejected

Other endpoints:
  /health   subscriber count and producer state
  /metrics  Prometheus metrics
  /value    time and root of the last recorded batch sync

Example:
  ofmlsync broadcast --addr :8765
  ofmlsync watch --broadcast-url ws://localhost:8765/ws`,
	RunE: func(cmd *cobra.Command, args []string) error {
		interval, _ := cmd.Flags().GetDuration("value-interval")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		serverCfg := dashboard.Config{Addr: cfg.Broadcast.Addr, Logger: logger}

		mirror, err := openMirror(ctx, cfg)
		if err != nil {
			logger.Warn("mirror unavailable, /value disabled", zap.Error(err))
		} else {
			defer mirror.Close()
			values := dashboard.NewCachedValue(dashboard.LastRunLoader(mirror), logger)
			go values.Run(ctx, interval)
			serverCfg.Values = values
		}

		server := dashboard.NewServer(serverCfg)
		if err := server.Start(); err != nil {
			return fmt.Errorf("failed to start broadcaster: %w", err)
		}

		fmt.Printf("%s Broadcaster listening on %s\n", ui.RenderAccent("→"), server.Addr())
		fmt.Printf("   WebSocket: ws://%s/ws\n", server.Addr())
		fmt.Printf("   Health:    http://%s/health\n", server.Addr())
		fmt.Println("\nPress Ctrl+C to stop...")

		<-ctx.Done()

		fmt.Println("\nShutting down broadcaster...")
		if err := server.Stop(); err != nil {
			return fmt.Errorf("error during shutdown: %w", err)
		}
		fmt.Println("Broadcaster stopped")
		return nil
	},
}

func init() {
	broadcastCmd.Flags().String("addr", "", "address to listen on (default :8765)")
	broadcastCmd.Flags().Duration("value-interval", defaultValueInterval, "refresh interval of /value")
	rootCmd.AddCommand(broadcastCmd)
}
