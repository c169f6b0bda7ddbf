package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/steveyegge/ofmlsync/internal/config"
	"github.com/steveyegge/ofmlsync/internal/logging"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string

	// Set by the root PersistentPreRun for every subcommand.
	cfg         *config.Config
	logger      *zap.Logger
	flushLogger = func() {}
)

// configFlags maps subcommand flags to the config keys they override when
// set explicitly.
var configFlags = map[string]string{
	"chunk-size":    "load.chunk_size",
	"program":       "repository.programs",
	"initial-sync":  "watch.initial_sync",
	"broadcast-url": "broadcast.url",
	"addr":          "broadcast.addr",
}

// rootArgAnnotation marks commands whose first argument is the catalog root.
const rootArgAnnotation = "catalog-root-arg"

var rootCmd = &cobra.Command{
	Use:   "ofmlsync",
	Short: "Mirror OFML furniture catalogs into a SQL database",
	Long: `ofmlsync reads OFML catalogs (profiles, registries, descriptors and
delimited data files) and keeps a SQL mirror of every table in step.

  ofmlsync sync /srv/ofml        # full batch load
  ofmlsync watch                 # live re-sync of edited tables
  ofmlsync broadcast             # change broadcaster for dashboards
  ofmlsync programs /srv/ofml    # list programs and their parts`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		overrides := flagValues(cmd)
		if _, ok := cmd.Annotations[rootArgAnnotation]; ok && len(args) > 0 {
			overrides["repository.root"] = args[0]
		}
		if logLevel != "" {
			overrides["logging.level"] = logLevel
		}
		if logFormat != "" {
			overrides["logging.format"] = logFormat
		}

		c, err := config.Load(cfgFile, overrides)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		l, flush, err := logging.New(c.Logging)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		cfg, logger, flushLogger = c, l, flush
	},
}

// flagValues collects the explicitly set flags of cmd that override config
// keys.
func flagValues(cmd *cobra.Command) map[string]any {
	out := map[string]any{}
	for name, key := range configFlags {
		f := cmd.Flags().Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		switch f.Value.Type() {
		case "int":
			v, _ := cmd.Flags().GetInt(name)
			out[key] = v
		case "bool":
			v, _ := cmd.Flags().GetBool(name)
			out[key] = v
		case "stringArray":
			v, _ := cmd.Flags().GetStringArray(name)
			out[key] = v
		default:
			out[key] = f.Value.String()
		}
	}
	return out
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "catalog", Title: "Catalog Commands:"},
	)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./ofmlsync.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (json, console)")
}

func main() {
	// RunE errors are printed by cobra after the command's defers ran.
	err := rootCmd.Execute()
	flushLogger()
	if err != nil {
		os.Exit(1)
	}
}
