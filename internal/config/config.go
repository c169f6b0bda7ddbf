// Package config loads ofmlsync settings from an optional YAML file,
// OFMLSYNC_* environment variables and command-line overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/steveyegge/ofmlsync/internal/logging"
)

// EnvPrefix is prepended to every environment override, e.g.
// OFMLSYNC_DATABASE_DSN.
const EnvPrefix = "OFMLSYNC"

// Config is the full ofmlsync configuration.
type Config struct {
	Repository RepositoryConfig `mapstructure:"repository"`
	Load       LoadConfig       `mapstructure:"load"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Watch      WatchConfig      `mapstructure:"watch"`
	Broadcast  BroadcastConfig  `mapstructure:"broadcast"`
	Logging    logging.Config   `mapstructure:"logging"`
}

// RepositoryConfig locates the catalog.
type RepositoryConfig struct {
	Root         string   `mapstructure:"root"`
	Manufacturer string   `mapstructure:"manufacturer"`
	Region       string   `mapstructure:"region"`
	Languages    []string `mapstructure:"languages"`
	// Programs restricts a run to these names. Empty means every active
	// program in the profile.
	Programs     []string `mapstructure:"programs"`
	KeepInMemory bool     `mapstructure:"keep_in_memory"`
}

// LoadConfig bounds extraction concurrency.
type LoadConfig struct {
	ChunkSize    int `mapstructure:"chunk_size"`
	TableWorkers int `mapstructure:"table_workers"`
}

// DatabaseConfig selects the mirror.
type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver    string `mapstructure:"driver"`
	DSN       string `mapstructure:"dsn"`
	MaxConns  int    `mapstructure:"max_conns"`
	BatchSize int    `mapstructure:"batch_size"`
}

// WatchConfig tunes live sync.
type WatchConfig struct {
	Debounce        time.Duration `mapstructure:"debounce"`
	SelfEventWindow time.Duration `mapstructure:"self_event_window"`
	InitialSync     bool          `mapstructure:"initial_sync"`
}

// BroadcastConfig configures the change broadcaster and its producer client.
type BroadcastConfig struct {
	Addr string `mapstructure:"addr"`
	// URL is where the watch daemon publishes changes. Empty disables
	// publishing.
	URL string `mapstructure:"url"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("repository.root", ".")
	v.SetDefault("repository.manufacturer", "")
	v.SetDefault("repository.region", "DE")
	v.SetDefault("repository.languages", []string{"de", "en", "fr", "nl"})
	v.SetDefault("repository.programs", []string{})
	v.SetDefault("repository.keep_in_memory", false)

	v.SetDefault("load.chunk_size", 5)
	v.SetDefault("load.table_workers", 16)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "ofml.db")
	v.SetDefault("database.max_conns", 8)
	v.SetDefault("database.batch_size", 500)

	v.SetDefault("watch.debounce", 200*time.Millisecond)
	v.SetDefault("watch.self_event_window", 2*time.Second)
	v.SetDefault("watch.initial_sync", false)

	v.SetDefault("broadcast.addr", ":8765")
	v.SetDefault("broadcast.url", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)
}

// Load reads configuration. file may be empty, in which case ofmlsync.yaml
// is searched in the working directory and $HOME/.config/ofmlsync; a
// missing file is not an error. overrides are applied last, keyed by
// dotted path ("database.dsn").
func Load(file string, overrides map[string]any) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("ofmlsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "ofmlsync"))
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	for key, value := range overrides {
		v.Set(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Load.ChunkSize < 1 {
		errs = append(errs, fmt.Errorf("load.chunk_size must be at least 1, got %d", c.Load.ChunkSize))
	}
	if c.Load.TableWorkers < 1 {
		errs = append(errs, fmt.Errorf("load.table_workers must be at least 1, got %d", c.Load.TableWorkers))
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver))
	}
	if c.Database.MaxConns < 1 {
		errs = append(errs, fmt.Errorf("database.max_conns must be at least 1, got %d", c.Database.MaxConns))
	}
	if c.Database.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("database.batch_size must be at least 1, got %d", c.Database.BatchSize))
	}
	if c.Watch.Debounce < 0 {
		errs = append(errs, fmt.Errorf("watch.debounce must not be negative"))
	}
	if c.Watch.SelfEventWindow < 0 {
		errs = append(errs, fmt.Errorf("watch.self_event_window must not be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// RequireCatalog checks the settings every catalog-reading command needs.
func (c *Config) RequireCatalog() error {
	var errs []error
	if c.Repository.Root == "" {
		errs = append(errs, errors.New("repository.root is required"))
	}
	if c.Repository.Manufacturer == "" {
		errs = append(errs, errors.New("repository.manufacturer is required"))
	}
	return errors.Join(errs...)
}
