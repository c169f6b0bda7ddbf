package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Load.ChunkSize != 5 {
		t.Errorf("ChunkSize = %d, want 5", cfg.Load.ChunkSize)
	}
	if cfg.Watch.Debounce != 200*time.Millisecond {
		t.Errorf("Debounce = %v", cfg.Watch.Debounce)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("Driver = %q", cfg.Database.Driver)
	}
	if len(cfg.Repository.Languages) != 4 {
		t.Errorf("Languages = %v", cfg.Repository.Languages)
	}
}

func TestLoadFileEnvAndOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ofmlsync.yaml")
	yaml := `repository:
  root: /srv/ofml
  manufacturer: kn
load:
  chunk_size: 3
watch:
  debounce: 500ms
database:
  driver: postgres
  dsn: postgres://localhost/ofml
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("OFMLSYNC_DATABASE_MAX_CONNS", "3")

	cfg, err := Load(path, map[string]any{"load.table_workers": 2})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Repository.Root != "/srv/ofml" || cfg.Repository.Manufacturer != "kn" {
		t.Errorf("repository = %+v", cfg.Repository)
	}
	if cfg.Load.ChunkSize != 3 || cfg.Load.TableWorkers != 2 {
		t.Errorf("load = %+v", cfg.Load)
	}
	if cfg.Watch.Debounce != 500*time.Millisecond {
		t.Errorf("Debounce = %v", cfg.Watch.Debounce)
	}
	if cfg.Database.MaxConns != 3 {
		t.Errorf("MaxConns from env = %d", cfg.Database.MaxConns)
	}
	if err := cfg.RequireCatalog(); err != nil {
		t.Errorf("RequireCatalog: %v", err)
	}
}

func TestValidateAggregates(t *testing.T) {
	cfg := &Config{
		Load:     LoadConfig{ChunkSize: 0, TableWorkers: 0},
		Database: DatabaseConfig{Driver: "oracle", MaxConns: 1, BatchSize: 1},
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"chunk_size", "table_workers", "database.driver"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil); err == nil {
		t.Error("expected error for missing explicit config file")
	}
}
