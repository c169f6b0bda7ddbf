package sync

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/steveyegge/ofmlsync/internal/mirror/db"
	"github.com/steveyegge/ofmlsync/internal/ofml/catalog/catalogtest"
)

// setupMirror opens a temporary sqlite mirror.
func setupMirror(t *testing.T) *db.DB {
	t.Helper()

	mirror, err := db.Open(context.Background(), db.Options{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "mirror.db"),
	})
	if err != nil {
		t.Fatalf("failed to open mirror: %v", err)
	}
	t.Cleanup(func() { mirror.Close() })
	return mirror
}

func TestRunFullSync(t *testing.T) {
	ctx := context.Background()
	root := catalogtest.WriteDemo(t)
	mirror := setupMirror(t)

	p := New(mirror, Options{Manufacturer: catalogtest.Manufacturer})
	report, err := p.Run(ctx, root)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.RunID == "" {
		t.Error("expected a run id")
	}
	if report.Load.Programs != 2 {
		t.Errorf("Programs = %d, want 2", report.Load.Programs)
	}
	if report.TablesPersisted != 8 || report.PersistFailed != 0 {
		t.Errorf("persisted = %d, failed = %d", report.TablesPersisted, report.PersistFailed)
	}
	if !report.Recorded {
		t.Error("run was not recorded")
	}

	for program, want := range map[string]int{"demo": 2, "talos": 3} {
		n, err := mirror.Count(ctx, "ocd_article", program)
		if err != nil {
			t.Fatalf("Count(%s) failed: %v", program, err)
		}
		if n != want {
			t.Errorf("ocd_article rows for %s = %d, want %d", program, n, want)
		}
	}

	n, err := mirror.Count(ctx, "go_de_sr", "talos")
	if err != nil || n != 2 {
		t.Errorf("go_de_sr rows = %d, %v", n, err)
	}

	_, recordedRoot, ok, err := mirror.LastRun(ctx)
	if err != nil || !ok {
		t.Fatalf("LastRun = %v, %v", ok, err)
	}
	if recordedRoot != root {
		t.Errorf("recorded root = %q, want %q", recordedRoot, root)
	}

	last, ok := p.Last()
	if !ok || last.RunID != report.RunID {
		t.Errorf("Last() = %+v, %v", last, ok)
	}
	if p.Running() {
		t.Error("pipeline still marked running")
	}
}

func TestRunTwiceIsStable(t *testing.T) {
	ctx := context.Background()
	root := catalogtest.WriteDemo(t)
	mirror := setupMirror(t)
	p := New(mirror, Options{Manufacturer: catalogtest.Manufacturer})

	if err := p.RunFullSync(ctx, root); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := p.RunFullSync(ctx, root); err != nil {
		t.Fatalf("second run: %v", err)
	}

	n, _ := mirror.Count(ctx, "ocd_price", "talos")
	if n != 2 {
		t.Errorf("ocd_price rows after two runs = %d, want 2", n)
	}
}

func TestRunExtractOnly(t *testing.T) {
	root := catalogtest.WriteDemo(t)
	p := New(nil, Options{Manufacturer: catalogtest.Manufacturer})

	report, err := p.Run(context.Background(), root)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Load.Tables != 8 {
		t.Errorf("Tables = %d, want 8", report.Load.Tables)
	}
	if report.TablesPersisted != 0 || report.Recorded {
		t.Errorf("extract-only run wrote to a mirror: %+v", report)
	}
}

func TestRunSelectedPrograms(t *testing.T) {
	root := catalogtest.WriteDemo(t)
	mirror := setupMirror(t)
	p := New(mirror, Options{Manufacturer: catalogtest.Manufacturer, Programs: []string{"demo"}})

	report, err := p.Run(context.Background(), root)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Load.Programs != 1 || report.TablesPersisted != 1 {
		t.Errorf("report = %s", report)
	}
}

func TestRunUnknownProgramIsNotRecorded(t *testing.T) {
	ctx := context.Background()
	root := catalogtest.WriteDemo(t)
	mirror := setupMirror(t)
	p := New(mirror, Options{Manufacturer: catalogtest.Manufacturer, Programs: []string{"demo", "ghost"}})

	report, err := p.Run(ctx, root)
	if err == nil || !strings.Contains(err.Error(), "ghost") {
		t.Fatalf("expected error naming ghost, got %v", err)
	}
	if report.TablesPersisted != 1 {
		t.Errorf("demo should still be persisted, got %d tables", report.TablesPersisted)
	}
	if report.Recorded {
		t.Error("failed run was recorded")
	}
	if _, _, ok, _ := mirror.LastRun(ctx); ok {
		t.Error("run table written for a failed run")
	}
}

func TestRunMissingProfile(t *testing.T) {
	p := New(nil, Options{Manufacturer: "nobody"})
	if _, err := p.Run(context.Background(), t.TempDir()); err == nil {
		t.Fatal("expected error for a root without profile")
	}
}

func TestRunRejectsConcurrentRun(t *testing.T) {
	p := New(nil, Options{Manufacturer: catalogtest.Manufacturer})
	p.running.Store(true)

	if _, err := p.Run(context.Background(), t.TempDir()); !errors.Is(err, ErrRunning) {
		t.Errorf("expected ErrRunning, got %v", err)
	}
}
