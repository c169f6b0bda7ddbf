package daemon

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/steveyegge/ofmlsync/internal/ofml"
	"github.com/steveyegge/ofmlsync/internal/ofml/catalog"
	"github.com/steveyegge/ofmlsync/internal/ofml/catalog/catalogtest"
)

// demoPart loads the ocd part of the demo program.
func demoPart(t *testing.T) *catalog.Part {
	t.Helper()
	root := catalogtest.WriteDemo(t)
	repo := catalog.NewRepository(root, catalogtest.Manufacturer, catalog.Options{})

	prog, ok := repo.LoadProgram("demo").Get()
	if !ok {
		t.Fatal("demo program not available")
	}
	part, ok := prog.LoadPart(ofml.OCD).Get()
	if !ok {
		t.Fatal("demo ocd part not available")
	}
	return part
}

// recorder collects ChangeFunc calls.
type recorder struct {
	mu     sync.Mutex
	events []Event
	names  []string
	ch     chan string
}

func newRecorder() *recorder { return &recorder{ch: make(chan string, 16)} }

func (r *recorder) onChange(_ context.Context, filename string, _ *catalog.Part, ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.names = append(r.names, filename)
	r.mu.Unlock()
	r.ch <- filename
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.names)
}

// replaceFile swaps in new content with a rename so the watcher never
// observes a truncated file.
func replaceFile(t *testing.T, path, content string) {
	t.Helper()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}
}

func TestConvertOp(t *testing.T) {
	tests := []struct {
		in   fsnotify.Op
		want EventOp
		ok   bool
	}{
		{fsnotify.Create, OpCreate, true},
		{fsnotify.Write, OpModify, true},
		{fsnotify.Remove, OpDelete, true},
		{fsnotify.Rename, OpDelete, true},
		{fsnotify.Chmod, 0, false},
	}
	for _, tt := range tests {
		got, ok := convertOp(tt.in)
		if ok != tt.ok || (ok && got != tt.want) {
			t.Errorf("convertOp(%v) = %v, %v", tt.in, got, ok)
		}
	}
}

func TestHandleReloadsKnownTable(t *testing.T) {
	part := demoPart(t)
	rec := newRecorder()
	w := NewPartWatcher(part, rec.onChange, WatchOptions{})
	path := filepath.Join(part.Dir, "ocd_article.csv")

	w.handle(context.Background(), fsnotify.Event{Name: path, Op: fsnotify.Write})
	w.reloads.Wait()

	if rec.count() != 1 || rec.names[0] != "ocd_article.csv" || rec.events[0].Op != OpModify {
		t.Fatalf("calls = %v %v", rec.names, rec.events)
	}

	tbl, ok := part.Table("ocd_article")
	if !ok || !tbl.Available() {
		t.Error("reloaded table not stored on the part")
	}
}

func TestHandleDropsDuplicatesAndSelfEvents(t *testing.T) {
	part := demoPart(t)
	rec := newRecorder()
	w := NewPartWatcher(part, rec.onChange, WatchOptions{})
	path := filepath.Join(part.Dir, "ocd_article.csv")
	ctx := context.Background()

	w.handle(ctx, fsnotify.Event{Name: path, Op: fsnotify.Write})
	// Same path and op right away: duplicate.
	w.handle(ctx, fsnotify.Event{Name: path, Op: fsnotify.Write})
	// Different op: passes the debounce but hits the self mark.
	w.handle(ctx, fsnotify.Event{Name: path, Op: fsnotify.Create})
	w.reloads.Wait()

	if rec.count() != 1 {
		t.Errorf("reloads = %d, want 1", rec.count())
	}
}

func TestHandleIgnoresUnknownAndChmod(t *testing.T) {
	part := demoPart(t)
	rec := newRecorder()
	w := NewPartWatcher(part, rec.onChange, WatchOptions{})
	ctx := context.Background()

	w.handle(ctx, fsnotify.Event{Name: filepath.Join(part.Dir, "notes.txt"), Op: fsnotify.Create})
	w.handle(ctx, fsnotify.Event{Name: filepath.Join(part.Dir, "ocd_article.csv"), Op: fsnotify.Chmod})
	w.reloads.Wait()

	if rec.count() != 0 {
		t.Errorf("unexpected reloads: %v", rec.names)
	}
	// The unknown file must not leave a mark behind.
	if w.Gate().ConsumeIfSelfTriggered("notes.txt") {
		t.Error("unknown file was marked")
	}
}

func TestHandleDeletedFileIsDropped(t *testing.T) {
	part := demoPart(t)
	rec := newRecorder()
	w := NewPartWatcher(part, rec.onChange, WatchOptions{})
	path := filepath.Join(part.Dir, "ocd_article.csv")

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	w.handle(context.Background(), fsnotify.Event{Name: path, Op: fsnotify.Remove})
	w.reloads.Wait()

	if rec.count() != 0 {
		t.Errorf("change callback ran for a deleted file")
	}
}

func TestHandlePermissionFaultIsDropped(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("file permissions are not enforced for root")
	}
	part := demoPart(t)
	rec := newRecorder()
	w := NewPartWatcher(part, rec.onChange, WatchOptions{})
	path := filepath.Join(part.Dir, "ocd_article.csv")

	if err := os.Chmod(path, 0o000); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chmod(path, 0o644) })

	w.handle(context.Background(), fsnotify.Event{Name: path, Op: fsnotify.Write})
	w.reloads.Wait()

	if rec.count() != 0 {
		t.Errorf("change callback ran despite permission fault")
	}
}

func TestStartInitializes(t *testing.T) {
	part := demoPart(t)
	rec := newRecorder()
	w := NewPartWatcher(part, rec.onChange, WatchOptions{Initialize: true})

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}

	if rec.count() != len(part.Filenames()) {
		t.Fatalf("init reloads = %d, want %d", rec.count(), len(part.Filenames()))
	}
	for _, ev := range rec.events {
		if ev.Op != OpInit {
			t.Errorf("op = %v, want init", ev.Op)
		}
	}
}

func TestStartStop(t *testing.T) {
	part := demoPart(t)
	w := NewPartWatcher(part, nil, WatchOptions{})

	if w.IsRunning() {
		t.Error("Newly created watcher should not be running")
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if err := w.Start(context.Background()); err == nil {
		t.Error("Second Start() should fail when watcher is already running")
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if w.IsRunning() {
		t.Error("Watcher should not be running after Stop()")
	}
}

// TestWatcherSeesFileEdit exercises the real fsnotify path.
func TestWatcherSeesFileEdit(t *testing.T) {
	part := demoPart(t)
	rec := newRecorder()
	w := NewPartWatcher(part, rec.onChange, WatchOptions{SelfEventWindow: 50 * time.Millisecond})

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer w.Stop()

	// Unknown files never trigger a reload.
	if err := os.WriteFile(filepath.Join(part.Dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	replaceFile(t, filepath.Join(part.Dir, "ocd_article.csv"), "A1;Chair\nA3;Lamp\n")

	select {
	case name := <-rec.ch:
		if name != "ocd_article.csv" {
			t.Errorf("reloaded %q, want ocd_article.csv", name)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	res, _ := part.Table("ocd_article")
	tbl, ok := res.Get()
	if !ok {
		t.Fatalf("table not available: %v", res.Err())
	}
	if tbl.Rows[1][0] != "A3" {
		t.Errorf("reloaded rows = %v", tbl.Rows)
	}
}
