package daemon

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/steveyegge/ofmlsync/internal/mirror/dashboard"
	"github.com/steveyegge/ofmlsync/internal/mirror/db"
	"github.com/steveyegge/ofmlsync/internal/ofml/catalog"
	"github.com/steveyegge/ofmlsync/internal/ofml/catalog/catalogtest"
)

type fakePublisher struct {
	ch  chan any
	err error
}

func (f *fakePublisher) Publish(_ context.Context, payload any) error {
	f.ch <- payload
	return f.err
}

func openMirror(t *testing.T) *db.DB {
	t.Helper()
	mirror, err := db.Open(context.Background(), db.Options{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "m.db")})
	if err != nil {
		t.Fatalf("open mirror: %v", err)
	}
	t.Cleanup(func() { mirror.Close() })
	return mirror
}

func waitPublished(t *testing.T, pub *fakePublisher) dashboard.ChangeEvent {
	t.Helper()
	select {
	case p := <-pub.ch:
		change, ok := p.(dashboard.ChangeEvent)
		if !ok {
			t.Fatalf("published %T, want ChangeEvent", p)
		}
		return change
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for publish")
	}
	return dashboard.ChangeEvent{}
}

func TestDaemonInitialSync(t *testing.T) {
	root := catalogtest.WriteDemo(t)
	repo := catalog.NewRepository(root, catalogtest.Manufacturer, catalog.Options{})
	mirror := openMirror(t)
	pub := &fakePublisher{ch: make(chan any, 16)}

	d := New(repo, mirror, pub, Config{
		Programs: []string{"demo"},
		Watch:    WatchOptions{Initialize: true, SelfEventWindow: 50 * time.Millisecond},
	})
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer d.Stop()

	change := waitPublished(t, pub)
	want := dashboard.ChangeEvent{Command: "update", Program: "demo", OfmlPart: "ocd", Table: "ocd_article"}
	if change != want {
		t.Errorf("change = %+v, want %+v", change, want)
	}

	n, err := mirror.Count(context.Background(), "ocd_article", "demo")
	if err != nil || n != 2 {
		t.Errorf("Count = %d, %v; want 2", n, err)
	}
}

func TestDaemonSyncsEditedTable(t *testing.T) {
	root := catalogtest.WriteDemo(t)
	repo := catalog.NewRepository(root, catalogtest.Manufacturer, catalog.Options{})
	mirror := openMirror(t)
	pub := &fakePublisher{ch: make(chan any, 16)}

	d := New(repo, mirror, pub, Config{
		Programs: []string{"demo"},
		Watch:    WatchOptions{SelfEventWindow: 50 * time.Millisecond},
	})
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if len(d.Watchers()) != 1 {
		t.Fatalf("watchers = %d, want 1", len(d.Watchers()))
	}

	path := filepath.Join(root, "demo", "db", "ocd_article.csv")
	replaceFile(t, path, "A1;Chair\nA2;Desk\nA3;Lamp\n")

	change := waitPublished(t, pub)
	if change.Table != "ocd_article" || change.Program != "demo" {
		t.Errorf("change = %+v", change)
	}
	n, err := mirror.Count(context.Background(), "ocd_article", "demo")
	if err != nil || n != 3 {
		t.Errorf("Count = %d, %v; want 3", n, err)
	}

	if err := d.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	d.Wait()
	if len(d.Watchers()) != 0 {
		t.Error("watchers left after Stop")
	}
}

func TestDaemonPublishFailureIsNotFatal(t *testing.T) {
	root := catalogtest.WriteDemo(t)
	repo := catalog.NewRepository(root, catalogtest.Manufacturer, catalog.Options{})
	pub := &fakePublisher{ch: make(chan any, 16), err: errors.New("broadcaster down")}

	d := New(repo, nil, pub, Config{
		Programs: []string{"demo"},
		Watch:    WatchOptions{Initialize: true},
	})
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer d.Stop()

	waitPublished(t, pub)
	if len(d.Watchers()) != 1 {
		t.Error("watcher stopped after publish failure")
	}
}

func TestDaemonNothingToWatch(t *testing.T) {
	root := catalogtest.WriteDemo(t)
	repo := catalog.NewRepository(root, catalogtest.Manufacturer, catalog.Options{})

	d := New(repo, nil, nil, Config{Programs: []string{"ghost"}})
	if err := d.Start(context.Background()); !errors.Is(err, ErrNothingToWatch) {
		t.Fatalf("Start() = %v, want ErrNothingToWatch", err)
	}
}

func TestDaemonMissingProfile(t *testing.T) {
	repo := catalog.NewRepository(t.TempDir(), catalogtest.Manufacturer, catalog.Options{})

	d := New(repo, nil, nil, Config{})
	if err := d.Start(context.Background()); err == nil {
		t.Fatal("Start() without a profile should fail")
	}
}
