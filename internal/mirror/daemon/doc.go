// Package daemon re-syncs single tables when their catalog files change.
//
// # Architecture
//
//   - Gate: per-directory debounce and self-event suppression
//   - PartWatcher: one fsnotify watcher per loaded part, non-recursive
//   - Daemon: loads programs, starts watchers, persists and publishes changes
//
// # Event pipeline
//
// Every raw event of a part directory runs through these steps:
//
//	fsnotify event
//	     ↓  Chmod dropped; Create/Write/Remove/Rename → create/modify/delete
//	ShouldDispatch(path, op)    duplicate within Debounce → drop
//	     ↓
//	ConsumeIfSelfTriggered(name) our own read → swallow
//	     ↓
//	part.Knows(name)            not in the part's schema → ignore
//	     ↓
//	MarkSelfTriggered(name), reload in a goroutine
//	     ↓
//	ChangeFunc → PersistTable → Publish {"command":"update", ...}
//
// Ignore marks expire after SelfEventWindow. On platforms where reading a
// file produces no event, a stale mark would otherwise swallow the next
// real edit.
//
// # Failures
//
// A permission fault during reload is logged at warn level and dropped;
// the next real event retries. Any other reload or persist failure is
// logged and dropped. Nothing is retried on a timer.
//
// # Usage
//
//	repo := catalog.NewRepository(root, "kn", catalog.Options{})
//	d := daemon.New(repo, mirror, publisher, daemon.Config{
//	    Watch: daemon.WatchOptions{Debounce: 200 * time.Millisecond},
//	})
//	if err := d.Start(ctx); err != nil {
//	    return err
//	}
//	<-ctx.Done()
//	d.Stop()
package daemon
