package sync

import "context"

// Runner performs a full catalog-to-mirror sync.
//
// It is the entry point for whatever schedules batch runs: the sync
// command, a daily timer or a test. Implementations must be safe to call
// again after a failed run; every run replaces the rows it owns.
//
// Example:
//
//	var r sync.Runner = sync.New(mirror, opts)
//	if err := r.RunFullSync(ctx, "/srv/ofml"); err != nil {
//	    notifier.Notify(ctx, notify.SubjectError, err.Error())
//	}
type Runner interface {
	RunFullSync(ctx context.Context, root string) error
}

var _ Runner = (*Pipeline)(nil)
