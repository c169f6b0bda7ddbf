package dashboard

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/steveyegge/ofmlsync/internal/mirror/db"
)

// ValueSource backs the /value endpoint.
type ValueSource interface {
	Value(ctx context.Context) (any, error)
	// Updating reports whether the value is being refreshed. /value answers
	// 503 meanwhile.
	Updating() bool
}

// LoadFunc produces a fresh value.
type LoadFunc func(ctx context.Context) (any, error)

// CachedValue is a ValueSource refreshed from a LoadFunc.
type CachedValue struct {
	load     LoadFunc
	logger   *zap.Logger
	updating atomic.Bool

	mu    sync.RWMutex
	value any
	err   error
	ready bool
}

// NewCachedValue returns a CachedValue. It holds no value until the first
// Refresh.
func NewCachedValue(load LoadFunc, logger *zap.Logger) *CachedValue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedValue{load: load, logger: logger}
}

// Refresh reloads the value. Concurrent calls are collapsed into one.
func (c *CachedValue) Refresh(ctx context.Context) error {
	if !c.updating.CompareAndSwap(false, true) {
		return nil
	}
	defer c.updating.Store(false)

	v, err := c.load(ctx)
	c.mu.Lock()
	c.value, c.err, c.ready = v, err, true
	c.mu.Unlock()
	return err
}

// Run refreshes immediately and then every interval until ctx is done.
func (c *CachedValue) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := c.Refresh(ctx); err != nil {
			c.logger.Warn("failed to refresh cached value", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Value returns the cached value and the error of the last refresh.
func (c *CachedValue) Value(context.Context) (any, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value, c.err
}

// Updating implements ValueSource. A value that was never loaded counts as
// updating.
func (c *CachedValue) Updating() bool {
	if c.updating.Load() {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.ready
}

// LastRun is the value served by the default /value source.
type LastRun struct {
	At   time.Time `json:"last_sync"`
	Root string    `json:"root"`
}

// LastRunLoader reads the last recorded batch sync from mirror. It yields
// nil before the first recorded run.
func LastRunLoader(mirror *db.DB) LoadFunc {
	return func(ctx context.Context) (any, error) {
		at, root, ok, err := mirror.LastRun(ctx)
		if err != nil || !ok {
			return nil, err
		}
		return LastRun{At: at, Root: root}, nil
	}
}
