package daemon

import (
	"sync"
	"time"
)

// Defaults for Gate.
const (
	DefaultDebounce        = 200 * time.Millisecond
	DefaultSelfEventWindow = 2 * time.Second
)

// pruneThreshold is the size of the timestamp map above which stale
// entries are dropped.
const pruneThreshold = 1024

type gateKey struct {
	path string
	op   EventOp
}

// Gate decides which filesystem events of one watched directory are
// dispatched. It drops duplicates the OS reports for a single logical
// change and swallows events caused by the watcher's own reads.
//
// Gate is safe for concurrent use.
type Gate struct {
	debounce time.Duration
	window   time.Duration
	now      func() time.Time

	mu     sync.Mutex
	last   map[gateKey]time.Time
	ignore map[string]time.Time
}

// NewGate returns a Gate. A self-event window of 0 keeps ignore marks until
// they are consumed.
func NewGate(debounce, selfEventWindow time.Duration) *Gate {
	return &Gate{
		debounce: debounce,
		window:   selfEventWindow,
		now:      time.Now,
		last:     make(map[gateKey]time.Time),
		ignore:   make(map[string]time.Time),
	}
}

// ShouldDispatch records the event and reports whether it is the first one
// for (path, op) within the debounce interval.
func (g *Gate) ShouldDispatch(path string, op EventOp) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	key := gateKey{path: path, op: op}
	prev, seen := g.last[key]
	g.last[key] = now

	if len(g.last) > pruneThreshold {
		for k, at := range g.last {
			if now.Sub(at) > g.debounce {
				delete(g.last, k)
			}
		}
	}
	return !seen || now.Sub(prev) > g.debounce
}

// MarkSelfTriggered arms suppression of the next event touching name.
func (g *Gate) MarkSelfTriggered(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ignore[name] = g.now()
}

// ConsumeIfSelfTriggered clears the mark for name and reports whether an
// unexpired mark was set.
func (g *Gate) ConsumeIfSelfTriggered(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	at, ok := g.ignore[name]
	if !ok {
		return false
	}
	delete(g.ignore, name)
	return g.window <= 0 || g.now().Sub(at) <= g.window
}
