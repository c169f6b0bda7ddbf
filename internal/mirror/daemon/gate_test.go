package daemon

import (
	"testing"
	"time"
)

// fakeClock is a manually advanced clock for Gate.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestGate(window time.Duration) (*Gate, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	g := NewGate(DefaultDebounce, window)
	g.now = clock.now
	return g, clock
}

func TestGateDebounce(t *testing.T) {
	tests := []struct {
		name  string
		gap   time.Duration
		wants []bool
	}{
		{"within 200ms", 150 * time.Millisecond, []bool{true, false}},
		{"300ms apart", 300 * time.Millisecond, []bool{true, true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, clock := newTestGate(DefaultSelfEventWindow)
			for i, want := range tt.wants {
				if i > 0 {
					clock.advance(tt.gap)
				}
				if got := g.ShouldDispatch("/p/ocd_article.csv", OpModify); got != want {
					t.Errorf("event %d: ShouldDispatch = %v, want %v", i, got, want)
				}
			}
		})
	}
}

func TestGateDebounceIsPerPathAndOp(t *testing.T) {
	g, _ := newTestGate(0)

	if !g.ShouldDispatch("/p/a.csv", OpModify) {
		t.Fatal("first event dropped")
	}
	if !g.ShouldDispatch("/p/a.csv", OpCreate) {
		t.Error("different op on same path was dropped")
	}
	if !g.ShouldDispatch("/p/b.csv", OpModify) {
		t.Error("different path with same op was dropped")
	}
}

func TestGateSelfSuppression(t *testing.T) {
	g, _ := newTestGate(0)

	g.MarkSelfTriggered("ocd_article.csv")

	if g.ConsumeIfSelfTriggered("ocd_price.csv") {
		t.Error("unrelated file was swallowed")
	}
	if !g.ConsumeIfSelfTriggered("ocd_article.csv") {
		t.Error("self-triggered event was not swallowed")
	}
	// Only one event is swallowed per mark.
	if g.ConsumeIfSelfTriggered("ocd_article.csv") {
		t.Error("second event was swallowed")
	}
}

func TestGateSelfMarkExpires(t *testing.T) {
	g, clock := newTestGate(2 * time.Second)

	g.MarkSelfTriggered("ocd_article.csv")
	clock.advance(3 * time.Second)

	if g.ConsumeIfSelfTriggered("ocd_article.csv") {
		t.Error("expired mark swallowed an event")
	}

	g.MarkSelfTriggered("ocd_article.csv")
	clock.advance(time.Second)
	if !g.ConsumeIfSelfTriggered("ocd_article.csv") {
		t.Error("fresh mark did not swallow the event")
	}
}

func TestGatePrunesStaleEntries(t *testing.T) {
	g, clock := newTestGate(0)
	for i := 0; i <= pruneThreshold; i++ {
		g.ShouldDispatch(time.Duration(i).String(), OpModify)
	}
	clock.advance(time.Second)
	g.ShouldDispatch("fresh", OpModify)

	g.mu.Lock()
	n := len(g.last)
	g.mu.Unlock()
	if n != 1 {
		t.Errorf("entries after prune = %d, want 1", n)
	}
}

func TestEventOpString(t *testing.T) {
	for op, want := range map[EventOp]string{
		OpCreate: "create", OpModify: "modify", OpDelete: "delete", OpInit: "init", EventOp(42): "unknown",
	} {
		if got := op.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", op, got, want)
		}
	}
}
