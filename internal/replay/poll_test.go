package replay

import (
	"testing"
	"time"

	"github.com/fakeyudi/rewind/internal/clock"
	"github.com/fakeyudi/rewind/internal/document"
	"github.com/fakeyudi/rewind/internal/session"
)

func TestPollingDoesNotAccumulateTimers(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	log := session.EditLog{
		{Timestamp: 0, Changes: []session.EditDelta{{Range: session.Range{StartLineNumber: 1, StartColumn: 1, EndLineNumber: 1, EndColumn: 1}, Text: "a"}}},
		{Timestamp: 60_000, Changes: []session.EditDelta{{Range: session.Range{StartLineNumber: 1, StartColumn: 2, EndLineNumber: 1, EndColumn: 2}, Text: "b"}}},
	}
	e := New(log, nil, document.New(""), nil, Options{Clock: clk})
	e.Start(1, 0)
	clk.Advance(200 * time.Millisecond)

	e.mu.Lock()
	before := len(e.timers)
	e.mu.Unlock()
	for i := 0; i < 300; i++ {
		clk.Advance(100 * time.Millisecond)
	}
	e.mu.Lock()
	after := len(e.timers)
	e.mu.Unlock()
	if after != before {
		t.Fatalf("timer handles grew from %d to %d over 300 polls", before, after)
	}
	if st := e.State(); st.Status != Replaying || st.PositionMs < 30_000 {
		t.Fatalf("state = %+v", st)
	}

	e.Pause()
	if n := clk.Pending(); n != 0 {
		t.Fatalf("%d timers pending after pause", n)
	}
}
