package integrity_test

import (
	"reflect"
	"testing"
	"time"

	"github.com/fakeyudi/rewind/internal/clock"
	"github.com/fakeyudi/rewind/internal/document"
	"github.com/fakeyudi/rewind/internal/integrity"
	"github.com/fakeyudi/rewind/internal/replay"
	"github.com/fakeyudi/rewind/internal/session"
)

const ms = time.Millisecond

func events() []session.IntegrityEvent {
	return []session.IntegrityEvent{
		{Type: session.TabSwitch, RelativeOffsetMs: 3000},
		{Type: session.LookedAway, RelativeOffsetMs: 1000},
		{Type: session.TabSwitch, RelativeOffsetMs: 2000},
	}
}

type recorder struct {
	shown     []string
	dismissed []string
}

func (r *recorder) options(clk clock.Clock) integrity.Options {
	return integrity.Options{
		Clock:     clk,
		OnShow:    func(n integrity.Notification) { r.shown = append(r.shown, n.Message()) },
		OnDismiss: func(n integrity.Notification) { r.dismissed = append(r.dismissed, n.Message()) },
	}
}

func TestSchedulerFiresInOrderWithOrdinals(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	rec := &recorder{}
	s := integrity.New(events(), rec.options(clk))
	s.Follow(0, 1, 0)
	clk.Advance(3 * time.Second)
	want := []string{"Looked Away #1", "Tab Switching #1", "Tab Switching #2"}
	if !reflect.DeepEqual(rec.shown, want) {
		t.Fatalf("shown %v, want %v", rec.shown, want)
	}
}

func TestSchedulerScalesBySpeedAndDelay(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	rec := &recorder{}
	s := integrity.New(events(), rec.options(clk))
	s.Follow(0, 2, 100*ms)
	clk.Advance(599 * ms)
	if len(rec.shown) != 0 {
		t.Fatalf("fired early: %v", rec.shown)
	}
	clk.Advance(1 * ms)
	if len(rec.shown) != 1 {
		t.Fatalf("not fired at 600ms: %v", rec.shown)
	}
}

func TestSchedulerAutoDismiss(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	rec := &recorder{}
	s := integrity.New([]session.IntegrityEvent{{Type: session.CopyPaste, RelativeOffsetMs: 0}}, rec.options(clk))
	s.Follow(0, 1, 0)
	clk.Advance(0)
	if n, ok := s.Active(); !ok || n.Type != session.CopyPaste {
		t.Fatalf("active = %+v, %v", n, ok)
	}
	clk.Advance(1999 * ms)
	if _, ok := s.Active(); !ok {
		t.Fatal("dismissed early")
	}
	clk.Advance(1 * ms)
	if _, ok := s.Active(); ok {
		t.Fatal("not dismissed after 2s")
	}
	if !reflect.DeepEqual(rec.dismissed, []string{"Code Pasted #1"}) {
		t.Fatalf("dismissed %v", rec.dismissed)
	}
}

func TestSchedulerManualDismiss(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	rec := &recorder{}
	s := integrity.New([]session.IntegrityEvent{{Type: session.LookedAway}}, rec.options(clk))
	s.Follow(0, 1, 0)
	clk.Advance(0)
	s.Dismiss()
	clk.Advance(5 * time.Second)
	if len(rec.dismissed) != 1 {
		t.Fatalf("dismissed %d times", len(rec.dismissed))
	}
}

func TestHaltThenFollowDoesNotRefire(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	rec := &recorder{}
	s := integrity.New(events(), rec.options(clk))
	s.Follow(0, 1, 0)
	clk.Advance(1500 * ms)
	s.Halt()
	clk.Advance(10 * time.Second)
	if len(rec.shown) != 1 {
		t.Fatalf("fired while halted: %v", rec.shown)
	}
	// resuming from an earlier position must not re-fire the first event
	s.Follow(500, 1, 0)
	clk.Advance(10 * time.Second)
	if len(rec.shown) != 3 || s.Fired() != 3 {
		t.Fatalf("shown %v", rec.shown)
	}
	s.Rewind()
	if s.Fired() != 0 {
		t.Fatal("rewind kept fired set")
	}
}

func TestFollowSkipsPastEvents(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	rec := &recorder{}
	s := integrity.New(events(), rec.options(clk))
	s.Follow(2500, 1, 0)
	clk.Advance(10 * time.Second)
	if !reflect.DeepEqual(rec.shown, []string{"Tab Switching #2"}) {
		t.Fatalf("shown %v", rec.shown)
	}
}

func TestSchedulerFollowsEnginePauseResume(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	rec := &recorder{}
	s := integrity.New(events(), rec.options(clk))
	log := session.EditLog{{Timestamp: 0}, {Timestamp: 500}}
	e := replay.New(log, events(), document.New(""), nil, replay.Options{Clock: clk, Followers: []replay.Follower{s}})

	e.Start(1, 0)
	clk.Advance(1600 * ms) // origin position 1500
	e.Pause()
	if len(rec.shown) != 1 {
		t.Fatalf("shown %v", rec.shown)
	}
	clk.Advance(time.Minute)
	if len(rec.shown) != 1 {
		t.Fatal("notification fired while paused")
	}
	e.Resume()
	clk.Advance(499 * ms)
	if len(rec.shown) != 1 {
		t.Fatalf("fired early after resume: %v", rec.shown)
	}
	clk.Advance(1 * ms)
	if len(rec.shown) != 2 {
		t.Fatalf("shown %v", rec.shown)
	}
	clk.Advance(2 * time.Second)
	if e.State().Status != replay.Finished || len(rec.shown) != 3 {
		t.Fatalf("status=%s shown=%v", e.State().Status, rec.shown)
	}

	e.Start(1, 0)
	clk.Advance(5 * time.Second)
	if len(rec.shown) != 6 {
		t.Fatalf("restart did not rewind notifications: %v", rec.shown)
	}
}

func TestCloseCancelsDismissTimer(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	s := integrity.New([]session.IntegrityEvent{{Type: session.LookedAway}}, integrity.Options{Clock: clk})
	s.Follow(0, 1, 0)
	clk.Advance(0)
	s.Close()
	if clk.Pending() != 0 {
		t.Fatalf("%d timers pending after close", clk.Pending())
	}
	s.Follow(0, 1, 0)
	if clk.Pending() != 0 {
		t.Fatal("closed scheduler accepted Follow")
	}
}
