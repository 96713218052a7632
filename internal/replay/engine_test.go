package replay_test

import (
	"math"
	"reflect"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/fakeyudi/rewind/internal/audio"
	"github.com/fakeyudi/rewind/internal/capture"
	"github.com/fakeyudi/rewind/internal/clock"
	"github.com/fakeyudi/rewind/internal/document"
	"github.com/fakeyudi/rewind/internal/replay"
	"github.com/fakeyudi/rewind/internal/session"
)

const ms = time.Millisecond

func insert(col int, text string) []session.EditDelta {
	return []session.EditDelta{{
		Range: session.Range{StartLineNumber: 1, StartColumn: col, EndLineNumber: 1, EndColumn: col},
		Text:  text,
	}}
}

// appliedTexts records the text of every delta the document receives.
func appliedTexts(doc *document.Document) *[]string {
	var out []string
	doc.OnDidChange(func(changes []session.EditDelta) {
		for _, c := range changes {
			out = append(out, c.Text)
		}
	})
	return &out
}

func exampleLog() session.EditLog {
	return session.EditLog{
		{Changes: insert(1, "a"), Timestamp: 1000},
		{Changes: insert(2, "b"), Timestamp: 1800},
	}
}

func TestExampleScenarioAtDoubleSpeed(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	doc := document.New("leftover from live editing")
	e := replay.New(exampleLog(), nil, doc, nil, replay.Options{Clock: clk, Seed: ""})

	e.Start(2, 0)
	if doc.Value() != "" {
		t.Fatalf("document not reset to seed: %q", doc.Value())
	}
	if !doc.ReadOnly() {
		t.Fatal("document should be read-only while replaying")
	}

	clk.Advance(99 * ms)
	if doc.Value() != "" {
		t.Fatalf("edit applied before initial delay: %q", doc.Value())
	}
	clk.Advance(1 * ms)
	if doc.Value() != "a" {
		t.Fatalf("at 100ms doc = %q, want %q", doc.Value(), "a")
	}
	clk.Advance(399 * ms)
	if doc.Value() != "a" {
		t.Fatalf("second edit applied early: %q", doc.Value())
	}
	clk.Advance(1 * ms)
	if doc.Value() != "ab" {
		t.Fatalf("at 500ms doc = %q, want %q", doc.Value(), "ab")
	}
	if got := e.State().Status; got != replay.Replaying {
		t.Fatalf("status = %s before completion buffer elapsed", got)
	}
	clk.Advance(99 * ms)
	if got := e.State().Status; got != replay.Replaying {
		t.Fatalf("status = %s at 599ms", got)
	}
	clk.Advance(1 * ms)
	st := e.State()
	if st.Status != replay.Finished {
		t.Fatalf("status = %s at 600ms, want finished", st.Status)
	}
	if st.ElapsedMs != 400 || st.TotalMs != 800 || st.LastAppliedEventOffsetMs != 0 {
		t.Fatalf("unexpected final state %+v", st)
	}
	if doc.ReadOnly() {
		t.Fatal("read-only not released on completion")
	}
	if clk.Pending() != 0 {
		t.Fatalf("%d timers left after completion", clk.Pending())
	}
}

// Feature: rewind, Property 5: completion waits for trailing integrity events
func TestCompletionCoversIntegrityTail(t *testing.T) {
	for _, speed := range []float64{1, 2, 0.5} {
		clk := clock.NewFake(time.Unix(0, 0))
		log := session.EditLog{{Changes: insert(1, "x"), Timestamp: 0}, {Changes: insert(2, "y"), Timestamp: 1000}}
		integrity := []session.IntegrityEvent{{Type: session.TabSwitch, RelativeOffsetMs: 5000}}
		e := replay.New(log, integrity, document.New(""), nil, replay.Options{Clock: clk})
		e.Start(speed, 0)

		tail := time.Duration(float64(5000*ms) / speed)
		clk.Advance(100*ms + tail - ms)
		if got := e.State().Status; got == replay.Finished {
			t.Fatalf("speed %v: finished before the integrity tail", speed)
		}
		clk.Advance(101 * ms)
		if got := e.State().Status; got != replay.Finished {
			t.Fatalf("speed %v: status = %s after tail and buffer", speed, got)
		}
	}
}

// Feature: rewind, Property 7: empty log falls back to the final code
func TestEmptyLogFallsBackToFinalCode(t *testing.T) {
	final := "print('done')"
	doc := document.New("")
	clk := clock.NewFake(time.Unix(0, 0))
	e := replay.New(nil, []session.IntegrityEvent{{RelativeOffsetMs: 3000}}, doc, nil, replay.Options{Clock: clk, FinalCode: &final})
	e.Start(1, 0)

	st := e.State()
	if st.Status != replay.Finished || st.ElapsedMs != 0 || st.TotalMs != 0 {
		t.Fatalf("state = %+v", st)
	}
	if doc.Value() != final {
		t.Fatalf("doc = %q", doc.Value())
	}
	if clk.Pending() != 0 {
		t.Fatal("empty replay scheduled timers")
	}
}

func TestEmptyLogWithoutFinalCodeIsNoop(t *testing.T) {
	doc := document.New("untouched")
	e := replay.New(nil, nil, doc, nil, replay.Options{Clock: clock.NewFake(time.Unix(0, 0))})
	e.Start(1, 0)
	if e.State().Status != replay.Idle || doc.Value() != "untouched" {
		t.Fatalf("state=%+v doc=%q", e.State(), doc.Value())
	}
}

func TestInvalidSpeedIsIgnored(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	e := replay.New(exampleLog(), nil, document.New(""), nil, replay.Options{Clock: clk})
	for _, s := range []float64{0, -2, math.NaN(), math.Inf(1)} {
		e.Start(s, 0)
		if e.State().Status != replay.Idle {
			t.Fatalf("Start(%v) changed status", s)
		}
	}
	e.Start(1, 0)
	e.SetSpeed(-1)
	if e.State().Speed != 1 {
		t.Fatalf("speed = %v", e.State().Speed)
	}
}

func TestPauseCancelsEverything(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	player := audio.NewVirtualPlayer(clk)
	player.SetSource([]byte("webm"))
	doc := document.New("")
	e := replay.New(exampleLog(), nil, doc, player, replay.Options{Clock: clk})

	e.Start(1, 0)
	clk.Advance(150 * ms)
	if !player.Playing() {
		t.Fatal("audio not playing after initial delay")
	}
	e.Pause()
	if clk.Pending() != 0 {
		t.Fatalf("%d timers pending after pause", clk.Pending())
	}
	if player.Playing() {
		t.Fatal("audio still playing after pause")
	}
	st := e.State()
	if st.Status != replay.Paused || st.ElapsedMs != 50 || st.PositionMs != 50 {
		t.Fatalf("paused state = %+v", st)
	}
	clk.Advance(10 * time.Second)
	if got := e.State(); got.ElapsedMs != 50 || doc.Value() != "a" {
		t.Fatalf("state moved while paused: %+v doc=%q", got, doc.Value())
	}
}

func TestResumeContinuesFromPausePosition(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	doc := document.New("")
	e := replay.New(exampleLog(), nil, doc, nil, replay.Options{Clock: clk})
	e.Start(1, 0)
	clk.Advance(400 * ms) // position 300
	e.Pause()
	clk.Advance(time.Hour)
	e.Resume()
	clk.Advance(499 * ms)
	if doc.Value() != "a" {
		t.Fatalf("second edit applied early: %q", doc.Value())
	}
	clk.Advance(1 * ms)
	if doc.Value() != "ab" {
		t.Fatalf("doc = %q", doc.Value())
	}
	clk.Advance(100 * ms)
	if st := e.State(); st.Status != replay.Finished || st.ElapsedMs != 800 {
		t.Fatalf("state = %+v", st)
	}
}

func TestResumeFromIdleStartsFresh(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	doc := document.New("junk")
	e := replay.New(exampleLog(), nil, doc, nil, replay.Options{Clock: clk, Seed: "# seed\n"})
	e.Resume()
	if e.State().Status != replay.Replaying || doc.Value() != "# seed\n" {
		t.Fatalf("state=%+v doc=%q", e.State(), doc.Value())
	}
}

func TestSetSpeedReschedulesRemainingEvents(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	doc := document.New("")
	texts := appliedTexts(doc)
	log := session.EditLog{
		{Changes: insert(1, "a"), Timestamp: 0},
		{Changes: insert(2, "b"), Timestamp: 1000},
		{Changes: insert(3, "c"), Timestamp: 2000},
	}
	e := replay.New(log, nil, doc, nil, replay.Options{Clock: clk})
	e.Start(1, 0)
	clk.Advance(600 * ms) // position 500
	e.SetSpeed(2)
	clk.Advance(249 * ms)
	if doc.Value() != "a" {
		t.Fatalf("doc = %q", doc.Value())
	}
	clk.Advance(1 * ms)
	if doc.Value() != "ab" {
		t.Fatalf("doc = %q at new-speed deadline", doc.Value())
	}
	clk.Advance(10 * time.Second)
	if doc.Value() != "abc" {
		t.Fatalf("doc = %q", doc.Value())
	}
	// SetValue to the empty seed, then exactly one apply per event
	if want := []string{"", "a", "b", "c"}; !reflect.DeepEqual(*texts, want) {
		t.Fatalf("applied %q, want %q", *texts, want)
	}
}

func TestSeekRebuildsDocument(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	doc := document.New("")
	log := session.EditLog{
		{Changes: insert(1, "a"), Timestamp: 0},
		{Changes: insert(2, "b"), Timestamp: 1000},
		{Changes: insert(3, "c"), Timestamp: 2000},
	}
	e := replay.New(log, nil, doc, nil, replay.Options{Clock: clk})

	e.Seek(1500)
	st := e.State()
	if st.Status != replay.Paused || doc.Value() != "ab" || st.LastAppliedEventOffsetMs != 1000 {
		t.Fatalf("after seek state=%+v doc=%q", st, doc.Value())
	}
	e.Resume()
	clk.Advance(500 * ms)
	if doc.Value() != "abc" {
		t.Fatalf("doc = %q", doc.Value())
	}

	e.Seek(500)
	if doc.Value() != "a" {
		t.Fatalf("backward seek doc = %q", doc.Value())
	}
}

func TestStartFromBookmarkedOffset(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	doc := document.New("")
	log := session.EditLog{
		{Changes: insert(1, "a"), Timestamp: 0},
		{Changes: insert(2, "b"), Timestamp: 1000},
		{Changes: insert(3, "c"), Timestamp: 2000},
	}
	e := replay.New(log, nil, doc, nil, replay.Options{Clock: clk})
	// 750ms of replay time at 2x is origin offset 1500
	e.Start(2, 750)
	if doc.Value() != "ab" {
		t.Fatalf("doc = %q", doc.Value())
	}
	clk.Advance(250 * ms)
	if doc.Value() != "abc" {
		t.Fatalf("doc = %q", doc.Value())
	}
}

func TestResetRestoresSeed(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	doc := document.New("")
	e := replay.New(exampleLog(), nil, doc, nil, replay.Options{Clock: clk, Seed: "seed"})
	e.Start(1, 0)
	clk.Advance(200 * ms)
	e.Reset()
	if st := e.State(); st.Status != replay.Idle || st.ElapsedMs != 0 || st.Applied != 0 {
		t.Fatalf("state = %+v", st)
	}
	if doc.Value() != "seed" || doc.ReadOnly() {
		t.Fatalf("doc=%q readonly=%v", doc.Value(), doc.ReadOnly())
	}
	if clk.Pending() != 0 {
		t.Fatal("timers survived reset")
	}
}

func TestCloseCancelsAndIgnoresFurtherCalls(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	doc := document.New("")
	e := replay.New(exampleLog(), nil, doc, nil, replay.Options{Clock: clk})
	e.Start(1, 0)
	doc.Close()
	e.Close()
	if clk.Pending() != 0 {
		t.Fatal("timers survived close")
	}
	e.Start(1, 0)
	if clk.Pending() != 0 {
		t.Fatal("closed engine scheduled timers")
	}
}

func TestStaleHandleEditsAreDropped(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	doc := document.New("")
	e := replay.New(exampleLog(), nil, doc, nil, replay.Options{Clock: clk})
	e.Start(1, 0)
	doc.Close()
	clk.Advance(10 * time.Second)
	if e.State().Status != replay.Finished {
		t.Fatalf("status = %s", e.State().Status)
	}
}

func TestAudioWaitsForReadiness(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	player := audio.NewVirtualPlayer(clk)
	e := replay.New(exampleLog(), nil, document.New(""), player, replay.Options{Clock: clk})
	e.Start(2, 0)
	clk.Advance(200 * ms)
	if player.Playing() {
		t.Fatal("unloaded audio started")
	}
	player.SetSource([]byte("webm"))
	if !player.Playing() || player.Rate() != 2 {
		t.Fatalf("playing=%v rate=%v", player.Playing(), player.Rate())
	}
	clk.Advance(time.Second)
	if player.Playing() || player.Position() != 0 {
		t.Fatalf("audio not rewound on completion: playing=%v pos=%d", player.Playing(), player.Position())
	}
}

func TestPausedBeforeReadyNeverPlays(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	player := audio.NewVirtualPlayer(clk)
	e := replay.New(exampleLog(), nil, document.New(""), player, replay.Options{Clock: clk})
	e.Start(1, 0)
	clk.Advance(150 * ms)
	e.Pause()
	player.SetSource([]byte("webm"))
	if player.Playing() {
		t.Fatal("readiness callback survived pause")
	}
}

type followerLog struct {
	calls []string
}

func (f *followerLog) Follow(pos int64, speed float64, delay time.Duration) {
	f.calls = append(f.calls, "follow")
}
func (f *followerLog) Halt()   { f.calls = append(f.calls, "halt") }
func (f *followerLog) Rewind() { f.calls = append(f.calls, "rewind") }

func TestFollowersTrackLifecycle(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	f := &followerLog{}
	e := replay.New(exampleLog(), nil, document.New(""), nil, replay.Options{Clock: clk, Followers: []replay.Follower{f}})
	e.Start(1, 0)
	e.Pause()
	e.Resume()
	want := []string{"halt", "rewind", "follow", "halt", "follow"}
	if !reflect.DeepEqual(f.calls, want) {
		t.Fatalf("calls = %v, want %v", f.calls, want)
	}
}

func TestSubscribersSeeProgress(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	e := replay.New(exampleLog(), nil, document.New(""), nil, replay.Options{Clock: clk})
	var last replay.State
	ticks := 0
	unsub := e.Subscribe(func(s replay.State) {
		if s.ElapsedMs < last.ElapsedMs && s.Status == replay.Replaying {
			t.Errorf("elapsed went backwards: %d -> %d", last.ElapsedMs, s.ElapsedMs)
		}
		last = s
		ticks++
	})
	e.Start(1, 0)
	clk.Advance(2 * time.Second)
	if last.Status != replay.Finished {
		t.Fatalf("last status = %s", last.Status)
	}
	if ticks < 8 {
		t.Fatalf("only %d notifications; poll not running", ticks)
	}
	unsub()
	before := ticks
	e.Start(1, 0)
	clk.Advance(2 * time.Second)
	if ticks != before {
		t.Fatal("unsubscribed callback still invoked")
	}
}

// genLog draws a random typing session on a single line.
func genLog(t *rapid.T) session.EditLog {
	n := rapid.IntRange(1, 12).Draw(t, "events")
	ts := rapid.Int64Range(1_000, 1_000_000).Draw(t, "origin")
	log := make(session.EditLog, n)
	for i := range log {
		ts += rapid.Int64Range(0, 700).Draw(t, "gap")
		log[i] = session.EditEvent{
			Changes:   insert(rapid.IntRange(1, 15).Draw(t, "col"), rapid.StringMatching(`[a-z]{1,3}`).Draw(t, "text")),
			Timestamp: ts,
		}
	}
	return log
}

func runToEnd(clk *clock.Fake, e *replay.Engine) {
	for i := 0; i < 1000 && e.State().Status != replay.Finished; i++ {
		clk.Advance(100 * ms)
	}
}

// Feature: rewind, Property 1: replay reproduces the recorded document
func TestRoundTripDeterminism(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		clk := clock.NewFake(time.UnixMilli(1_700_000_000_000))
		seed := rapid.StringMatching(`[a-z]{0,5}`).Draw(t, "seed")
		live := document.New(seed)
		c := capture.New(capture.Options{Clock: clk})
		c.Attach(live)
		c.SetEnabled(true)
		for i, n := 0, rapid.IntRange(1, 10).Draw(t, "edits"); i < n; i++ {
			clk.Advance(time.Duration(rapid.IntRange(0, 500).Draw(t, "gap")) * ms)
			col := rapid.IntRange(1, 20).Draw(t, "col")
			end := col + rapid.IntRange(0, 2).Draw(t, "span")
			_ = live.Edit([]session.EditDelta{{
				Range: session.Range{StartLineNumber: 1, StartColumn: col, EndLineNumber: 1, EndColumn: end},
				Text:  rapid.StringMatching(`[a-z\n]{0,3}`).Draw(t, "text"),
			}})
		}
		log := c.Seal()

		replayed := document.New("something else")
		rclk := clock.NewFake(time.Unix(0, 0))
		e := replay.New(log, nil, replayed, nil, replay.Options{Clock: rclk, Seed: seed})
		e.Start(1, 0)
		runToEnd(rclk, e)
		if replayed.Value() != live.Value() {
			t.Fatalf("replayed %q, recorded %q", replayed.Value(), live.Value())
		}
	})
}

// Feature: rewind, Property 2: event order is independent of speed
func TestSpeedInvarianceOfEventOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		log := genLog(t)
		offsets := log.OriginOffsets()
		var reference []string
		for _, speed := range []float64{0.25, 1, 4} {
			clk := clock.NewFake(time.Unix(0, 0))
			doc := document.New("")
			e := replay.New(log, nil, doc, nil, replay.Options{Clock: clk})
			e.Start(speed, 0)

			var texts []string
			var at []time.Time
			doc.OnDidChange(func(changes []session.EditDelta) {
				texts = append(texts, changes[0].Text)
				at = append(at, clk.Now())
			})
			runToEnd(clk, e)

			if reference == nil {
				reference = texts
			} else if !reflect.DeepEqual(texts, reference) {
				t.Fatalf("speed %v applied %q, want %q", speed, texts, reference)
			}
			for i := range at {
				want := time.Duration(float64(offsets[i]-offsets[0]) * float64(ms) / speed)
				if got := at[i].Sub(at[0]); got < want-ms || got > want+ms {
					t.Fatalf("speed %v event %d at %v, want %v", speed, i, got, want)
				}
			}
		}
	})
}

// Feature: rewind, Property 3 and 4: pausing never changes the outcome or
// re-applies an event
func TestPauseResumeIdempotence(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		log := genLog(t)
		speed := rapid.SampledFrom([]float64{0.5, 1, 4}).Draw(t, "speed")

		run := func(pauses []int) (string, []string, int64) {
			clk := clock.NewFake(time.Unix(0, 0))
			doc := document.New("")
			e := replay.New(log, nil, doc, nil, replay.Options{Clock: clk})
			e.Start(speed, 0)
			texts := appliedTexts(doc)
			for _, p := range pauses {
				clk.Advance(time.Duration(p) * ms)
				e.Pause()
				clk.Advance(time.Second)
				e.Resume()
			}
			runToEnd(clk, e)
			return doc.Value(), *texts, e.State().ElapsedMs
		}

		wantDoc, wantTexts, wantElapsed := run(nil)
		pauses := rapid.SliceOfN(rapid.IntRange(0, 400), 1, 4).Draw(t, "pauses")
		gotDoc, gotTexts, gotElapsed := run(pauses)

		if gotDoc != wantDoc {
			t.Fatalf("doc %q, want %q", gotDoc, wantDoc)
		}
		if !reflect.DeepEqual(gotTexts, wantTexts) {
			t.Fatalf("applied %q, want %q", gotTexts, wantTexts)
		}
		if d := gotElapsed - wantElapsed; d < -int64(len(pauses)) || d > int64(len(pauses)) {
			t.Fatalf("elapsed %d, want %d", gotElapsed, wantElapsed)
		}
	})
}
