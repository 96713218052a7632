// Package replay re-applies a recorded EditLog to a document at a chosen
// speed, keeping an optional audio handle and any followers in step.
package replay

import (
	"context"
	"sort"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/fakeyudi/rewind/internal/audio"
	"github.com/fakeyudi/rewind/internal/clock"
	"github.com/fakeyudi/rewind/internal/session"
)

// Status is the replay state machine position.
type Status string

const (
	Idle      Status = "idle"
	Replaying Status = "replaying"
	Paused    Status = "paused"
	Finished  Status = "finished"
)

// Document is the handle edits are replayed into.
type Document interface {
	SetValue(text string) error
	ApplyEdits(deltas []session.EditDelta) error
	SetReadOnly(ro bool)
}

// Follower is kept on the same timeline as the engine. Calls are made with
// the engine's lock held, so a Follower must not call back into the Engine.
type Follower interface {
	// Follow schedules from positionMs at speed after an initial delay.
	Follow(positionMs int64, speed float64, delay time.Duration)
	// Halt cancels everything scheduled.
	Halt()
	// Rewind forgets what has already fired.
	Rewind()
}

// State is a snapshot of an engine.
type State struct {
	Status                   Status
	Speed                    float64
	ElapsedMs                int64 // replay timeline
	PositionMs               int64 // origin timeline
	TotalMs                  int64 // origin timeline
	LastAppliedEventOffsetMs int64
	Applied                  int
	Events                   int
}

// Options configures an Engine. Zero durations take the defaults.
type Options struct {
	Clock            clock.Clock
	Seed             string
	FinalCode        *string
	InitialDelay     time.Duration // default 100ms, fresh starts only
	CompletionBuffer time.Duration // default 100ms
	PollInterval     time.Duration // default 100ms
	Logger           pslog.Logger
	Followers        []Follower
}

const defaultStep = 100 * time.Millisecond

// Engine is safe for concurrent use. Every scheduled callback carries the
// generation it was created in; bumping the generation invalidates all of
// them at once.
type Engine struct {
	clock     clock.Clock
	seed      string
	finalCode *string
	initial   time.Duration
	buffer    time.Duration
	poll      time.Duration
	log       pslog.Logger
	followers []Follower

	mu          sync.Mutex
	events      session.EditLog
	offsets     []int64
	total       int64
	doc         Document
	player      audio.Player
	status      Status
	speed       float64
	gen         uint64
	timers      []clock.Timer
	pollTimer   clock.Timer
	cancelReady func()
	next        int
	lastApplied int64
	originBase  int64
	elapsedBase int64
	runStart    time.Time
	elapsed     int64
	position    int64
	closed      bool
	subID       int
	subs        map[int]func(State)
}

// New returns an idle engine for log. player may be nil.
func New(log session.EditLog, integrity []session.IntegrityEvent, doc Document, player audio.Player, opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = defaultStep
	}
	if opts.CompletionBuffer <= 0 {
		opts.CompletionBuffer = defaultStep
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultStep
	}
	if opts.Logger == nil {
		opts.Logger = pslog.Ctx(context.Background())
	}
	events := log.Clone()
	offsets := events.OriginOffsets()
	var total int64
	if len(events) > 0 {
		total = TotalDuration(offsets, integrity)
	}
	return &Engine{
		clock:     opts.Clock,
		seed:      opts.Seed,
		finalCode: opts.FinalCode,
		initial:   opts.InitialDelay,
		buffer:    opts.CompletionBuffer,
		poll:      opts.PollInterval,
		log:       opts.Logger,
		followers: opts.Followers,
		events:    events,
		offsets:   offsets,
		total:     total,
		doc:       doc,
		player:    player,
		status:    Idle,
		speed:     1,
		subs:      map[int]func(State){},
	}
}

// Start begins a replay at speed from startOffsetMs on the replay timeline.
// Zero starts from the seed document after the initial delay; any other
// offset rebuilds the document up to that point and continues from there.
// Invalid input is logged and ignored.
func (e *Engine) Start(speed float64, startOffsetMs int64) {
	if err := ValidSpeed(speed); err != nil {
		e.log.Warn("replay start ignored", "err", err)
		return
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.cancelLocked()
	e.speed = speed

	if len(e.events) == 0 {
		if e.finalCode == nil {
			e.mu.Unlock()
			e.log.Debug("replay start ignored", "reason", "empty log")
			return
		}
		e.setDocLocked(*e.finalCode)
		e.status = Finished
		e.elapsed, e.position, e.total = 0, 0, 0
		e.mu.Unlock()
		e.log.Debug("replay finished", "reason", "empty log, final code restored")
		e.notify()
		return
	}

	e.forEachFollower(Follower.Rewind)
	if startOffsetMs <= 0 {
		e.seekLocked(0)
		e.elapsedBase = 0
		e.runLocked(e.initial, true)
	} else {
		origin := clamp(StartOrigin(startOffsetMs, speed), 0, e.total)
		e.seekLocked(origin)
		e.elapsedBase = startOffsetMs
		e.runLocked(0, true)
	}
	e.mu.Unlock()
	e.log.Debug("replay started", "speed", speed, "offset_ms", startOffsetMs)
	e.notify()
}

// Pause freezes a running replay at its current position.
func (e *Engine) Pause() {
	e.mu.Lock()
	if e.status != Replaying {
		e.mu.Unlock()
		return
	}
	e.sampleLocked()
	e.cancelLocked()
	e.status = Paused
	if e.player != nil {
		e.player.Pause()
	}
	e.mu.Unlock()
	e.log.Debug("replay paused", "position_ms", e.Position())
	e.notify()
}

// Resume continues a paused replay from the position it was paused at. An
// idle engine starts from zero. A finished engine stays finished.
//
// The resume point is the origin position sampled at Pause, not the offset
// of the last applied event, so time spent between events before the pause
// is not replayed twice. Events after that position are rescheduled
// relative to it.
func (e *Engine) Resume() {
	e.mu.Lock()
	switch e.status {
	case Idle:
		speed := e.speed
		e.mu.Unlock()
		e.Start(speed, 0)
		return
	case Paused:
	default:
		e.mu.Unlock()
		return
	}
	e.elapsedBase = e.elapsed
	e.runLocked(0, false)
	e.mu.Unlock()
	e.log.Debug("replay resumed")
	e.notify()
}

// SetSpeed changes the multiplier. A running replay is paused and resumed
// at the new speed so no callback scheduled at the old speed survives.
func (e *Engine) SetSpeed(speed float64) {
	if err := ValidSpeed(speed); err != nil {
		e.log.Warn("replay speed ignored", "err", err)
		return
	}
	e.mu.Lock()
	running := e.status == Replaying
	if running {
		e.sampleLocked()
		e.cancelLocked()
	}
	e.speed = speed
	if e.player != nil {
		e.player.SetRate(speed)
	}
	if running {
		e.elapsedBase = e.elapsed
		e.runLocked(0, false)
	}
	e.mu.Unlock()
	e.notify()
}

// Seek moves to originMs on the origin timeline. A running replay keeps
// running from there; otherwise the engine is left paused at that point.
func (e *Engine) Seek(originMs int64) {
	e.mu.Lock()
	if e.closed || len(e.events) == 0 {
		e.mu.Unlock()
		return
	}
	running := e.status == Replaying
	e.cancelLocked()
	e.forEachFollower(Follower.Rewind)
	origin := clamp(originMs, 0, e.total)
	e.seekLocked(origin)
	e.elapsed = int64(float64(origin) / e.speed)
	e.elapsedBase = e.elapsed
	if running {
		e.runLocked(0, true)
	} else {
		e.status = Paused
		e.doc.SetReadOnly(true)
		if e.player != nil {
			e.player.Pause()
			e.player.Seek(origin)
		}
	}
	e.mu.Unlock()
	e.notify()
}

// Reset cancels everything and restores the seed document.
func (e *Engine) Reset() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.cancelLocked()
	e.forEachFollower(Follower.Rewind)
	e.status = Idle
	e.next, e.lastApplied, e.elapsed, e.position = 0, 0, 0, 0
	e.setDocLocked(e.seed)
	e.doc.SetReadOnly(false)
	if e.player != nil {
		e.player.Pause()
		e.player.Seek(0)
	}
	e.mu.Unlock()
	e.notify()
}

// Close cancels every pending callback and releases subscribers. The
// document is not touched; it may already be gone.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.cancelLocked()
	e.closed = true
	if e.player != nil {
		e.player.Pause()
	}
	e.subs = map[int]func(State){}
	e.mu.Unlock()
}

// State returns a snapshot, sampling progress if a replay is running.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == Replaying {
		e.sampleLocked()
	}
	return e.stateLocked()
}

// Position returns the origin-timeline position.
func (e *Engine) Position() int64 {
	return e.State().PositionMs
}

// Subscribe registers fn for state changes and progress ticks. fn runs
// without the engine lock held.
func (e *Engine) Subscribe(fn func(State)) (unsubscribe func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subID++
	id := e.subID
	e.subs[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subs, id)
	}
}

// runLocked schedules the remaining events from e.position after delay.
func (e *Engine) runLocked(delay time.Duration, seekAudio bool) {
	e.status = Replaying
	e.originBase = e.position
	e.elapsed = e.elapsedBase
	e.runStart = e.clock.Now().Add(delay)
	e.doc.SetReadOnly(true)
	gen := e.gen
	start, speed := e.originBase, e.speed

	for i := e.next; i < len(e.events); i++ {
		idx := i
		d := delay + ApplyDelay(e.offsets[i], start, speed)
		e.timers = append(e.timers, e.clock.AfterFunc(d, func() { e.fire(gen, idx) }))
	}
	e.timers = append(e.timers, e.clock.AfterFunc(delay+CompletionDelay(e.total, start, speed, e.buffer), func() {
		e.complete(gen)
	}))
	e.armPollLocked(gen)

	if e.player != nil {
		e.player.SetRate(speed)
		if seekAudio {
			e.player.Seek(start)
		}
		e.timers = append(e.timers, e.clock.AfterFunc(delay, func() { e.startAudio(gen) }))
	}
	e.forEachFollower(func(f Follower) { f.Follow(start, speed, delay) })
}

// fire applies every event up to idx that has not been applied yet, so
// callbacks that race on a real clock still apply in recorded order.
func (e *Engine) fire(gen uint64, idx int) {
	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return
	}
	e.applyThroughLocked(idx)
	e.sampleLocked()
	e.mu.Unlock()
	e.notify()
}

func (e *Engine) complete(gen uint64) {
	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return
	}
	e.applyThroughLocked(len(e.events) - 1)
	e.cancelLocked()
	e.status = Finished
	e.elapsed = e.elapsedBase + int64(float64(e.total-e.originBase)/e.speed)
	e.position = e.total
	e.lastApplied = 0
	e.doc.SetReadOnly(false)
	if e.player != nil {
		e.player.Pause()
		e.player.Seek(0)
	}
	e.mu.Unlock()
	e.log.Debug("replay finished", "elapsed_ms", e.State().ElapsedMs)
	e.notify()
}

// armPollLocked replaces the progress timer, so a long replay holds one
// poll handle rather than one per tick.
func (e *Engine) armPollLocked(gen uint64) {
	e.pollTimer = e.clock.AfterFunc(e.poll, func() {
		e.mu.Lock()
		if gen != e.gen {
			e.mu.Unlock()
			return
		}
		e.sampleLocked()
		e.armPollLocked(gen)
		e.mu.Unlock()
		e.notify()
	})
}

func (e *Engine) startAudio(gen uint64) {
	e.mu.Lock()
	if gen != e.gen || e.player == nil {
		e.mu.Unlock()
		return
	}
	player := e.player
	e.mu.Unlock()

	// OnReady may run the callback inline, so it is registered unlocked.
	cancel := player.OnReady(func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if gen == e.gen && e.status == Replaying {
			player.Play()
		}
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.gen {
		cancel()
		return
	}
	e.cancelReady = cancel
}

func (e *Engine) applyThroughLocked(idx int) {
	for e.next <= idx && e.next < len(e.events) {
		ev := e.events[e.next]
		if err := e.doc.ApplyEdits(ev.Changes); err != nil {
			e.log.Warn("replay edit dropped", "event", e.next, "err", err)
		}
		e.lastApplied = e.offsets[e.next]
		e.next++
	}
}

// seekLocked rebuilds the document from the seed with every event before
// origin applied.
func (e *Engine) seekLocked(origin int64) {
	e.setDocLocked(e.seed)
	e.next, e.lastApplied = 0, 0
	n := sort.Search(len(e.offsets), func(i int) bool { return e.offsets[i] >= origin })
	if origin > 0 {
		e.applyThroughLocked(n - 1)
	}
	e.position = origin
}

func (e *Engine) setDocLocked(text string) {
	if err := e.doc.SetValue(text); err != nil {
		e.log.Warn("replay document reset failed", "err", err)
	}
}

func (e *Engine) sampleLocked() {
	if e.status != Replaying {
		return
	}
	now := e.clock.Now()
	e.elapsed = SampleElapsed(e.elapsedBase, e.runStart, now)
	e.position = OriginPosition(e.originBase, e.total, e.speed, e.runStart, now)
}

// cancelLocked invalidates every pending callback of the current run.
func (e *Engine) cancelLocked() {
	e.gen++
	for _, t := range e.timers {
		t.Stop()
	}
	e.timers = nil
	if e.pollTimer != nil {
		e.pollTimer.Stop()
		e.pollTimer = nil
	}
	if e.cancelReady != nil {
		e.cancelReady()
		e.cancelReady = nil
	}
	e.forEachFollower(Follower.Halt)
}

func (e *Engine) forEachFollower(fn func(Follower)) {
	for _, f := range e.followers {
		fn(f)
	}
}

func (e *Engine) stateLocked() State {
	return State{
		Status:                   e.status,
		Speed:                    e.speed,
		ElapsedMs:                e.elapsed,
		PositionMs:               e.position,
		TotalMs:                  e.total,
		LastAppliedEventOffsetMs: e.lastApplied,
		Applied:                  e.next,
		Events:                   len(e.events),
	}
}

func (e *Engine) notify() {
	e.mu.Lock()
	state := e.stateLocked()
	subs := make([]func(State), 0, len(e.subs))
	ids := make([]int, 0, len(e.subs))
	for id := range e.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		subs = append(subs, e.subs[id])
	}
	e.mu.Unlock()
	for _, fn := range subs {
		fn(state)
	}
}
