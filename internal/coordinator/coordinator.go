// Package coordinator runs the three editor tracks of a challenge side by
// side: recording, synchronized replay, audio focus and persistence.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"pkt.systems/pslog"

	"github.com/fakeyudi/rewind/internal/audio"
	"github.com/fakeyudi/rewind/internal/capture"
	"github.com/fakeyudi/rewind/internal/clock"
	"github.com/fakeyudi/rewind/internal/document"
	"github.com/fakeyudi/rewind/internal/integrity"
	"github.com/fakeyudi/rewind/internal/logx"
	"github.com/fakeyudi/rewind/internal/replay"
	"github.com/fakeyudi/rewind/internal/session"
)

// DefaultDuckVolume is the volume of unfocused tracks.
const DefaultDuckVolume = 0.1

// ErrRecording is returned when a replay is requested on a recording track.
var ErrRecording = errors.New("track is recording")

// Store is the persistence the coordinator reads and writes.
type Store interface {
	Load(ctx context.Context, challengeID string) []session.RecordingSession
	Save(ctx context.Context, challengeID string, recs []session.RecordingSession) error
}

// Options configures a Coordinator.
type Options struct {
	ChallengeID string

	// Seeds holds the boilerplate a new recording starts from. Loaded
	// recordings replay from the seed they were recorded with.
	Seeds [session.TrackCount]string

	Store         Store
	Clock         clock.Clock
	DuckVolume    float64
	SaveDebounce  time.Duration // default 2s
	DismissAfter  time.Duration
	Device        audio.Device
	Uploader      audio.Uploader
	Fetcher       audio.Fetcher
	ChunkInterval time.Duration

	// OnNotify is called when an integrity notification is shown or hidden.
	OnNotify func(track int, n integrity.Notification, shown bool)
}

// Coordinator owns exactly three tracks. Its own lock is never held while
// calling into a document, engine or recorder.
type Coordinator struct {
	opts  Options
	clock clock.Clock
	ctx   context.Context
	log   pslog.Logger

	mu          sync.Mutex
	tracks      [session.TrackCount]*track
	focused     int
	focusedOnce bool
	speed       float64
	closed      bool

	saveMu    sync.Mutex
	saveTimer clock.Timer
	dirty     bool
}

type track struct {
	index     int
	doc       *document.Document
	player    *audio.VirtualPlayer
	capture   *capture.Capture
	recorder  *audio.Recorder
	engine    *replay.Engine
	integrity *integrity.Scheduler

	sessionID string
	seed      string
	editLog   session.EditLog
	flags     []session.Flag
	events    []session.IntegrityEvent
	audioRef  string
	finalCode *string
	recording bool
}

// TrackState is a snapshot of one track for display.
type TrackState struct {
	Index        int
	SessionID    string
	Replay       replay.State
	Volume       float64
	Focused      bool
	Recording    bool
	Events       int // events in the replayable log
	Captured     int // events in the capture buffer
	AudioRef     string
	Content      string
	Notification *integrity.Notification
}

// New builds the three tracks. ctx bounds background work such as audio
// capture and loading.
func New(ctx context.Context, opts Options) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.DuckVolume <= 0 || opts.DuckVolume > 1 {
		opts.DuckVolume = DefaultDuckVolume
	}
	if opts.SaveDebounce <= 0 {
		opts.SaveDebounce = 2 * time.Second
	}
	c := &Coordinator{
		opts:    opts,
		clock:   opts.Clock,
		ctx:     ctx,
		log:     logx.WithChallenge(pslog.Ctx(ctx), opts.ChallengeID),
		focused: -1,
		speed:   1,
	}
	for i := range c.tracks {
		c.tracks[i] = c.newTrack(i)
	}
	return c
}

func (c *Coordinator) newTrack(i int) *track {
	t := &track{
		index:  i,
		seed:   c.opts.Seeds[i],
		doc:    document.New(c.opts.Seeds[i]),
		player: audio.NewVirtualPlayer(c.clock),
	}
	t.recorder = audio.NewRecorder(audio.RecorderOptions{
		Device:        c.opts.Device,
		Uploader:      c.opts.Uploader,
		Clock:         c.clock,
		ChunkInterval: c.opts.ChunkInterval,
		Logger:        logx.WithTrack(c.log, i),
	})
	t.capture = capture.New(capture.Options{
		Clock:        c.clock,
		OnFirstEvent: func() { go c.startAudio(i) },
		OnEvent:      func(session.EditEvent) { c.markDirty() },
	})
	t.capture.Attach(t.doc)
	t.engine, t.integrity = c.buildEngine(t)
	return t
}

// buildEngine creates the replay engine and integrity scheduler for the
// track's current log.
func (c *Coordinator) buildEngine(t *track) (*replay.Engine, *integrity.Scheduler) {
	idx := t.index
	sched := integrity.New(t.events, integrity.Options{
		Clock:        c.clock,
		DismissAfter: c.opts.DismissAfter,
		OnShow: func(n integrity.Notification) {
			if c.opts.OnNotify != nil {
				c.opts.OnNotify(idx, n, true)
			}
		},
		OnDismiss: func(n integrity.Notification) {
			if c.opts.OnNotify != nil {
				c.opts.OnNotify(idx, n, false)
			}
		},
	})
	eng := replay.New(t.editLog, t.events, t.doc, t.player, replay.Options{
		Clock:     c.clock,
		Seed:      t.seed,
		FinalCode: t.finalCode,
		Logger:    logx.WithSession(logx.WithTrack(c.log, idx), t.sessionID),
		Followers: []replay.Follower{sched},
	})
	return eng, sched
}

// rebuild swaps in a fresh engine for t. Caller must not hold c.mu.
func (c *Coordinator) rebuild(t *track) {
	c.mu.Lock()
	oldEngine, oldSched := t.engine, t.integrity
	t.engine, t.integrity = c.buildEngine(t)
	c.mu.Unlock()
	oldEngine.Close()
	oldSched.Close()
}

func (c *Coordinator) track(i int) (*track, error) {
	if i < 0 || i >= session.TrackCount {
		return nil, fmt.Errorf("%w: %d", session.ErrInvalidTrack, i)
	}
	return c.tracks[i], nil
}

// Load replaces every track's recording with what the store holds.
func (c *Coordinator) Load(ctx context.Context) {
	recs := c.opts.Store.Load(ctx, c.opts.ChallengeID)
	for _, rec := range recs {
		t := c.tracks[rec.TrackIndex]
		c.mu.Lock()
		t.sessionID = rec.SessionID
		t.seed = rec.Seed
		t.editLog = rec.EditLog.Clone()
		t.events = append([]session.IntegrityEvent(nil), rec.IntegrityEvents...)
		t.audioRef = rec.AudioRef
		t.finalCode = rec.FinalCode
		c.mu.Unlock()
		c.rebuild(t)
		if rec.AudioRef != "" {
			go c.loadAudio(t, rec.SessionID)
		}
	}
	c.log.Info("recordings loaded", "count", len(recs))
}

func (c *Coordinator) loadAudio(t *track, sessionID string) {
	if c.opts.Fetcher == nil {
		return
	}
	if err := t.player.Load(c.ctx, c.opts.Fetcher, sessionID); err != nil {
		logx.WithTrack(c.log, t.index).Warn("audio load failed", "session", sessionID, "err", err)
	}
}

// CanStartAll reports whether every track has a non-empty log and none is
// recording.
func (c *Coordinator) CanStartAll() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.tracks {
		if len(t.editLog) == 0 || t.recording {
			return false
		}
	}
	return true
}

// StartAll starts every track from zero at the shared speed. It does
// nothing and reports false unless all three tracks have data.
func (c *Coordinator) StartAll() bool {
	if !c.CanStartAll() {
		c.log.Debug("start all ignored", "reason", "incomplete tracks")
		return false
	}
	c.mu.Lock()
	speed := c.speed
	engines := c.enginesLocked()
	for _, t := range c.tracks {
		t.capture.SetEnabled(false)
	}
	c.mu.Unlock()
	for _, e := range engines {
		e.Start(speed, 0)
	}
	c.log.Info("replay started", "tracks", len(engines), "speed", speed)
	return true
}

// PauseAll pauses every running track.
func (c *Coordinator) PauseAll() {
	for _, e := range c.engines() {
		e.Pause()
	}
}

// ResumeAll resumes every paused track. A recording track is left alone.
func (c *Coordinator) ResumeAll() {
	for _, e := range c.replayable() {
		if e.State().Status == replay.Paused {
			e.Resume()
		}
	}
}

// SetSpeed changes the speed of every track.
func (c *Coordinator) SetSpeed(speed float64) {
	if err := replay.ValidSpeed(speed); err != nil {
		c.log.Warn("speed ignored", "err", err)
		return
	}
	c.mu.Lock()
	c.speed = speed
	engines := c.enginesLocked()
	c.mu.Unlock()
	for _, e := range engines {
		e.SetSpeed(speed)
	}
}

// Speed returns the shared speed.
func (c *Coordinator) Speed() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speed
}

// Focus makes track i the loud one and ducks the others. Focusing the
// focused track clears focus. The first focus of the coordinator's life
// also starts every track if none is playing.
func (c *Coordinator) Focus(i int) {
	if _, err := c.track(i); err != nil {
		c.log.Warn("focus ignored", "err", err)
		return
	}
	c.mu.Lock()
	first := !c.focusedOnce
	c.focusedOnce = true
	if c.focused == i {
		c.focused = -1
	} else {
		c.focused = i
	}
	focused := c.focused
	engines := c.enginesLocked()
	c.mu.Unlock()

	for idx, t := range c.tracks {
		switch {
		case focused == -1, idx == focused:
			t.player.SetVolume(1)
		default:
			t.player.SetVolume(c.opts.DuckVolume)
		}
	}

	if first {
		playing := false
		for _, e := range engines {
			if e.State().Status == replay.Replaying {
				playing = true
				break
			}
		}
		if !playing {
			c.StartAll()
		}
	}
}

// Focused returns the focused track or -1.
func (c *Coordinator) Focused() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.focused
}

// StartRecording discards track i's replay, resets its document to the
// seed and begins capturing. Other tracks are untouched.
func (c *Coordinator) StartRecording(i int) error {
	t, err := c.track(i)
	if err != nil {
		return err
	}
	t.capture.SetEnabled(false)
	c.mu.Lock()
	eng := t.engine
	c.mu.Unlock()
	eng.Reset()
	t.player.Pause()
	t.player.Seek(0)

	c.mu.Lock()
	if t.sessionID == "" {
		t.sessionID = uuid.NewString()
	}
	t.recording = true
	t.seed = c.opts.Seeds[i]
	t.flags, t.events, t.finalCode = nil, nil, nil
	sessionID, seed := t.sessionID, t.seed
	c.mu.Unlock()

	if err := t.doc.SetValue(seed); err != nil {
		return fmt.Errorf("resetting track %d: %w", i, err)
	}
	t.doc.SetReadOnly(false)
	t.capture.Reset()
	t.capture.SetEnabled(true)
	logx.WithTrack(c.log, i).Info("recording started", "session", sessionID)
	return nil
}

// StopRecording seals track i's log, rebases the flags raised while it
// recorded, keeps the document as the final code, uploads its audio and
// schedules a save. An upload failure is returned but the log is kept.
func (c *Coordinator) StopRecording(ctx context.Context, i int) error {
	t, err := c.track(i)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if !t.recording {
		c.mu.Unlock()
		return nil
	}
	t.recording = false
	c.mu.Unlock()

	editLog := t.capture.Seal()
	final := t.doc.Value()
	c.mu.Lock()
	t.editLog = editLog
	t.events = session.RelativeIntegrityEvents(t.flags, editLog)
	t.flags = nil
	t.finalCode = &final
	c.mu.Unlock()

	var uploadErr error
	ref, err := t.recorder.Stop(ctx)
	switch {
	case errors.Is(err, audio.ErrNotStarted):
	case err != nil:
		uploadErr = err
		logx.WithTrack(c.log, i).Warn("audio upload failed", "err", err)
	case ref != "":
		c.mu.Lock()
		t.audioRef = ref
		sessionID := t.sessionID
		c.mu.Unlock()
		go c.loadAudio(t, sessionID)
	}

	c.rebuild(t)
	c.markDirty()
	logx.WithTrack(c.log, i).Info("recording stopped", "events", len(editLog))
	return uploadErr
}

func (c *Coordinator) startAudio(i int) {
	t := c.tracks[i]
	c.mu.Lock()
	sessionID, recording := t.sessionID, t.recording
	c.mu.Unlock()
	if !recording {
		return
	}
	if err := t.recorder.Start(c.ctx, sessionID); err != nil {
		logx.WithTrack(c.log, i).Warn("audio unavailable, recording edits only", "err", err)
		return
	}
	c.mu.Lock()
	recording = t.recording
	c.mu.Unlock()
	if !recording {
		// StopRecording ran while the device was opening
		t.recorder.Cancel()
	}
}

// Flag records an integrity flag against track i. Flags only attach to a
// recording in progress and are rebased onto its log when it stops.
func (c *Coordinator) Flag(i int, f session.Flag) error {
	t, err := c.track(i)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !t.recording {
		return fmt.Errorf("flag track %d: not recording", i)
	}
	t.flags = append(t.flags, f)
	return nil
}

// Replay starts track i alone from zero.
func (c *Coordinator) Replay(i int) error {
	t, err := c.track(i)
	if err != nil {
		return err
	}
	c.mu.Lock()
	speed, eng, recording := c.speed, t.engine, t.recording
	c.mu.Unlock()
	if recording {
		return fmt.Errorf("replay track %d: %w", i, ErrRecording)
	}
	t.capture.SetEnabled(false)
	eng.Start(speed, 0)
	return nil
}

// Pause pauses track i.
func (c *Coordinator) Pause(i int) error {
	t, err := c.track(i)
	if err != nil {
		return err
	}
	c.engineOf(t).Pause()
	return nil
}

// Resume resumes track i.
func (c *Coordinator) Resume(i int) error {
	t, err := c.track(i)
	if err != nil {
		return err
	}
	c.mu.Lock()
	eng, recording := t.engine, t.recording
	c.mu.Unlock()
	if recording {
		return fmt.Errorf("resume track %d: %w", i, ErrRecording)
	}
	t.capture.SetEnabled(false)
	eng.Resume()
	return nil
}

// Seek moves every track that is not recording to originMs.
func (c *Coordinator) Seek(originMs int64) {
	for _, e := range c.replayable() {
		e.Seek(originMs)
	}
}

// Document returns track i's document.
func (c *Coordinator) Document(i int) *document.Document {
	return c.tracks[i].doc
}

// Player returns track i's audio handle.
func (c *Coordinator) Player(i int) *audio.VirtualPlayer {
	return c.tracks[i].player
}

// Dismiss hides track i's visible notification.
func (c *Coordinator) Dismiss(i int) {
	c.mu.Lock()
	sched := c.tracks[i].integrity
	c.mu.Unlock()
	sched.Dismiss()
}

// Snapshot returns the state of every track.
func (c *Coordinator) Snapshot() [session.TrackCount]TrackState {
	var out [session.TrackCount]TrackState
	c.mu.Lock()
	focused := c.focused
	type ref struct {
		eng   *replay.Engine
		sched *integrity.Scheduler
	}
	refs := make([]ref, len(c.tracks))
	for i, t := range c.tracks {
		refs[i] = ref{t.engine, t.integrity}
		out[i] = TrackState{
			Index:     i,
			SessionID: t.sessionID,
			Focused:   focused == i,
			Recording: t.recording,
			AudioRef:  t.audioRef,
		}
	}
	c.mu.Unlock()

	for i, t := range c.tracks {
		out[i].Replay = refs[i].eng.State()
		out[i].Volume = t.player.Volume()
		out[i].Content = t.doc.Value()
		out[i].Events = out[i].Replay.Events
		out[i].Captured = t.capture.Len()
		if n, ok := refs[i].sched.Active(); ok {
			out[i].Notification = &n
		}
	}
	return out
}

// Recordings returns the persistable state of every track that has one.
func (c *Coordinator) Recordings() []session.RecordingSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []session.RecordingSession
	for _, t := range c.tracks {
		if t.sessionID == "" || (len(t.editLog) == 0 && t.finalCode == nil) {
			continue
		}
		out = append(out, session.RecordingSession{
			TrackIndex:      t.index,
			SessionID:       t.sessionID,
			Seed:            t.seed,
			EditLog:         t.editLog.Clone(),
			AudioRef:        t.audioRef,
			IntegrityEvents: append([]session.IntegrityEvent(nil), t.events...),
			FinalCode:       t.finalCode,
		})
	}
	return out
}

// markDirty schedules a save SaveDebounce after the latest mutation.
func (c *Coordinator) markDirty() {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()
	c.dirty = true
	if c.saveTimer != nil {
		c.saveTimer.Stop()
	}
	c.saveTimer = c.clock.AfterFunc(c.opts.SaveDebounce, func() {
		if err := c.Flush(c.ctx); err != nil {
			c.log.Warn("debounced save failed", "err", err)
		}
	})
}

// Flush writes pending changes now.
func (c *Coordinator) Flush(ctx context.Context) error {
	c.saveMu.Lock()
	if c.saveTimer != nil {
		c.saveTimer.Stop()
		c.saveTimer = nil
	}
	dirty := c.dirty
	c.dirty = false
	c.saveMu.Unlock()
	if !dirty {
		return nil
	}

	recs := c.Recordings()
	// live tracks persist what has been captured so far
	c.mu.Lock()
	var live []*track
	for _, t := range c.tracks {
		if t.recording {
			live = append(live, t)
		}
	}
	c.mu.Unlock()
	for _, t := range live {
		partial := t.capture.Log()
		if len(partial) == 0 {
			continue
		}
		c.mu.Lock()
		rec := session.RecordingSession{
			TrackIndex:      t.index,
			SessionID:       t.sessionID,
			Seed:            t.seed,
			EditLog:         partial,
			AudioRef:        t.audioRef,
			IntegrityEvents: session.RelativeIntegrityEvents(t.flags, partial),
		}
		c.mu.Unlock()
		recs = session.MergeRecordings(recs, []session.RecordingSession{rec})
	}
	if len(recs) == 0 {
		return nil
	}
	if err := c.opts.Store.Save(ctx, c.opts.ChallengeID, recs); err != nil {
		c.saveMu.Lock()
		c.dirty = true
		c.saveMu.Unlock()
		return err
	}
	c.log.Debug("recordings flushed", "count", len(recs))
	return nil
}

// Close cancels all timers, releases audio devices and flushes pending
// changes.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	for _, t := range c.tracks {
		t.capture.SetEnabled(false)
		t.capture.Detach()
		t.recorder.Cancel()
		c.engineOf(t).Close()
		c.mu.Lock()
		sched := t.integrity
		c.mu.Unlock()
		sched.Close()
	}
	return c.Flush(ctx)
}

func (c *Coordinator) engines() []*replay.Engine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enginesLocked()
}

// replayable returns the engines of tracks that are not recording, with
// capture switched off so replayed edits are never recorded.
func (c *Coordinator) replayable() []*replay.Engine {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*replay.Engine
	for _, t := range c.tracks {
		if t.recording {
			continue
		}
		t.capture.SetEnabled(false)
		out = append(out, t.engine)
	}
	return out
}

func (c *Coordinator) enginesLocked() []*replay.Engine {
	out := make([]*replay.Engine, len(c.tracks))
	for i, t := range c.tracks {
		out[i] = t.engine
	}
	return out
}

func (c *Coordinator) engineOf(t *track) *replay.Engine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return t.engine
}
