// Package capture records the mutations of a document into an EditLog.
package capture

import (
	"sync"
	"sync/atomic"

	"github.com/fakeyudi/rewind/internal/clock"
	"github.com/fakeyudi/rewind/internal/document"
	"github.com/fakeyudi/rewind/internal/session"
)

// Source is a document that reports its mutations.
type Source interface {
	OnDidChange(fn document.Listener) (dispose func())
}

// Options configures a Capture. Hooks run synchronously inside the
// document's change notification and must not block.
type Options struct {
	Clock clock.Clock
	// OnFirstEvent runs once per recording, on the first captured event.
	OnFirstEvent func()
	// OnEvent runs after every captured event.
	OnEvent func(ev session.EditEvent)
}

// Capture appends an EditEvent for every mutation observed while enabled.
// Mutations observed while disabled are dropped, not buffered.
type Capture struct {
	clock   clock.Clock
	onFirst func()
	onEvent func(session.EditEvent)

	enabled atomic.Bool

	mu      sync.Mutex
	log     session.EditLog
	first   bool
	dispose func()
}

// New returns a disabled, detached Capture.
func New(opts Options) *Capture {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Capture{clock: opts.Clock, onFirst: opts.OnFirstEvent, onEvent: opts.OnEvent}
}

// Attach subscribes to src, disposing any previous subscription first so a
// re-attached source never produces duplicate events.
func (c *Capture) Attach(src Source) {
	c.mu.Lock()
	prev := c.dispose
	c.dispose = nil
	c.mu.Unlock()
	if prev != nil {
		prev()
	}
	dispose := src.OnDidChange(c.handle)
	c.mu.Lock()
	c.dispose = dispose
	c.mu.Unlock()
}

// Detach drops the current subscription, if any.
func (c *Capture) Detach() {
	c.mu.Lock()
	prev := c.dispose
	c.dispose = nil
	c.mu.Unlock()
	if prev != nil {
		prev()
	}
}

// SetEnabled toggles recording. The flag is read synchronously by the
// change callback.
func (c *Capture) SetEnabled(on bool) { c.enabled.Store(on) }

// Enabled reports the capture flag.
func (c *Capture) Enabled() bool { return c.enabled.Load() }

// Reset discards the log and re-arms OnFirstEvent.
func (c *Capture) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = nil
	c.first = false
}

// Seal disables capture and returns the recorded log.
func (c *Capture) Seal() session.EditLog {
	c.enabled.Store(false)
	return c.Log()
}

// Log returns a copy of the recorded events.
func (c *Capture) Log() session.EditLog {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.log.Clone()
}

// Len returns the number of recorded events.
func (c *Capture) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.log)
}

func (c *Capture) handle(changes []session.EditDelta) {
	if !c.enabled.Load() {
		return
	}
	ev := session.EditEvent{
		Changes:   append([]session.EditDelta(nil), changes...),
		Timestamp: c.clock.Now().UnixMilli(),
	}
	c.mu.Lock()
	if n := len(c.log); n > 0 && ev.Timestamp < c.log[n-1].Timestamp {
		// keep the log non-decreasing if the wall clock steps back
		ev.Timestamp = c.log[n-1].Timestamp
	}
	c.log = append(c.log, ev)
	fireFirst := !c.first
	c.first = true
	c.mu.Unlock()

	if fireFirst && c.onFirst != nil {
		c.onFirst()
	}
	if c.onEvent != nil {
		c.onEvent(ev)
	}
}
