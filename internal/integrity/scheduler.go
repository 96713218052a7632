// Package integrity surfaces integrity flags as timed notifications kept in
// step with a replay.
package integrity

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/fakeyudi/rewind/internal/clock"
	"github.com/fakeyudi/rewind/internal/session"
)

// Notification is one surfaced integrity event.
type Notification struct {
	Type     session.IntegrityType
	Ordinal  int // 1-based among events of the same type
	OffsetMs int64
	Detail   string
}

// Message renders the notification the way the viewer shows it.
func (n Notification) Message() string {
	return n.Type.Label() + " #" + strconv.Itoa(n.Ordinal)
}

// Options configures a Scheduler.
type Options struct {
	Clock        clock.Clock
	DismissAfter time.Duration // default 2s
	OnShow       func(Notification)
	OnDismiss    func(Notification)
}

// Scheduler fires each integrity event at most once per replay run.
type Scheduler struct {
	clock     clock.Clock
	dismissIn time.Duration
	onShow    func(Notification)
	onDismiss func(Notification)

	mu      sync.Mutex
	events  []Notification
	fired   []bool
	gen     uint64
	timers  []clock.Timer
	active  *Notification
	dismiss clock.Timer
	closed  bool
}

// New returns a scheduler for events, which need not be sorted.
func New(events []session.IntegrityEvent, opts Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.DismissAfter <= 0 {
		opts.DismissAfter = 2 * time.Second
	}
	sorted := append([]session.IntegrityEvent(nil), events...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].RelativeOffsetMs < sorted[j].RelativeOffsetMs
	})
	counts := map[session.IntegrityType]int{}
	notes := make([]Notification, len(sorted))
	for i, ev := range sorted {
		counts[ev.Type]++
		notes[i] = Notification{Type: ev.Type, Ordinal: counts[ev.Type], OffsetMs: ev.RelativeOffsetMs, Detail: ev.Detail}
	}
	return &Scheduler{
		clock:     opts.Clock,
		dismissIn: opts.DismissAfter,
		onShow:    opts.OnShow,
		onDismiss: opts.OnDismiss,
		events:    notes,
		fired:     make([]bool, len(notes)),
	}
}

// Follow cancels pending notifications and schedules every unfired event at
// or after positionMs, each at delay + (offset - position) / speed.
func (s *Scheduler) Follow(positionMs int64, speed float64, delay time.Duration) {
	if speed <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.haltLocked()
	gen := s.gen
	for i, n := range s.events {
		if s.fired[i] || n.OffsetMs < positionMs {
			continue
		}
		idx := i
		d := delay + time.Duration(float64(n.OffsetMs-positionMs)*float64(time.Millisecond)/speed)
		s.timers = append(s.timers, s.clock.AfterFunc(d, func() { s.fire(gen, idx) }))
	}
}

// Halt cancels every pending notification. A visible one stays until it is
// dismissed.
func (s *Scheduler) Halt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.haltLocked()
}

// Rewind forgets which events have fired.
func (s *Scheduler) Rewind() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.fired {
		s.fired[i] = false
	}
}

// Dismiss hides the visible notification early.
func (s *Scheduler) Dismiss() {
	s.mu.Lock()
	n := s.clearActiveLocked()
	s.mu.Unlock()
	if n != nil && s.onDismiss != nil {
		s.onDismiss(*n)
	}
}

// Active returns the visible notification.
func (s *Scheduler) Active() (Notification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return Notification{}, false
	}
	return *s.active, true
}

// Fired returns how many events have been surfaced since the last Rewind.
func (s *Scheduler) Fired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, f := range s.fired {
		if f {
			n++
		}
	}
	return n
}

// Close cancels everything including the dismiss timer.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.haltLocked()
	s.clearActiveLocked()
	s.closed = true
}

func (s *Scheduler) fire(gen uint64, idx int) {
	s.mu.Lock()
	if gen != s.gen || s.fired[idx] {
		s.mu.Unlock()
		return
	}
	s.fired[idx] = true
	prev := s.clearActiveLocked()
	n := s.events[idx]
	s.active = &n
	s.dismiss = s.clock.AfterFunc(s.dismissIn, func() { s.expire(&n) })
	s.mu.Unlock()

	if prev != nil && s.onDismiss != nil {
		s.onDismiss(*prev)
	}
	if s.onShow != nil {
		s.onShow(n)
	}
}

func (s *Scheduler) expire(n *Notification) {
	s.mu.Lock()
	if s.active != n {
		s.mu.Unlock()
		return
	}
	s.active = nil
	s.dismiss = nil
	s.mu.Unlock()
	if s.onDismiss != nil {
		s.onDismiss(*n)
	}
}

func (s *Scheduler) haltLocked() {
	s.gen++
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil
}

func (s *Scheduler) clearActiveLocked() *Notification {
	n := s.active
	s.active = nil
	if s.dismiss != nil {
		s.dismiss.Stop()
		s.dismiss = nil
	}
	return n
}
