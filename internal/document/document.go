// Package document is an in-memory text model addressed by 1-based
// line/column ranges, the handle recorded edits are captured from and
// replayed into.
package document

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/fakeyudi/rewind/internal/session"
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("document closed")
	// ErrReadOnly is returned by Edit while the document is read-only.
	ErrReadOnly = errors.New("document is read-only")
	// ErrOverlappingEdits is returned when deltas of one batch overlap.
	ErrOverlappingEdits = errors.New("overlapping edits")
)

// Listener receives the deltas of one atomic mutation.
type Listener func(changes []session.EditDelta)

// Document is safe for concurrent use. Listeners run synchronously on the
// mutating goroutine after the document's lock has been released.
type Document struct {
	mu        sync.Mutex
	text      []rune
	readOnly  bool
	closed    bool
	nextID    int
	listeners []listenerEntry
}

type listenerEntry struct {
	id int
	fn Listener
}

// New returns a document holding text.
func New(text string) *Document {
	return &Document{text: []rune(text)}
}

// Value returns the current content.
func (d *Document) Value() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return string(d.text)
}

// SetValue replaces the whole content and notifies listeners with a single
// delta spanning the previous content.
func (d *Document) SetValue(text string) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	old := d.text
	end := positionAt(old, len(old))
	delta := session.EditDelta{
		Range: session.Range{
			StartLineNumber: 1,
			StartColumn:     1,
			EndLineNumber:   end.line,
			EndColumn:       end.col,
		},
		RangeOffset: 0,
		RangeLength: len(old),
		Text:        text,
	}
	d.text = []rune(text)
	listeners := d.snapshotListeners()
	d.mu.Unlock()

	notify(listeners, []session.EditDelta{delta})
	return nil
}

// ApplyEdits applies deltas atomically regardless of the read-only flag.
// Ranges are resolved against the content before the batch. Either every
// delta is applied or none is.
func (d *Document) ApplyEdits(deltas []session.EditDelta) error {
	return d.apply(deltas, false)
}

// Edit applies deltas as a user edit. It fails with ErrReadOnly while the
// document is read-only.
func (d *Document) Edit(deltas []session.EditDelta) error {
	return d.apply(deltas, true)
}

// SetReadOnly toggles whether Edit is accepted.
func (d *Document) SetReadOnly(ro bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readOnly = ro
}

// ReadOnly reports the read-only flag.
func (d *Document) ReadOnly() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readOnly
}

// OnDidChange registers fn and returns a func that unregisters it.
func (d *Document) OnDidChange(fn Listener) (dispose func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.listeners = append(d.listeners, listenerEntry{id: id, fn: fn})
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, l := range d.listeners {
			if l.id == id {
				d.listeners = append(d.listeners[:i:i], d.listeners[i+1:]...)
				return
			}
		}
	}
}

// Close drops every listener. Later mutations fail with ErrClosed.
func (d *Document) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.listeners = nil
}

// Closed reports whether Close has been called.
func (d *Document) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

type resolved struct {
	idx        int
	start, end int
}

func (d *Document) apply(deltas []session.EditDelta, user bool) error {
	if len(deltas) == 0 {
		return nil
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	if user && d.readOnly {
		d.mu.Unlock()
		return ErrReadOnly
	}

	spans := make([]resolved, len(deltas))
	for i, delta := range deltas {
		start := offsetAt(d.text, delta.Range.StartLineNumber, delta.Range.StartColumn)
		end := offsetAt(d.text, delta.Range.EndLineNumber, delta.Range.EndColumn)
		if end < start {
			start, end = end, start
		}
		spans[i] = resolved{idx: i, start: start, end: end}
	}
	sorted := append([]resolved(nil), spans...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].start < sorted[j].start })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].start < sorted[i-1].end {
			d.mu.Unlock()
			return fmt.Errorf("%w: deltas %d and %d", ErrOverlappingEdits, sorted[i-1].idx, sorted[i].idx)
		}
	}

	out := make([]rune, 0, len(d.text))
	cursor := 0
	for _, s := range sorted {
		out = append(out, d.text[cursor:s.start]...)
		out = append(out, []rune(deltas[s.idx].Text)...)
		cursor = s.end
	}
	out = append(out, d.text[cursor:]...)

	emitted := make([]session.EditDelta, len(deltas))
	for i, delta := range deltas {
		delta.RangeOffset = spans[i].start
		delta.RangeLength = spans[i].end - spans[i].start
		emitted[i] = delta
	}
	d.text = out
	listeners := d.snapshotListeners()
	d.mu.Unlock()

	notify(listeners, emitted)
	return nil
}

// snapshotListeners copies the listener list. Caller must hold d.mu.
func (d *Document) snapshotListeners() []Listener {
	out := make([]Listener, len(d.listeners))
	for i, l := range d.listeners {
		out[i] = l.fn
	}
	return out
}

func notify(listeners []Listener, changes []session.EditDelta) {
	for _, fn := range listeners {
		fn(changes)
	}
}
