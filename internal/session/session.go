package session

import (
	"errors"
	"fmt"
	"sort"
)

// TrackCount is the number of editor panes a challenge is recorded into.
const TrackCount = 3

var (
	// ErrInvalidTrack is returned when a track index is outside 0..TrackCount-1.
	ErrInvalidTrack = errors.New("invalid track index")
	// ErrOutOfOrder is returned by Validate when timestamps decrease.
	ErrOutOfOrder = errors.New("edit events out of order")
)

// Range addresses a span of a document using 1-based line/column pairs.
type Range struct {
	StartLineNumber int `json:"startLineNumber"`
	StartColumn     int `json:"startColumn"`
	EndLineNumber   int `json:"endLineNumber"`
	EndColumn       int `json:"endColumn"`
}

// IsEmpty reports whether the range is a caret position.
func (r Range) IsEmpty() bool {
	return r.StartLineNumber == r.EndLineNumber && r.StartColumn == r.EndColumn
}

// EditDelta is one atomic text replacement.
type EditDelta struct {
	Range       Range  `json:"range"`
	RangeOffset int    `json:"rangeOffset"`
	RangeLength int    `json:"rangeLength"`
	Text        string `json:"text"`
}

// EditEvent is a timestamped batch of deltas observed as one mutation.
type EditEvent struct {
	Changes   []EditDelta `json:"changes"`
	Timestamp int64       `json:"timestamp"` // epoch milliseconds
}

// EditLog is the ordered list of events recorded for one session.
type EditLog []EditEvent

// Validate checks that timestamps never decrease.
func (l EditLog) Validate() error {
	for i := 1; i < len(l); i++ {
		if l[i].Timestamp < l[i-1].Timestamp {
			return fmt.Errorf("%w: event %d at %d precedes event %d at %d",
				ErrOutOfOrder, i, l[i].Timestamp, i-1, l[i-1].Timestamp)
		}
	}
	return nil
}

// Origin returns the timestamp of the first event, or 0 for an empty log.
func (l EditLog) Origin() int64 {
	if len(l) == 0 {
		return 0
	}
	return l[0].Timestamp
}

// OriginOffsets rebases every timestamp onto the first event.
func (l EditLog) OriginOffsets() []int64 {
	out := make([]int64, len(l))
	origin := l.Origin()
	for i, ev := range l {
		out[i] = ev.Timestamp - origin
	}
	return out
}

// Clone returns a deep copy of the log.
func (l EditLog) Clone() EditLog {
	if l == nil {
		return nil
	}
	out := make(EditLog, len(l))
	for i, ev := range l {
		out[i] = EditEvent{
			Changes:   append([]EditDelta(nil), ev.Changes...),
			Timestamp: ev.Timestamp,
		}
	}
	return out
}

// IntegrityType names a kind of integrity flag.
type IntegrityType string

const (
	LookedAway IntegrityType = "looked_away"
	TabSwitch  IntegrityType = "tab_switch"
	CopyPaste  IntegrityType = "copy_paste"
)

// Valid reports whether t is a known integrity type.
func (t IntegrityType) Valid() bool {
	switch t {
	case LookedAway, TabSwitch, CopyPaste:
		return true
	}
	return false
}

// Label is the human-readable name shown in notifications.
func (t IntegrityType) Label() string {
	switch t {
	case TabSwitch:
		return "Tab Switching"
	case CopyPaste:
		return "Code Pasted"
	case LookedAway:
		return "Looked Away"
	default:
		return "Warning"
	}
}

// IntegrityEvent is a flag rebased onto the edit log's origin.
type IntegrityEvent struct {
	Type             IntegrityType `json:"type"`
	RelativeOffsetMs int64         `json:"relativeOffsetMs"`
	Detail           string        `json:"detail,omitempty"`
}

// Flag is a raw integrity record as produced by the proctoring side.
type Flag struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"` // epoch milliseconds
	Details   string `json:"details"`
}

// RelativeIntegrityEvents rebases flags onto the first event of log.
// Unknown flag types are dropped; flags raised before the first edit are
// clamped to offset 0. The result is sorted by offset.
func RelativeIntegrityEvents(flags []Flag, log EditLog) []IntegrityEvent {
	origin := log.Origin()
	out := make([]IntegrityEvent, 0, len(flags))
	for _, f := range flags {
		typ := IntegrityType(f.Type)
		if !typ.Valid() {
			continue
		}
		off := f.Timestamp - origin
		if len(log) == 0 || off < 0 {
			off = 0
		}
		out = append(out, IntegrityEvent{Type: typ, RelativeOffsetMs: off, Detail: f.Details})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RelativeOffsetMs < out[j].RelativeOffsetMs
	})
	return out
}

// RecordingSession is the persisted state of one track.
type RecordingSession struct {
	TrackIndex      int              `json:"editorIndex"`
	SessionID       string           `json:"submissionId"`
	Seed            string           `json:"seed,omitempty"` // document content before the first edit
	EditLog         EditLog          `json:"recordedChanges"`
	AudioRef        string           `json:"audioFileName,omitempty"`
	IntegrityEvents []IntegrityEvent `json:"integrityEvents,omitempty"`
	FinalCode       *string          `json:"finalCode,omitempty"`
}

// Validate checks the track index, session id and event order.
func (r RecordingSession) Validate() error {
	if r.TrackIndex < 0 || r.TrackIndex >= TrackCount {
		return fmt.Errorf("%w: %d", ErrInvalidTrack, r.TrackIndex)
	}
	if r.SessionID == "" {
		return errors.New("session id is required")
	}
	return r.EditLog.Validate()
}

// MergeRecordings replaces existing entries by track index, appends new
// ones and returns the set sorted by track index.
func MergeRecordings(existing, incoming []RecordingSession) []RecordingSession {
	out := make([]RecordingSession, 0, len(existing)+len(incoming))
	out = append(out, existing...)
	for _, rec := range incoming {
		replaced := false
		for i := range out {
			if out[i].TrackIndex == rec.TrackIndex {
				out[i] = rec
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].TrackIndex < out[j].TrackIndex
	})
	return out
}
