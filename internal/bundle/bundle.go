package bundle

import (
	"sort"
	"strconv"
	"time"

	"github.com/fakeyudi/rewind/internal/replay"
	"github.com/fakeyudi/rewind/internal/session"
)

// Version is the bundle format version written by the renderers.
const Version = 1

// Bundle is the complete, portable representation of a challenge's
// recordings.
type Bundle struct {
	Version     int                        `json:"version"`
	ChallengeID string                     `json:"challenge_id"`
	ExportedAt  time.Time                  `json:"exported_at"`
	Recordings  []session.RecordingSession `json:"recordings"`
	// Audio maps session id to the recorded blob.
	Audio map[string][]byte `json:"audio,omitempty"`
}

// New assembles a bundle. Recordings are sorted by track index.
func New(challengeID string, recs []session.RecordingSession, audio map[string][]byte, now time.Time) *Bundle {
	return &Bundle{
		Version:     Version,
		ChallengeID: challengeID,
		ExportedAt:  now.UTC().Truncate(time.Second),
		Recordings:  session.MergeRecordings(nil, recs),
		Audio:       audio,
	}
}

// TrackSummary is the per-track digest shown in human-readable output.
type TrackSummary struct {
	Track      int
	SessionID  string
	Events     int
	DurationMs int64
	AudioRef   string
	AudioBytes int
	Flags      []string // e.g. "Tab Switching #1 at 0:12"
}

// Summaries digests every recording in track order.
func (b *Bundle) Summaries() []TrackSummary {
	out := make([]TrackSummary, 0, len(b.Recordings))
	for _, rec := range b.Recordings {
		s := TrackSummary{
			Track:      rec.TrackIndex,
			SessionID:  rec.SessionID,
			Events:     len(rec.EditLog),
			DurationMs: replay.TotalDuration(rec.EditLog.OriginOffsets(), rec.IntegrityEvents),
			AudioRef:   rec.AudioRef,
			AudioBytes: len(b.Audio[rec.SessionID]),
		}
		if len(rec.EditLog) == 0 {
			s.DurationMs = 0
		}
		events := append([]session.IntegrityEvent(nil), rec.IntegrityEvents...)
		sort.SliceStable(events, func(i, j int) bool { return events[i].RelativeOffsetMs < events[j].RelativeOffsetMs })
		counts := map[session.IntegrityType]int{}
		for _, ev := range events {
			counts[ev.Type]++
			s.Flags = append(s.Flags, ev.Type.Label()+" #"+strconv.Itoa(counts[ev.Type])+" at "+replay.FormatClock(ev.RelativeOffsetMs))
		}
		out = append(out, s)
	}
	return out
}
