package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"pkt.systems/pslog"
)

// Backend is the persistence API the store talks to. Bodies are raw JSON so
// the store can tolerate whatever shape the remote side returns.
type Backend interface {
	FetchRecordings(ctx context.Context, challengeID string) ([]byte, error)
	PostRecordings(ctx context.Context, challengeID string, body []byte) error
	DeleteRecordings(ctx context.Context, challengeID string) error
}

// Envelope is the wire shape of the recordings resource.
type Envelope struct {
	Recordings []RecordingSession `json:"recordings"`
}

// Store loads and saves the recordings of a challenge.
type Store struct {
	backend Backend
}

// NewStore returns a Store over backend.
func NewStore(backend Backend) *Store {
	return &Store{backend: backend}
}

// Load returns the recordings of challengeID ordered by track index.
// It never fails: fetch errors and malformed payloads yield an empty set.
func (s *Store) Load(ctx context.Context, challengeID string) []RecordingSession {
	log := pslog.Ctx(ctx).With("challenge", challengeID)
	data, err := s.backend.FetchRecordings(ctx, challengeID)
	if err != nil {
		log.Warn("recordings fetch failed", "err", err)
		return []RecordingSession{}
	}
	recs, skipped := DecodeRecordings(data)
	if skipped > 0 {
		log.Warn("recordings payload partially malformed", "skipped", skipped)
	}
	log.Debug("recordings loaded", "count", len(recs))
	return recs
}

// Save merges recs into the stored set by track index and persists the
// sorted result. A fetch failure aborts the save; a malformed stored body
// is treated as empty.
func (s *Store) Save(ctx context.Context, challengeID string, recs []RecordingSession) error {
	for _, rec := range recs {
		if err := rec.Validate(); err != nil {
			return fmt.Errorf("failed to save recordings: %w", err)
		}
	}
	// a failed read must not turn into a post that drops the other tracks
	data, err := s.backend.FetchRecordings(ctx, challengeID)
	if err != nil {
		return fmt.Errorf("failed to save recordings: %w", err)
	}
	existing, skipped := DecodeRecordings(data)
	if skipped > 0 {
		pslog.Ctx(ctx).Warn("recordings payload partially malformed", "challenge", challengeID, "skipped", skipped)
	}
	merged := MergeRecordings(existing, recs)
	body, err := json.Marshal(Envelope{Recordings: merged})
	if err != nil {
		return fmt.Errorf("failed to save recordings: %w", err)
	}
	if err := s.backend.PostRecordings(ctx, challengeID, body); err != nil {
		return fmt.Errorf("failed to save recordings: %w", err)
	}
	pslog.Ctx(ctx).Debug("recordings saved", "challenge", challengeID, "count", len(merged))
	return nil
}

// DeleteAll removes every recording of challengeID.
func (s *Store) DeleteAll(ctx context.Context, challengeID string) error {
	if err := s.backend.DeleteRecordings(ctx, challengeID); err != nil {
		return fmt.Errorf("failed to delete recordings: %w", err)
	}
	return nil
}

// DecodeRecordings parses either {"recordings":[...]} or a bare array.
// Anything else decodes to an empty set. Elements that fail to decode or
// carry an invalid track index are skipped and counted.
func DecodeRecordings(data []byte) ([]RecordingSession, int) {
	data = bytes.TrimSpace(data)
	raw := json.RawMessage(data)
	if len(data) > 0 && data[0] == '{' {
		var env struct {
			Recordings json.RawMessage `json:"recordings"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			return []RecordingSession{}, 0
		}
		raw = bytes.TrimSpace(env.Recordings)
	}
	if len(raw) == 0 || raw[0] != '[' {
		return []RecordingSession{}, 0
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return []RecordingSession{}, 0
	}
	skipped := 0
	var recs []RecordingSession
	for _, item := range items {
		var rec RecordingSession
		if err := json.Unmarshal(item, &rec); err != nil {
			skipped++
			continue
		}
		if rec.TrackIndex < 0 || rec.TrackIndex >= TrackCount {
			skipped++
			continue
		}
		recs = append(recs, rec)
	}
	return MergeRecordings(nil, recs), skipped
}
