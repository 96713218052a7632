package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"pgregory.net/rapid"

	"github.com/fakeyudi/rewind/internal/session"
)

// memBackend is an in-memory Backend keyed by challenge id.
type memBackend struct {
	bodies   map[string][]byte
	fetchErr error
	postErr  error
}

func newMemBackend() *memBackend {
	return &memBackend{bodies: map[string][]byte{}}
}

func (m *memBackend) FetchRecordings(_ context.Context, id string) ([]byte, error) {
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	body, ok := m.bodies[id]
	if !ok {
		return []byte(`{"recordings":[]}`), nil
	}
	return body, nil
}

func (m *memBackend) PostRecordings(_ context.Context, id string, body []byte) error {
	if m.postErr != nil {
		return m.postErr
	}
	m.bodies[id] = body
	return nil
}

func (m *memBackend) DeleteRecordings(_ context.Context, id string) error {
	delete(m.bodies, id)
	return nil
}

// generateDelta produces an arbitrary EditDelta, including multi-byte text.
func generateDelta(t *rapid.T, label string) session.EditDelta {
	sl := rapid.IntRange(1, 50).Draw(t, label+"_sl")
	sc := rapid.IntRange(1, 80).Draw(t, label+"_sc")
	return session.EditDelta{
		Range: session.Range{
			StartLineNumber: sl,
			StartColumn:     sc,
			EndLineNumber:   sl + rapid.IntRange(0, 3).Draw(t, label+"_dl"),
			EndColumn:       rapid.IntRange(1, 80).Draw(t, label+"_ec"),
		},
		RangeOffset: rapid.IntRange(0, 5000).Draw(t, label+"_off"),
		RangeLength: rapid.IntRange(0, 100).Draw(t, label+"_len"),
		Text:        rapid.String().Draw(t, label+"_text"),
	}
}

// generateLog produces an EditLog with non-decreasing timestamps.
func generateLog(t *rapid.T) session.EditLog {
	n := rapid.IntRange(0, 10).Draw(t, "n_events")
	ts := rapid.Int64Range(1_600_000_000_000, 1_700_000_000_000).Draw(t, "start_ts")
	log := make(session.EditLog, n)
	for i := range log {
		ts += rapid.Int64Range(0, 5000).Draw(t, "gap")
		changes := make([]session.EditDelta, rapid.IntRange(1, 3).Draw(t, "n_changes"))
		for j := range changes {
			changes[j] = generateDelta(t, "delta")
		}
		log[i] = session.EditEvent{Changes: changes, Timestamp: ts}
	}
	return log
}

// Feature: rewind, Property 1: recordings survive a save/load cycle unchanged
func TestStoreSaveLoadRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		store := session.NewStore(newMemBackend())
		ctx := context.Background()

		rec := session.RecordingSession{
			TrackIndex: rapid.IntRange(0, session.TrackCount-1).Draw(t, "track"),
			SessionID:  rapid.StringN(1, 36, -1).Draw(t, "session_id"),
			EditLog:    generateLog(t),
		}
		if err := store.Save(ctx, "c1", []session.RecordingSession{rec}); err != nil {
			t.Fatalf("Save: %v", err)
		}
		loaded := store.Load(ctx, "c1")
		if len(loaded) != 1 {
			t.Fatalf("expected 1 recording, got %d", len(loaded))
		}
		if len(loaded[0].EditLog) != len(rec.EditLog) {
			t.Fatalf("event count mismatch: got %d, want %d", len(loaded[0].EditLog), len(rec.EditLog))
		}
		for i := range rec.EditLog {
			if !reflect.DeepEqual(loaded[0].EditLog[i], rec.EditLog[i]) {
				t.Fatalf("event %d mismatch:\n got %+v\nwant %+v", i, loaded[0].EditLog[i], rec.EditLog[i])
			}
		}
	})
}

func TestLoadNonArrayRecordingsIsEmpty(t *testing.T) {
	backend := newMemBackend()
	backend.bodies["c1"] = []byte(`{"recordings":"not-an-array"}`)
	got := session.NewStore(backend).Load(context.Background(), "c1")
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", got)
	}
}

func TestLoadToleratesGarbage(t *testing.T) {
	for _, body := range []string{``, `null`, `42`, `"x"`, `{`, `{"recordings":null}`, `{"other":[]}`} {
		backend := newMemBackend()
		backend.bodies["c1"] = []byte(body)
		if got := session.NewStore(backend).Load(context.Background(), "c1"); len(got) != 0 {
			t.Errorf("body %q: expected empty, got %d recordings", body, len(got))
		}
	}
}

func TestLoadFetchErrorIsEmpty(t *testing.T) {
	backend := newMemBackend()
	backend.fetchErr = errors.New("connection refused")
	if got := session.NewStore(backend).Load(context.Background(), "c1"); len(got) != 0 {
		t.Fatalf("expected empty, got %d", len(got))
	}
}

func TestDecodeRecordingsAcceptsBareArray(t *testing.T) {
	body := `[{"editorIndex":2,"submissionId":"b","recordedChanges":[]},{"editorIndex":0,"submissionId":"a","recordedChanges":[]}]`
	recs, skipped := session.DecodeRecordings([]byte(body))
	if skipped != 0 {
		t.Fatalf("skipped = %d", skipped)
	}
	if len(recs) != 2 || recs[0].TrackIndex != 0 || recs[1].TrackIndex != 2 {
		t.Fatalf("expected tracks [0 2], got %+v", recs)
	}
}

func TestDecodeRecordingsSkipsBadElements(t *testing.T) {
	body := `{"recordings":[{"editorIndex":1,"submissionId":"a"},{"editorIndex":"one"},{"editorIndex":7,"submissionId":"z"},3]}`
	recs, skipped := session.DecodeRecordings([]byte(body))
	if skipped != 3 {
		t.Errorf("skipped = %d, want 3", skipped)
	}
	if len(recs) != 1 || recs[0].SessionID != "a" {
		t.Fatalf("unexpected recs %+v", recs)
	}
}

func TestSaveReplacesByTrackIndexAndSorts(t *testing.T) {
	backend := newMemBackend()
	store := session.NewStore(backend)
	ctx := context.Background()

	first := []session.RecordingSession{
		{TrackIndex: 2, SessionID: "c"},
		{TrackIndex: 0, SessionID: "a"},
	}
	if err := store.Save(ctx, "c1", first); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Save(ctx, "c1", []session.RecordingSession{{TrackIndex: 0, SessionID: "a2"}, {TrackIndex: 1, SessionID: "b"}}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	var env session.Envelope
	if err := json.Unmarshal(backend.bodies["c1"], &env); err != nil {
		t.Fatalf("stored body is not an envelope: %v", err)
	}
	var ids []string
	for i, rec := range env.Recordings {
		if rec.TrackIndex != i {
			t.Fatalf("recording %d has track %d", i, rec.TrackIndex)
		}
		ids = append(ids, rec.SessionID)
	}
	if !reflect.DeepEqual(ids, []string{"a2", "b", "c"}) {
		t.Fatalf("ids = %v", ids)
	}
}

func TestSaveRejectsInvalidTrack(t *testing.T) {
	store := session.NewStore(newMemBackend())
	err := store.Save(context.Background(), "c1", []session.RecordingSession{{TrackIndex: 3, SessionID: "x"}})
	if !errors.Is(err, session.ErrInvalidTrack) {
		t.Fatalf("expected ErrInvalidTrack, got %v", err)
	}
}

func TestSavePropagatesBackendError(t *testing.T) {
	backend := newMemBackend()
	backend.postErr = errors.New("disk full")
	err := session.NewStore(backend).Save(context.Background(), "c1", []session.RecordingSession{{TrackIndex: 0, SessionID: "x"}})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestSaveKeepsStoredTracksWhenFetchFails(t *testing.T) {
	backend := newMemBackend()
	store := session.NewStore(backend)
	ctx := context.Background()
	all := []session.RecordingSession{
		{TrackIndex: 0, SessionID: "a"},
		{TrackIndex: 1, SessionID: "b"},
		{TrackIndex: 2, SessionID: "c"},
	}
	if err := store.Save(ctx, "c1", all); err != nil {
		t.Fatalf("Save: %v", err)
	}

	backend.fetchErr = errors.New("connection reset")
	err := store.Save(ctx, "c1", []session.RecordingSession{{TrackIndex: 2, SessionID: "c2"}})
	if err == nil || !errors.Is(err, backend.fetchErr) {
		t.Fatalf("Save with failing fetch = %v, want the fetch error", err)
	}

	backend.fetchErr = nil
	got := store.Load(ctx, "c1")
	if len(got) != 3 || got[2].SessionID != "c" {
		t.Fatalf("stored recordings changed: %+v", got)
	}
}

func TestSaveOverMalformedBodyStartsEmpty(t *testing.T) {
	backend := newMemBackend()
	backend.bodies["c1"] = []byte("<html>oops</html>")
	store := session.NewStore(backend)
	if err := store.Save(context.Background(), "c1", []session.RecordingSession{{TrackIndex: 1, SessionID: "b"}}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got := store.Load(context.Background(), "c1")
	if len(got) != 1 || got[0].TrackIndex != 1 {
		t.Fatalf("stored %+v", got)
	}
}

func TestSeedSurvivesSaveAndLoad(t *testing.T) {
	store := session.NewStore(newMemBackend())
	ctx := context.Background()
	rec := session.RecordingSession{
		TrackIndex: 0,
		SessionID:  "a",
		Seed:       "package main\n",
		EditLog:    session.EditLog{{Timestamp: 1, Changes: []session.EditDelta{{Text: "x"}}}},
	}
	if err := store.Save(ctx, "c1", []session.RecordingSession{rec}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got := store.Load(ctx, "c1")
	if len(got) != 1 || got[0].Seed != "package main\n" {
		t.Fatalf("loaded %+v", got)
	}
}

func TestDeleteAll(t *testing.T) {
	backend := newMemBackend()
	store := session.NewStore(backend)
	ctx := context.Background()
	if err := store.Save(ctx, "c1", []session.RecordingSession{{TrackIndex: 0, SessionID: "x"}}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.DeleteAll(ctx, "c1"); err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}
	if got := store.Load(ctx, "c1"); len(got) != 0 {
		t.Fatalf("expected empty after delete, got %d", len(got))
	}
}
