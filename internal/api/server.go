// Package api serves the recordings persistence API over HTTP.
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"pkt.systems/pslog"

	"github.com/fakeyudi/rewind/internal/logx"
	"github.com/fakeyudi/rewind/internal/persist"
	"github.com/fakeyudi/rewind/internal/session"
)

const (
	maxRecordingsBytes = 16 << 20
	maxAudioBytes      = 256 << 20
)

// Server exposes a Repository under /api/submissions.
type Server struct {
	repo persist.Repository
}

// NewServer returns a Server over repo.
func NewServer(repo persist.Repository) *Server {
	return &Server{repo: repo}
}

// Handler returns an http.Handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/submissions/{challengeId}/recruiter-recording", s.handleGetRecordings)
	mux.HandleFunc("POST /api/submissions/{challengeId}/recruiter-recording", s.handlePostRecordings)
	mux.HandleFunc("DELETE /api/submissions/{challengeId}/recruiter-recording", s.handleDeleteRecordings)
	mux.HandleFunc("POST /api/submissions/{challengeId}/audio", s.handleUploadAudio)
	mux.HandleFunc("GET /api/submissions/{challengeId}/audio/{submissionId}", s.handleGetAudio)
	mux.HandleFunc("GET /api/challenges", s.handleListChallenges)
	return withRequestLogging(mux)
}

func (s *Server) store(challengeID string) *session.Store {
	return session.NewStore(persist.NewLocal(s.repo, challengeID))
}

func (s *Server) handleGetRecordings(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("challengeId")
	if err := persist.ValidID(id); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	recs := s.store(id).Load(r.Context(), id)
	writeJSON(w, http.StatusOK, session.Envelope{Recordings: recs})
}

func (s *Server) handlePostRecordings(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("challengeId")
	if err := persist.ValidID(id); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRecordingsBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	incoming, err := decodeRecordings(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	store := s.store(id)
	if err := store.Save(r.Context(), id, incoming); err != nil {
		logx.ChallengeLogger(r.Context(), id).Warn("recordings save failed", "err", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, session.Envelope{Recordings: store.Load(r.Context(), id)})
}

func (s *Server) handleDeleteRecordings(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("challengeId")
	if err := persist.ValidID(id); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.repo.DeleteRecordings(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUploadAudio(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("challengeId")
	sessionID := r.URL.Query().Get("submissionId")
	if err := persist.ValidID(id); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := persist.ValidID(sessionID); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("submissionId: %w", err))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxAudioBytes)
	file, _, err := r.FormFile("audio")
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("audio field: %w", err))
		return
	}
	defer file.Close()
	ref, err := s.repo.PutAudio(r.Context(), id, sessionID, file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	logx.WithSession(logx.ChallengeLogger(r.Context(), id), sessionID).Info("audio stored", "ref", ref)
	writeJSON(w, http.StatusCreated, map[string]string{"audioFileName": ref, "submissionId": sessionID})
}

func (s *Server) handleGetAudio(w http.ResponseWriter, r *http.Request) {
	rc, err := s.repo.GetAudio(r.Context(), r.PathValue("challengeId"), r.PathValue("submissionId"))
	switch {
	case errors.Is(err, persist.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
		return
	case errors.Is(err, persist.ErrInvalidID):
		writeError(w, http.StatusBadRequest, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "audio/webm")
	if _, err := io.Copy(w, rc); err != nil {
		pslog.Ctx(r.Context()).Warn("audio write failed", "err", err)
	}
}

func (s *Server) handleListChallenges(w http.ResponseWriter, r *http.Request) {
	ids, err := s.repo.ListChallenges(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"challenges": ids})
}

// decodeRecordings parses a POST body strictly: every element must decode
// and validate.
func decodeRecordings(body []byte) ([]session.RecordingSession, error) {
	body = bytes.TrimSpace(body)
	raw := json.RawMessage(body)
	if len(body) > 0 && body[0] == '{' {
		var env struct {
			Recordings json.RawMessage `json:"recordings"`
		}
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, fmt.Errorf("invalid body: %w", err)
		}
		raw = env.Recordings
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, errors.New("recordings must be an array")
	}
	recs := make([]session.RecordingSession, 0, len(items))
	for i, item := range items {
		var rec session.RecordingSession
		if err := json.Unmarshal(item, &rec); err != nil {
			return nil, fmt.Errorf("recording %d: %w", i, err)
		}
		if err := rec.Validate(); err != nil {
			return nil, fmt.Errorf("recording %d: %w", i, err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}
