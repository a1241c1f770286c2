package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tloiret/voxpipe/internal/audio"
	"github.com/tloiret/voxpipe/internal/pipeline"
	"github.com/tloiret/voxpipe/internal/turns"
)

const maxUploadBytes = 16 << 20

type submitResponse struct {
	TurnID    string      `json:"turn_id"`
	SessionID string      `json:"session_id"`
	State     turns.State `json:"state"`
}

// handleSubmitTurn accepts a multipart upload with an "audio" WAV part and an
// optional "session_id" field, or a raw audio/wav body. It answers 202
// immediately; the pipeline runs the turn in the background.
func (s *Server) handleSubmitTurn(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))

	var clip []byte
	ct := r.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(ct, "multipart/form-data"):
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		if v := strings.TrimSpace(r.FormValue("session_id")); v != "" {
			sessionID = v
		}
		file, _, err := r.FormFile("audio")
		if err != nil {
			respondError(w, http.StatusBadRequest, "missing_audio", "multipart part \"audio\" is required")
			return
		}
		defer file.Close()
		clip, err = io.ReadAll(io.LimitReader(file, maxUploadBytes))
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
	default:
		var err error
		clip, err = io.ReadAll(io.LimitReader(r.Body, maxUploadBytes))
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
	}

	if len(clip) == 0 {
		respondError(w, http.StatusBadRequest, "missing_audio", "audio payload is empty")
		return
	}
	if !audio.IsWAV(clip) {
		respondError(w, http.StatusUnsupportedMediaType, "unsupported_audio", "audio must be a WAV clip")
		return
	}

	t, err := s.pipe.Submit(sessionID, clip)
	if err != nil {
		switch {
		case errors.Is(err, turns.ErrEmptyAudio):
			respondError(w, http.StatusBadRequest, "missing_audio", err.Error())
		case errors.Is(err, pipeline.ErrClosed):
			respondError(w, http.StatusServiceUnavailable, "shutting_down", err.Error())
		default:
			respondError(w, http.StatusInternalServerError, "submit_failed", err.Error())
		}
		return
	}

	respondJSON(w, http.StatusAccepted, submitResponse{
		TurnID:    t.ID,
		SessionID: t.SessionID,
		State:     t.State,
	})
}

func (s *Server) handleGetTurn(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := s.store.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "turn_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) handleGetTurnAudio(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	clip, err := s.store.Audio(id)
	switch {
	case errors.Is(err, turns.ErrNotFound):
		respondError(w, http.StatusNotFound, "turn_not_found", err.Error())
		return
	case errors.Is(err, turns.ErrNotReady):
		respondError(w, http.StatusConflict, "audio_not_ready", err.Error())
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, "audio_failed", err.Error())
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.Itoa(len(clip)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(clip)
}

func (s *Server) handleListTurnEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit := 0
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	events, err := s.store.Events(id, limit)
	if err != nil {
		respondError(w, http.StatusNotFound, "turn_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"turn_id": id,
		"events":  events,
	})
}
