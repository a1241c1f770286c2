package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// handleTurnWS streams state transition events of one turn. The backlog goes
// out first, then live events until the turn reaches a terminal state or the
// client hangs up.
func (s *Server) handleTurnWS(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// Snapshot and subscription happen atomically in the store, so each
	// transition shows up exactly once across backlog and live stream.
	backlog, live, cancel, err := s.store.SubscribeWithBacklog(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "turn_not_found", err.Error())
		return
	}
	defer cancel()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// Drain client frames so close messages are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(v any) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(v); err != nil {
			return false
		}
		if s.metrics != nil {
			s.metrics.WSMessages.WithLabelValues("turn_event").Inc()
		}
		return true
	}

	terminal := false
	for _, evt := range backlog {
		if !write(evt) {
			return
		}
		if evt.State == "done" || evt.State == "error" {
			terminal = true
		}
	}
	if terminal {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "turn finished"))
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-live:
			if !ok {
				return
			}
			if !write(evt) {
				return
			}
			if evt.State == "done" || evt.State == "error" {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "turn finished"))
				return
			}
		}
	}
}
