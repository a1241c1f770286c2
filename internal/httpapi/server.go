package httpapi

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/tloiret/voxpipe/internal/config"
	"github.com/tloiret/voxpipe/internal/finance"
	"github.com/tloiret/voxpipe/internal/observability"
	"github.com/tloiret/voxpipe/internal/transit"
	"github.com/tloiret/voxpipe/internal/turns"
)

// Submitter accepts a new turn for asynchronous processing.
type Submitter interface {
	Submit(sessionID string, audio []byte) (turns.Turn, error)
}

type Server struct {
	cfg      config.Config
	store    *turns.Store
	pipe     Submitter
	finance  *finance.Client
	transit  *transit.Client
	metrics  *observability.Metrics
	window   *observability.StageWindow
	upgrader websocket.Upgrader
}

func New(cfg config.Config, store *turns.Store, pipe Submitter, fin *finance.Client, trn *transit.Client, metrics *observability.Metrics, window *observability.StageWindow) *Server {
	return &Server{
		cfg:     cfg,
		store:   store,
		pipe:    pipe,
		finance: fin,
		transit: trn,
		metrics: metrics,
		window:  window,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only browser connections from the same origin unless the
				// deployment explicitly opens it up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/turns", s.handleSubmitTurn)
	r.Get("/v1/turns/{id}", s.handleGetTurn)
	r.Get("/v1/turns/{id}/audio", s.handleGetTurnAudio)
	r.Get("/v1/turns/{id}/events", s.handleListTurnEvents)
	r.Get("/v1/turns/{id}/ws", s.handleTurnWS)

	r.Get("/v1/finance/price", s.handleFinancePrice)
	r.Get("/v1/trains/line-l/departures", s.handleTrainDepartures)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"provider": s.cfg.VoiceProvider,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ready",
		"sessions": s.store.SessionCount(),
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
