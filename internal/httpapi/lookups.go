package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/tloiret/voxpipe/internal/finance"
	"github.com/tloiret/voxpipe/internal/transit"
)

func (s *Server) handleFinancePrice(w http.ResponseWriter, r *http.Request) {
	if s.finance == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "finance lookups are not configured")
		return
	}
	symbol := strings.TrimSpace(r.URL.Query().Get("symbol"))
	if symbol == "" {
		respondError(w, http.StatusBadRequest, "missing_symbol", "query parameter symbol is required")
		return
	}

	quote, err := s.finance.Price(r.Context(), symbol)
	if err != nil {
		if errors.Is(err, finance.ErrSymbolNotFound) {
			respondError(w, http.StatusNotFound, "symbol_not_found", err.Error())
			return
		}
		respondError(w, http.StatusBadGateway, "lookup_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, quote)
}

func (s *Server) handleTrainDepartures(w http.ResponseWriter, r *http.Request) {
	if s.transit == nil || !s.transit.Enabled() {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "train lookups are not configured")
		return
	}
	stopArea := strings.TrimSpace(r.URL.Query().Get("stop_area_id"))
	if stopArea == "" {
		respondError(w, http.StatusBadRequest, "missing_stop_area_id", "query parameter stop_area_id is required")
		return
	}
	count := 5
	if v := strings.TrimSpace(r.URL.Query().Get("count")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_count", "count must be a positive integer")
			return
		}
		count = n
	}

	departures, err := s.transit.LineLDepartures(r.Context(), stopArea, count)
	if err != nil {
		if errors.Is(err, transit.ErrNoAPIKey) {
			respondError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
			return
		}
		respondError(w, http.StatusBadGateway, "lookup_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, departures)
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	if s.window == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"generated_at": "",
			"window_size":  0,
			"stages":       []any{},
		})
		return
	}
	respondJSON(w, http.StatusOK, s.window.Snapshot())
}
