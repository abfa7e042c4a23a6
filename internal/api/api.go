package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/mattvenn/chamber-controller/internal/controlloop"
	"github.com/mattvenn/chamber-controller/internal/history"
	"github.com/mattvenn/chamber-controller/internal/settings"
)

// Discoverer triggers a plug subnet sweep.
type Discoverer interface {
	Discover(ctx context.Context) error
}

type Server struct {
	loop  *controlloop.Loop
	store *settings.Store
	hist  *history.Store
	disc  Discoverer
}

type PhaseRequest struct {
	Phase string `json:"phase"`
}

type SetpointRequest struct {
	Phase string  `json:"phase"`
	Field string  `json:"field"`
	Value float64 `json:"value"`
}

type FanRequest struct {
	Manual bool    `json:"manual"`
	Speed  float64 `json:"speed"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func NewServer(loop *controlloop.Loop, store *settings.Store, hist *history.Store, disc Discoverer) *Server {
	return &Server{
		loop:  loop,
		store: store,
		hist:  hist,
		disc:  disc,
	}
}

// Handler builds the routing table with CORS handling, factored out so tests
// can drive it without a listening socket.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/phase", s.handlePhase)
	mux.HandleFunc("/api/setpoint", s.handleSetpoint)
	mux.HandleFunc("/api/fan", s.handleFan)
	mux.HandleFunc("/api/devices", s.handleDevices)
	mux.HandleFunc("/api/devices/discover", s.handleDiscover)
	mux.HandleFunc("/api/history", s.handleHistory)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		mux.ServeHTTP(w, r)
	})
}

func (s *Server) Start(port int) error {
	addr := fmt.Sprintf("0.0.0.0:%d", port)
	log.Info().Str("address", addr).Msg("Starting REST API server")
	return http.ListenAndServe(addr, s.Handler())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, s.loop.Status())
}

func (s *Server) handlePhase(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req PhaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}

	if err := s.loop.SetPhase(req.Phase); err != nil {
		if errors.Is(err, settings.ErrNoPhase) {
			s.writeError(w, http.StatusNotFound, "Phase not found")
			return
		}
		log.Error().Err(err).Str("phase", req.Phase).Msg("Failed to switch phase")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().Str("phase", req.Phase).Msg("Phase switched via API")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleSetpoint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req SetpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}

	if err := s.loop.SetSetpoint(req.Phase, req.Field, req.Value); err != nil {
		if errors.Is(err, settings.ErrNoPhase) {
			s.writeError(w, http.StatusNotFound, "Phase not found")
			return
		}
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	log.Info().
		Str("phase", req.Phase).
		Str("field", req.Field).
		Float64("value", req.Value).
		Msg("Setpoint updated via API")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleFan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req FanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}

	var err error
	if req.Manual {
		err = s.loop.SetManualFanSpeed(req.Speed)
	} else {
		err = s.loop.SetAutoFanControl()
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to update fan control")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().Bool("manual", req.Manual).Float64("speed", req.Speed).Msg("Fan control updated via API")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	doc, err := s.store.Load(false)
	if err != nil && doc == nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, doc.AvailableDevices)
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.disc == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Discovery not available")
		return
	}

	if err := s.disc.Discover(r.Context()); err != nil {
		log.Error().Err(err).Msg("Plug discovery failed")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.hist == nil {
		s.writeError(w, http.StatusServiceUnavailable, "History not available")
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}

	entries, err := s.hist.Recent(limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read history")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode API response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, ErrorResponse{Error: msg})
}
