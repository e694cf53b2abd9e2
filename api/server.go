package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub001/session"
)

// RESTServer exposes the hub's control surface over HTTP: device inventory,
// session start/stop, sync broadcasts, and history.
type RESTServer struct {
	manager *session.Manager
	log     zerolog.Logger
	router  chi.Router
	server  *http.Server
}

// NewRESTServer creates the REST control server around a session manager.
func NewRESTServer(manager *session.Manager, logger zerolog.Logger) *RESTServer {
	s := &RESTServer{
		manager: manager,
		log:     logger,
		router:  chi.NewRouter(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *RESTServer) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/devices", s.handleListDevices)
		r.Post("/devices/{deviceID}/disconnect", s.handleDisconnectDevice)
		r.Get("/shimmer", s.handleListShimmer)

		r.Get("/session", s.handleGetSession)
		r.Post("/session/start", s.handleStartSession)
		r.Post("/session/stop", s.handleStopSession)
		r.Get("/sessions", s.handleListSessions)

		r.Post("/sync/flash", s.handleSyncFlash)
		r.Post("/sync/beep", s.handleSyncBeep)
	})
}

// ListenAndServe starts the server on addr and blocks until shutdown.
func (s *RESTServer) ListenAndServe(addr string) error {
	s.server.Addr = addr
	s.log.Info().Str("addr", addr).Msg("control api listening")
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *RESTServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *RESTServer) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.manager.ConnectedDevices()
	s.respondJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

func (s *RESTServer) handleDisconnectDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	if !s.manager.DisconnectDevice(deviceID) {
		s.respondError(w, http.StatusNotFound, "device not connected")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"device_id": deviceID, "disconnected": true})
}

func (s *RESTServer) handleListShimmer(w http.ResponseWriter, r *http.Request) {
	streams := s.manager.ShimmerDevices()
	s.respondJSON(w, http.StatusOK, map[string]any{
		"shimmer_devices": streams,
		"count":           len(streams),
	})
}

func (s *RESTServer) handleGetSession(w http.ResponseWriter, r *http.Request) {
	current, ok := s.manager.CurrentSession()
	if !ok {
		s.respondError(w, http.StatusNotFound, "no active session")
		return
	}
	s.respondJSON(w, http.StatusOK, current)
}

func (s *RESTServer) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID     string `json:"session_id"`
		RecordVideo   *bool  `json:"record_video"`
		RecordThermal *bool  `json:"record_thermal"`
		RecordShimmer *bool  `json:"record_shimmer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" {
		s.respondError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	// Modalities default to enabled when omitted.
	video := req.RecordVideo == nil || *req.RecordVideo
	thermal := req.RecordThermal == nil || *req.RecordThermal
	shimmer := req.RecordShimmer == nil || *req.RecordShimmer

	if !s.manager.StartSession(req.SessionID, video, thermal, shimmer) {
		s.respondError(w, http.StatusConflict, "session not started")
		return
	}

	current, _ := s.manager.CurrentSession()
	s.respondJSON(w, http.StatusOK, current)
}

func (s *RESTServer) handleStopSession(w http.ResponseWriter, r *http.Request) {
	if !s.manager.StopSession() {
		s.respondError(w, http.StatusConflict, "no active session")
		return
	}

	history := s.manager.SessionHistory()
	s.respondJSON(w, http.StatusOK, history[len(history)-1])
}

func (s *RESTServer) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.manager.SessionHistory()
	s.respondJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (s *RESTServer) handleSyncFlash(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DurationMS int    `json:"duration_ms"`
		SyncID     string `json:"sync_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DurationMS <= 0 {
		req.DurationMS = 200
	}

	sent := s.manager.SendSyncFlash(req.DurationMS, req.SyncID)
	s.respondJSON(w, http.StatusOK, map[string]any{"sent": sent})
}

func (s *RESTServer) handleSyncBeep(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FrequencyHz float64 `json:"frequency_hz"`
		DurationMS  int     `json:"duration_ms"`
		Volume      float64 `json:"volume"`
		SyncID      string  `json:"sync_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.FrequencyHz <= 0 {
		req.FrequencyHz = 1000
	}
	if req.DurationMS <= 0 {
		req.DurationMS = 200
	}
	if req.Volume <= 0 || req.Volume > 1 {
		req.Volume = 1
	}

	sent := s.manager.SendSyncBeep(req.FrequencyHz, req.DurationMS, req.Volume, req.SyncID)
	s.respondJSON(w, http.StatusOK, map[string]any{"sent": sent})
}

func (s *RESTServer) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error().Err(err).Msg("encode api response")
	}
}

func (s *RESTServer) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]any{"error": message})
}
