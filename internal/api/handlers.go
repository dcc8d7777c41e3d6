package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/e7canasta/geosentinel/internal/capture"
	"github.com/e7canasta/geosentinel/internal/session"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// handleLiveness returns 200 while the process is alive
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "alive",
		"uptime": int64(time.Since(s.started).Seconds()),
	})
}

// handleReadiness returns 503 only when the service is unhealthy; a
// degraded service is still ready.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		writeJSON(w, http.StatusOK, HealthStatus{Status: "healthy"})
		return
	}

	health := s.deps.Health.HealthCheck()
	status := http.StatusOK
	if health.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Sessions.Snapshot())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	err := s.deps.Sessions.Start(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, s.deps.Sessions.Snapshot())
	case errors.Is(err, session.ErrAlreadyActive):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, capture.ErrDeviceUnavailable), errors.Is(err, session.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Sessions.Stop(); err != nil {
		// The session is idle even when releasing the device failed
		slog.Warn("session stop reported an error", "error", err)
	}
	writeJSON(w, http.StatusOK, s.deps.Sessions.Snapshot())
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	s.deps.Sessions.Clear()
	writeJSON(w, http.StatusOK, s.deps.Sessions.Snapshot())
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Sessions.Snapshot().Alert)
}

func (s *Server) handleDetections(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	detections := s.deps.Sessions.Snapshot().Detections
	writeJSON(w, http.StatusOK, tail(detections, limit))
}

func (s *Server) handleConfidence(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	points := s.deps.Sessions.Snapshot().Confidence
	writeJSON(w, http.StatusOK, tail(points, limit))
}

func (s *Server) handleIndicator(w http.ResponseWriter, r *http.Request) {
	active, err := s.deps.Indicator.Active(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"active": active})
}

// parseLimit reads the optional ?limit=N query parameter; 0 means all.
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
		return 0, false
	}
	return n, true
}

// tail returns the newest n items of s (all when n is 0), never nil.
func tail[T any](s []T, n int) []T {
	if s == nil {
		s = []T{}
	}
	if n == 0 || n >= len(s) {
		return s
	}
	return s[len(s)-n:]
}
