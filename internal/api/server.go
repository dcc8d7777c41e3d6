// Package api serves the daemon's HTTP surface: liveness and readiness
// probes, Prometheus metrics, session actions and read-only snapshots of the
// alert state and histories.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/e7canasta/geosentinel/internal/indicator"
	"github.com/e7canasta/geosentinel/internal/metrics"
	"github.com/e7canasta/geosentinel/internal/session"
)

// Sessions is the session controller as seen by the API.
type Sessions interface {
	Start(ctx context.Context) error
	Stop() error
	Clear()
	Snapshot() session.View
}

// HealthReporter reports service health for /readiness.
type HealthReporter interface {
	HealthCheck() HealthStatus
}

// HealthStatus represents the health state of the service
type HealthStatus struct {
	Status          string `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds   int64  `json:"uptime_seconds"`
	SessionState    string `json:"session_state"`
	CameraHeld      bool   `json:"camera_held"`
	MQTTConnected   bool   `json:"mqtt_connected"`
	TicksFired      uint64 `json:"ticks_fired"`
	TicksSkipped    uint64 `json:"ticks_skipped"`
	LastError       string `json:"last_error,omitempty"`
	InferenceTarget string `json:"inference_target"`
}

// Deps are the collaborators of the API.
type Deps struct {
	Sessions  Sessions
	Health    HealthReporter
	Indicator indicator.Store
	Metrics   *metrics.Metrics
}

// Server is the HTTP API server.
type Server struct {
	deps    Deps
	started time.Time
	srv     *http.Server
}

// New builds the server listening on addr. It does not start listening.
func New(addr string, deps Deps) *Server {
	if deps.Indicator == nil {
		deps.Indicator = &indicator.Nop{}
	}

	s := &Server{deps: deps, started: time.Now()}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the full middleware-wrapped router.
func (s *Server) Handler() http.Handler {
	r := s.router()

	var h http.Handler = r
	h = handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)(h)
	h = handlers.CustomLoggingHandler(io.Discard, h, logRequest)
	h = handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{}))(h)
	return h
}

func (s *Server) router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.instrument)

	r.HandleFunc("/health", s.handleLiveness).Methods(http.MethodGet)
	r.HandleFunc("/readiness", s.handleReadiness).Methods(http.MethodGet)
	r.Handle("/metrics", s.deps.Metrics.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/session", s.handleSession).Methods(http.MethodGet)
	v1.HandleFunc("/session/start", s.handleStart).Methods(http.MethodPost)
	v1.HandleFunc("/session/stop", s.handleStop).Methods(http.MethodPost)
	v1.HandleFunc("/session/clear", s.handleClear).Methods(http.MethodPost)
	v1.HandleFunc("/alerts", s.handleAlerts).Methods(http.MethodGet)
	v1.HandleFunc("/detections", s.handleDetections).Methods(http.MethodGet)
	v1.HandleFunc("/confidence", s.handleConfidence).Methods(http.MethodGet)
	v1.HandleFunc("/indicator", s.handleIndicator).Methods(http.MethodGet)

	return r
}

// instrument records request metrics under the matched route template.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.deps.Metrics.WrapHandler(route, next).ServeHTTP(w, r)
	})
}

func logRequest(_ io.Writer, p handlers.LogFormatterParams) {
	slog.Debug("http request",
		"method", p.Request.Method,
		"path", p.URL.Path,
		"status", p.StatusCode,
		"size", p.Size,
		"remote", p.Request.RemoteAddr,
		"duration", time.Since(p.TimeStamp),
	)
}

type recoveryLogger struct{}

func (recoveryLogger) Println(v ...interface{}) {
	slog.Error("http handler panicked", "panic", fmt.Sprint(v...))
}

// ListenAndServe blocks serving HTTP until Shutdown.
func (s *Server) ListenAndServe() error {
	slog.Info("http api listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
