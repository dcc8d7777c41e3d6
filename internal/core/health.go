package core

import (
	"time"

	"github.com/e7canasta/geosentinel/internal/api"
	"github.com/e7canasta/geosentinel/internal/session"
)

// HealthCheck returns the current health status of the service
func (s *Service) HealthCheck() api.HealthStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := api.HealthStatus{
		Status:          "healthy",
		SessionState:    string(session.StateIdle),
		InferenceTarget: s.inference.Endpoint(),
	}
	if s.isRunning {
		status.UptimeSeconds = int64(time.Since(s.started).Seconds())
	}

	if s.controller != nil {
		view := s.controller.Snapshot()
		stats := s.controller.SchedulerStats()

		status.SessionState = string(view.State)
		status.CameraHeld = view.HandleID != ""
		status.LastError = view.LastError
		status.TicksFired = stats.Fired
		status.TicksSkipped = stats.Skipped
	}

	// Check MQTT connection
	if s.mqttClient != nil && s.mqttClient.IsConnected() {
		status.MQTTConnected = true
	}

	// Determine overall health status
	if !s.isRunning || s.controller == nil {
		status.Status = "unhealthy"
	} else if s.cfg.MQTTEnabled() && !status.MQTTConnected {
		status.Status = "degraded"
	}

	return status
}
