package core

import (
	"log/slog"
	"time"
)

// clearResults drops the alert state and histories on request from the
// control plane.
func (s *Service) clearResults() error {
	s.Controller().Clear()
	slog.Info("results cleared via control plane")
	return nil
}

// getStatus returns the current service status
func (s *Service) getStatus() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := map[string]interface{}{
		"instance_id": s.cfg.InstanceID,
		"site_id":     s.cfg.SiteID,
		"uptime_s":    time.Since(s.started).Seconds(),
		"running":     s.isRunning,
		"inference": map[string]interface{}{
			"endpoint":  s.inference.Endpoint(),
			"timeout_s": s.cfg.Inference.TimeoutS,
		},
	}

	if s.controller != nil {
		view := s.controller.Snapshot()
		stats := s.controller.SchedulerStats()

		status["session"] = map[string]interface{}{
			"state":      view.State,
			"session_id": view.SessionID,
			"handle_id":  view.HandleID,
			"started_at": view.StartedAt,
			"detections": len(view.Detections),
			"last_error": view.LastError,
			"tick_ms":    s.cfg.Session.TickIntervalMS,
			"auto_start": s.cfg.Session.AutoStart,
			"capture":    s.cfg.Capture.Source,
		}
		status["alert"] = view.Alert
		status["scheduler"] = map[string]interface{}{
			"fired":     stats.Fired,
			"skipped":   stats.Skipped,
			"panics":    stats.Panics,
			"in_flight": stats.InFlight,
		}

		busStats := s.controller.Bus().Stats()
		subscribers := make(map[string]interface{}, len(busStats.Subscribers))
		for id, sub := range busStats.Subscribers {
			subscribers[id] = map[string]interface{}{
				"policy":  sub.Policy.String(),
				"sent":    sub.Sent,
				"dropped": sub.Dropped,
			}
		}
		status["eventbus"] = map[string]interface{}{
			"published":   busStats.Published,
			"subscribers": subscribers,
		}
	}

	if s.lastEvent != nil {
		if ev, ok := s.lastEvent.Latest(); ok {
			status["last_event"] = ev.Type()
		}
	}

	if s.dispatcher != nil {
		emitterStats := s.dispatcher.Stats()
		status["emitter"] = map[string]interface{}{
			"emitted": emitterStats.Emitted,
			"failed":  emitterStats.Failed,
		}
	}

	return status
}
