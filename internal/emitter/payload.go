package emitter

import (
	"time"

	"github.com/e7canasta/geosentinel/internal/eventbus"
	"github.com/e7canasta/geosentinel/internal/types"
)

// DetectionMessage is the wire form of an applied detection, shared by the
// MQTT and Kafka sinks.
type DetectionMessage struct {
	SiteID    string           `json:"site_id"`
	SessionID string           `json:"session_id"`
	Detection types.Detection  `json:"detection"`
	Alert     types.AlertState `json:"alert"`
	Escalated []string         `json:"escalated"`
}

// AlertMessage is the retained aggregate published after each change.
type AlertMessage struct {
	SiteID    string           `json:"site_id"`
	SessionID string           `json:"session_id"`
	Alert     types.AlertState `json:"alert"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// StatusMessage reports session lifecycle and tick failures.
type StatusMessage struct {
	Event     string    `json:"event"`
	SiteID    string    `json:"site_id"`
	SessionID string    `json:"session_id,omitempty"`
	Active    *bool     `json:"active,omitempty"`
	HandleID  string    `json:"handle_id,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func detectionMessage(siteID string, ev eventbus.DetectionApplied) DetectionMessage {
	escalated := ev.Escalated
	if escalated == nil {
		escalated = []string{}
	}
	return DetectionMessage{
		SiteID:    siteID,
		SessionID: ev.SessionID,
		Detection: ev.Detection,
		Alert:     ev.Alert,
		Escalated: escalated,
	}
}

func statusMessage(siteID string, ev eventbus.Event) (StatusMessage, bool) {
	switch e := ev.(type) {
	case eventbus.SessionToggled:
		active := e.Active
		return StatusMessage{
			Event:     e.Type(),
			SiteID:    siteID,
			SessionID: e.SessionID,
			Active:    &active,
			HandleID:  e.HandleID,
			Timestamp: e.At,
		}, true
	case eventbus.TickFailed:
		return StatusMessage{
			Event:     e.Type(),
			SiteID:    siteID,
			SessionID: e.SessionID,
			Kind:      e.Kind,
			Error:     errString(e.Err),
			Timestamp: e.At,
		}, true
	case eventbus.StartFailed:
		return StatusMessage{
			Event:     e.Type(),
			SiteID:    siteID,
			Error:     errString(e.Err),
			Timestamp: e.At,
		}, true
	case eventbus.ResultsCleared:
		return StatusMessage{
			Event:     e.Type(),
			SiteID:    siteID,
			SessionID: e.SessionID,
			Timestamp: e.At,
		}, true
	}
	return StatusMessage{}, false
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
