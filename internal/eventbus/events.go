package eventbus

import (
	"time"

	"github.com/e7canasta/geosentinel/internal/types"
)

// Event types, as reported by Event.Type.
const (
	TypeSessionToggled   = "session_toggled"
	TypeDetectionApplied = "detection_applied"
	TypeTickFailed       = "tick_failed"
	TypeStartFailed      = "start_failed"
	TypeResultsCleared   = "results_cleared"
)

// Event is a session notification.
type Event interface {
	Type() string
}

// SessionToggled is published when a session starts or stops. HandleID and
// Device describe the camera acquisition and are empty when Active is false.
type SessionToggled struct {
	SessionID string
	Active    bool
	HandleID  string
	Device    string
	At        time.Time
}

// DetectionApplied is published after a detection was appended to the
// histories and merged into the alert state. Escalated lists the alert
// fields the merge changed.
type DetectionApplied struct {
	SessionID string
	Detection types.Detection
	Alert     types.AlertState
	Escalated []string
}

// TickFailed reports a transient capture or inference failure. The session
// keeps running. Kind is capture, transport, server, parse or panic.
type TickFailed struct {
	SessionID string
	Seq       uint64
	Kind      string
	Err       error
	At        time.Time
}

// StartFailed reports that a session could not be started (device
// unavailable). The controller stays idle.
type StartFailed struct {
	Err error
	At  time.Time
}

// ResultsCleared is published when the alert state and histories are reset
// by an explicit clear.
type ResultsCleared struct {
	SessionID string
	At        time.Time
}

func (SessionToggled) Type() string   { return TypeSessionToggled }
func (DetectionApplied) Type() string { return TypeDetectionApplied }
func (TickFailed) Type() string       { return TypeTickFailed }
func (StartFailed) Type() string      { return TypeStartFailed }
func (ResultsCleared) Type() string   { return TypeResultsCleared }
