// Package session runs monitoring sessions: it owns the camera handle, the
// frame scheduler, the detection and confidence histories and the alert
// aggregate, and publishes every state change on an event bus.
//
// A session is either Idle or Active. Start acquires the camera, resets the
// results and starts ticking; Stop halts ticking and releases the camera but
// keeps the results for review until Clear. Results of a tick that completes
// after its session was stopped (or restarted) are discarded.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/geosentinel/internal/alert"
	"github.com/e7canasta/geosentinel/internal/capture"
	"github.com/e7canasta/geosentinel/internal/eventbus"
	"github.com/e7canasta/geosentinel/internal/indicator"
	"github.com/e7canasta/geosentinel/internal/inference"
	"github.com/e7canasta/geosentinel/internal/metrics"
	"github.com/e7canasta/geosentinel/internal/scheduler"
	"github.com/e7canasta/geosentinel/internal/timeseries"
	"github.com/e7canasta/geosentinel/internal/types"
)

var (
	ErrAlreadyActive = errors.New("session: already active")
	ErrClosed        = errors.New("session: controller closed")
)

// Failure kinds reported in eventbus.TickFailed, besides the inference
// kinds (transport, server, parse).
const (
	KindCapture = "capture"
	KindPanic   = "panic"
)

const indicatorTimeout = 2 * time.Second

// State of the controller.
type State string

const (
	StateIdle   State = "idle"
	StateActive State = "active"
)

// Submitter sends one frame to the inference service.
type Submitter interface {
	Submit(ctx context.Context, image []byte) (types.Detection, error)
}

// Config tunes a Controller.
type Config struct {
	// TickInterval between captures (default 1s)
	TickInterval time.Duration
	// DetectionHistory capacity (default 50)
	DetectionHistory int
	// ConfidenceHistory capacity (default 20)
	ConfidenceHistory int
}

// Deps are the controller's collaborators. Source and Submitter are
// required; the rest may be nil.
type Deps struct {
	Source    capture.Source
	Submitter Submitter
	Indicator indicator.Store
	Bus       *eventbus.Bus
	Metrics   *metrics.Metrics
}

// View is an immutable snapshot of the controller.
type View struct {
	State      State                   `json:"state"`
	SessionID  string                  `json:"session_id,omitempty"`
	HandleID   string                  `json:"handle_id,omitempty"`
	StartedAt  time.Time               `json:"started_at"`
	StoppedAt  time.Time               `json:"stopped_at"`
	Alert      types.AlertState        `json:"alert"`
	Detections []types.Detection       `json:"detections"`
	Confidence []types.ConfidencePoint `json:"confidence"`
	LastError  string                  `json:"last_error,omitempty"`
}

// Controller is the session state machine. Safe for concurrent use.
type Controller struct {
	cfg       Config
	source    capture.Source
	submitter Submitter
	indicator indicator.Store
	bus       *eventbus.Bus
	metrics   *metrics.Metrics
	sched     *scheduler.Scheduler
	now       func() time.Time

	// base outlives Start calls; cancelled by Close
	base       context.Context
	cancelBase context.CancelFunc

	// lifecycle serializes Start, Stop and Close
	lifecycle sync.Mutex

	mu         sync.Mutex
	state      State
	closed     bool
	generation uint64
	handle     *capture.Handle
	sessionID  string
	startedAt  time.Time
	stoppedAt  time.Time
	lastErr    string
	aggregator *alert.Aggregator
	detections *timeseries.Buffer[types.Detection]
	confidence *timeseries.Buffer[types.ConfidencePoint]

	reportedSkips atomic.Uint64
}

// New creates an idle controller.
func New(cfg Config, deps Deps) (*Controller, error) {
	if deps.Source == nil {
		return nil, fmt.Errorf("session: capture source is required")
	}
	if deps.Submitter == nil {
		return nil, fmt.Errorf("session: inference submitter is required")
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = scheduler.DefaultInterval
	}
	if cfg.DetectionHistory <= 0 {
		cfg.DetectionHistory = 50
	}
	if cfg.ConfidenceHistory <= 0 {
		cfg.ConfidenceHistory = 20
	}
	if deps.Indicator == nil {
		deps.Indicator = &indicator.Nop{}
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.New()
	}

	base, cancel := context.WithCancel(context.Background())

	return &Controller{
		cfg:        cfg,
		source:     deps.Source,
		submitter:  deps.Submitter,
		indicator:  deps.Indicator,
		bus:        deps.Bus,
		metrics:    deps.Metrics,
		sched:      scheduler.New(),
		now:        time.Now,
		base:       base,
		cancelBase: cancel,
		state:      StateIdle,
		aggregator: alert.NewAggregator(),
		detections: timeseries.New[types.Detection](cfg.DetectionHistory),
		confidence: timeseries.New[types.ConfidencePoint](cfg.ConfidenceHistory),
	}, nil
}

// Bus returns the event bus notifications are published on.
func (c *Controller) Bus() *eventbus.Bus {
	return c.bus
}

// Start acquires the camera and begins ticking. On acquisition failure the
// controller stays idle, a StartFailed event is published and the error is
// returned (wrapping capture.ErrDeviceUnavailable).
func (c *Controller) Start(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == StateActive {
		c.mu.Unlock()
		return ErrAlreadyActive
	}
	c.mu.Unlock()

	h, err := c.source.Acquire(ctx)
	if err != nil {
		c.mu.Lock()
		c.lastErr = err.Error()
		c.bus.Publish(eventbus.StartFailed{Err: err, At: c.now()})
		c.mu.Unlock()

		slog.Error("session start failed", "error", err)
		return fmt.Errorf("session: start: %w", err)
	}

	c.mu.Lock()
	c.aggregator.Clear()
	c.detections.Clear()
	c.confidence.Clear()
	c.generation++
	gen := c.generation
	sessionID := uuid.New().String()
	c.state = StateActive
	c.handle = h
	c.sessionID = sessionID
	c.startedAt = c.now()
	c.stoppedAt = time.Time{}
	c.lastErr = ""
	c.mu.Unlock()

	if err := c.sched.Start(c.base, c.cfg.TickInterval, c.tick(gen, sessionID, h)); err != nil {
		// Only possible if the scheduler outlived a previous session
		c.mu.Lock()
		c.generation++
		c.state = StateIdle
		c.handle = nil
		c.mu.Unlock()
		c.source.Release(h)
		return fmt.Errorf("session: start scheduler: %w", err)
	}

	c.mu.Lock()
	c.bus.Publish(eventbus.SessionToggled{
		SessionID: sessionID,
		Active:    true,
		HandleID:  h.ID,
		Device:    h.Device,
		At:        c.startedAt,
	})
	c.mu.Unlock()

	c.setIndicator(true)
	c.metrics.SetSessionActive(true)
	c.metrics.AlertCleared()

	slog.Info("session started",
		"session_id", sessionID,
		"handle_id", h.ID,
		"device", h.Device,
		"tick_interval", c.cfg.TickInterval,
	)

	return nil
}

// Stop halts ticking and releases the camera. Results are kept. A no-op when
// idle.
func (c *Controller) Stop() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	return c.stop()
}

func (c *Controller) stop() error {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return nil
	}
	c.generation++
	c.state = StateIdle
	h := c.handle
	c.handle = nil
	sessionID := c.sessionID
	c.stoppedAt = c.now()
	c.mu.Unlock()

	c.sched.Stop()

	var releaseErr error
	if err := c.source.Release(h); err != nil {
		releaseErr = fmt.Errorf("session: release device: %w", err)
		slog.Warn("failed to release capture device", "handle_id", h.ID, "error", err)
	}

	c.mu.Lock()
	c.bus.Publish(eventbus.SessionToggled{
		SessionID: sessionID,
		Active:    false,
		At:        c.stoppedAt,
	})
	c.mu.Unlock()

	c.setIndicator(false)
	c.metrics.SetSessionActive(false)
	c.syncSkipped()

	stats := c.sched.Stats()
	slog.Info("session stopped",
		"session_id", sessionID,
		"handle_id", h.ID,
		"ticks_fired", stats.Fired,
		"ticks_skipped", stats.Skipped,
	)

	return releaseErr
}

// Close tears the controller down: stops an active session, waits for any
// in-flight tick until ctx expires and closes the event bus. Idempotent.
func (c *Controller) Close(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	stopErr := c.stop()
	drainErr := c.sched.Drain(ctx)
	if drainErr != nil {
		slog.Warn("in-flight tick did not finish before shutdown deadline", "error", drainErr)
	}

	c.mu.Lock()
	c.closed = true
	c.bus.Close()
	c.mu.Unlock()

	c.cancelBase()

	return errors.Join(stopErr, drainErr)
}

// Clear resets the alert aggregate and both histories. Allowed in any state.
func (c *Controller) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.aggregator.Clear()
	c.detections.Clear()
	c.confidence.Clear()
	c.lastErr = ""

	c.bus.Publish(eventbus.ResultsCleared{SessionID: c.sessionID, At: c.now()})
	c.metrics.AlertCleared()

	slog.Info("session results cleared", "session_id", c.sessionID, "state", c.state)
}

// Snapshot returns a copy of the current state and results.
func (c *Controller) Snapshot() View {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := View{
		State:      c.state,
		SessionID:  c.sessionID,
		StartedAt:  c.startedAt,
		StoppedAt:  c.stoppedAt,
		Alert:      c.aggregator.Snapshot(),
		Detections: cloneDetections(c.detections.Snapshot()),
		Confidence: c.confidence.Snapshot(),
		LastError:  c.lastErr,
	}
	if c.handle != nil {
		v.HandleID = c.handle.ID
	}
	return v
}

func cloneDetections(in []types.Detection) []types.Detection {
	for i := range in {
		in[i] = in[i].Clone()
	}
	return in
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SchedulerStats exposes the frame scheduler counters.
func (c *Controller) SchedulerStats() scheduler.Stats {
	return c.sched.Stats()
}

// tick returns the work run by the scheduler for one session. gen pins the
// session the results belong to.
func (c *Controller) tick(gen uint64, sessionID string, h *capture.Handle) scheduler.TickFunc {
	return func(ctx context.Context, seq uint64) {
		defer func() {
			if r := recover(); r != nil {
				c.fail(gen, sessionID, seq, KindPanic, fmt.Errorf("tick panicked: %v", r))
			}
		}()

		c.metrics.TickFired()
		c.syncSkipped()

		frame, err := c.source.Snapshot(ctx, h)
		if err != nil {
			c.fail(gen, sessionID, seq, KindCapture, err)
			return
		}

		start := time.Now()
		d, err := c.submitter.Submit(ctx, frame)
		c.metrics.ObserveInference(time.Since(start))
		if err != nil {
			c.fail(gen, sessionID, seq, inference.Kind(err), err)
			return
		}

		d.Seq = seq
		c.apply(gen, sessionID, d)
	}
}

// apply records d if its session is still the current one.
func (c *Controller) apply(gen uint64, sessionID string, d types.Detection) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation {
		slog.Debug("discarding late detection",
			"session_id", sessionID,
			"seq", d.Seq,
			"trace_id", d.TraceID,
		)
		return
	}

	c.detections.Append(d.Clone())
	c.confidence.Append(d.ConfidencePoint())
	state, esc := c.aggregator.MergeWithEscalation(d)

	c.bus.Publish(eventbus.DetectionApplied{
		SessionID: sessionID,
		Detection: d.Clone(),
		Alert:     state,
		Escalated: esc.Fields,
	})
	c.metrics.DetectionApplied(d, state, esc.Fields)

	slog.Debug("detection applied",
		"session_id", sessionID,
		"seq", d.Seq,
		"trace_id", d.TraceID,
		"risk_level", string(d.RiskLevel),
		"confidence", d.Confidence,
		"escalated", esc.Fields,
	)
}

// fail reports a tick failure if its session is still the current one.
func (c *Controller) fail(gen uint64, sessionID string, seq uint64, kind string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation {
		slog.Debug("discarding late tick failure", "session_id", sessionID, "seq", seq, "error", err)
		return
	}

	c.lastErr = err.Error()
	c.bus.Publish(eventbus.TickFailed{
		SessionID: sessionID,
		Seq:       seq,
		Kind:      kind,
		Err:       err,
		At:        c.now(),
	})
	c.metrics.TickFailed(kind)

	slog.Warn("tick failed",
		"session_id", sessionID,
		"seq", seq,
		"kind", kind,
		"error", err,
	)
}

// setIndicator writes the device indicator. Failures are logged only.
func (c *Controller) setIndicator(active bool) {
	ctx, cancel := context.WithTimeout(c.base, indicatorTimeout)
	defer cancel()

	if err := c.indicator.SetActive(ctx, active); err != nil {
		slog.Warn("failed to update camera indicator", "active", active, "error", err)
	}
}

func (c *Controller) syncSkipped() {
	current := c.sched.Stats().Skipped
	previous := c.reportedSkips.Swap(current)
	if current > previous {
		c.metrics.TicksSkipped(current - previous)
	}
}
