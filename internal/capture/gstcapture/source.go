// Package gstcapture implements capture.Source on top of a GStreamer
// pipeline (V4L2 webcam, RTSP camera or test pattern) that encodes frames to
// JPEG and keeps only the latest one in an appsink.
package gstcapture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/geosentinel/internal/capture"
)

// Config describes the camera to open.
type Config struct {
	// Kind is v4l2, rtsp or test
	Kind Kind
	// Device is the V4L2 device path or the RTSP URL
	Device string
	// Width and Height of the encoded snapshot
	Width  int
	Height int
	// JPEGQuality is the jpegenc quality (1-100)
	JPEGQuality int
	// StartTimeout bounds how long Acquire waits for PLAYING (default 5s)
	StartTimeout time.Duration
	// SnapshotTimeout bounds how long Snapshot waits for a sample (default 2s)
	SnapshotTimeout time.Duration
}

// Source is a GStreamer backed capture.Source. Only one handle can be held at
// a time.
type Source struct {
	cfg         Config
	description string

	mu       sync.Mutex
	pipeline *gst.Pipeline
	sink     *app.Sink
	handle   *capture.Handle
}

var _ capture.Source = (*Source)(nil)

// New validates cfg and returns a source. The device is not opened until
// Acquire.
func New(cfg Config) (*Source, error) {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 5 * time.Second
	}
	if cfg.SnapshotTimeout <= 0 {
		cfg.SnapshotTimeout = 2 * time.Second
	}

	desc, err := pipelineDescription(cfg)
	if err != nil {
		return nil, err
	}

	gst.Init(nil)

	slog.Info("gstcapture: source created",
		"kind", cfg.Kind,
		"device", cfg.Device,
		"resolution", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"jpeg_quality", cfg.JPEGQuality,
	)

	return &Source{cfg: cfg, description: desc}, nil
}

// Acquire builds the pipeline and waits for it to reach PLAYING.
func (s *Source) Acquire(ctx context.Context) (*capture.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle != nil {
		return nil, fmt.Errorf("%w: device %s already held by handle %s",
			capture.ErrDeviceUnavailable, s.cfg.Device, s.handle.ID)
	}

	pipeline, err := gst.NewPipelineFromString(s.description)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create pipeline: %v", capture.ErrDeviceUnavailable, err)
	}

	elem, err := pipeline.GetElementByName(sinkName)
	if err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("%w: appsink not found: %v", capture.ErrDeviceUnavailable, err)
	}
	sink := app.SinkFromElement(elem)

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("%w: failed to start pipeline: %v", capture.ErrDeviceUnavailable, err)
	}

	if err := waitPlaying(ctx, pipeline, s.cfg.StartTimeout); err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("%w: %v", capture.ErrDeviceUnavailable, err)
	}

	h := capture.NewHandle(s.cfg.Device)
	s.pipeline = pipeline
	s.sink = sink
	s.handle = h

	slog.Info("gstcapture: device acquired",
		"handle_id", h.ID,
		"kind", s.cfg.Kind,
		"device", s.cfg.Device,
	)

	return h, nil
}

// waitPlaying polls the pipeline bus until the pipeline reports PLAYING, an
// error is posted, or the timeout/context expires.
func waitPlaying(ctx context.Context, pipeline *gst.Pipeline, timeout time.Duration) error {
	bus := pipeline.GetPipelineBus()
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageError:
			gerr := msg.ParseError()
			category := classifyGError(gerr)
			slog.Error("gstcapture: pipeline error during start",
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"category", category.String(),
			)
			return fmt.Errorf("pipeline error [%s]: %s", category, gerr.Error())

		case gst.MessageStateChanged:
			if msg.Source() != pipeline.GetName() {
				continue
			}
			_, newState := msg.ParseStateChanged()
			if newState == gst.StatePlaying {
				return nil
			}
		}
	}

	return fmt.Errorf("pipeline did not reach PLAYING within %s", timeout)
}

// Snapshot pulls the most recent JPEG sample from the appsink.
func (s *Source) Snapshot(ctx context.Context, h *capture.Handle) ([]byte, error) {
	s.mu.Lock()
	sink := s.sink
	held := s.handle
	s.mu.Unlock()

	if h == nil || h.Released() || held != h || sink == nil {
		return nil, fmt.Errorf("%w: handle not active", capture.ErrCaptureFailed)
	}

	timeout := s.cfg.SnapshotTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: %v", capture.ErrCaptureFailed, context.DeadlineExceeded)
	}

	sample := sink.TryPullSample(timeout)
	if sample == nil {
		return nil, fmt.Errorf("%w: no sample within %s", capture.ErrCaptureFailed, timeout)
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		return nil, fmt.Errorf("%w: sample without buffer", capture.ErrCaptureFailed)
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		return nil, fmt.Errorf("%w: empty buffer", capture.ErrCaptureFailed)
	}

	// GStreamer reuses the buffer
	frame := make([]byte, len(data))
	copy(frame, data)
	buffer.Unmap()

	return frame, nil
}

// Release stops the pipeline and frees the device. Idempotent.
func (s *Source) Release(h *capture.Handle) error {
	if h == nil || !h.MarkReleased() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle != h {
		return nil
	}

	var err error
	if s.pipeline != nil {
		if serr := s.pipeline.SetState(gst.StateNull); serr != nil {
			err = fmt.Errorf("gstcapture: failed to set pipeline to NULL: %w", serr)
		}
	}

	s.pipeline = nil
	s.sink = nil
	s.handle = nil

	slog.Info("gstcapture: device released",
		"handle_id", h.ID,
		"held_for", time.Since(h.AcquiredAt),
	)

	return err
}
