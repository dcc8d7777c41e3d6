package capture

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"log/slog"
	"sync"
)

// MockSource generates synthetic JPEG frames. Used when no camera is
// configured and in tests.
type MockSource struct {
	width   int
	height  int
	quality int

	mu          sync.Mutex
	active      *Handle
	seq         uint64
	unavailable bool
	failNext    int
	acquired    int
	released    int
}

// NewMockSource creates a mock camera producing width x height frames.
func NewMockSource(width, height, quality int) *MockSource {
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	return &MockSource{
		width:   width,
		height:  height,
		quality: quality,
	}
}

// Acquire implements Source.
func (m *MockSource) Acquire(ctx context.Context) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.unavailable {
		return nil, fmt.Errorf("%w: mock device disabled", ErrDeviceUnavailable)
	}
	if m.active != nil {
		return nil, fmt.Errorf("%w: mock device busy (handle %s)", ErrDeviceUnavailable, m.active.ID)
	}

	h := NewHandle("mock")
	m.active = h
	m.acquired++

	slog.Info("mock camera acquired",
		"handle_id", h.ID,
		"width", m.width,
		"height", m.height,
	)

	return h, nil
}

// Snapshot implements Source.
func (m *MockSource) Snapshot(ctx context.Context, h *Handle) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCaptureFailed, err)
	}

	m.mu.Lock()
	if h == nil || h.Released() || m.active != h {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: handle not active", ErrCaptureFailed)
	}
	if m.failNext > 0 {
		m.failNext--
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: injected failure", ErrCaptureFailed)
	}
	m.seq++
	seq := m.seq
	m.mu.Unlock()

	img := image.NewRGBA(image.Rect(0, 0, m.width, m.height))
	shift := uint8(seq)
	for y := 0; y < m.height; y++ {
		for x := 0; x < m.width; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8(x) + shift,
				G: uint8(y),
				B: shift,
				A: 0xff,
			})
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: m.quality}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCaptureFailed, err)
	}

	return buf.Bytes(), nil
}

// Release implements Source.
func (m *MockSource) Release(h *Handle) error {
	if h == nil || !h.MarkReleased() {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == h {
		m.active = nil
	}
	m.released++

	slog.Info("mock camera released", "handle_id", h.ID)
	return nil
}

// SetUnavailable makes subsequent Acquire calls fail with ErrDeviceUnavailable.
func (m *MockSource) SetUnavailable(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = v
}

// FailNextSnapshots makes the next n Snapshot calls fail with ErrCaptureFailed.
func (m *MockSource) FailNextSnapshots(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
}

// Active reports whether a handle is currently held (the camera indicator).
func (m *MockSource) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil
}

// Counts returns how many times the device was acquired and released.
func (m *MockSource) Counts() (acquired, released int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquired, m.released
}
