// Package capture owns the camera device used by a monitoring session.
//
// A Source hands out exclusive Handles: Acquire switches the device (and its
// activity indicator) on, Snapshot encodes the current frame as JPEG, Release
// switches it off again. Release is idempotent and a released handle can no
// longer be snapshotted.
package capture

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrDeviceUnavailable is returned by Acquire when the device cannot be
	// opened (missing device, permission denied, already in use).
	ErrDeviceUnavailable = errors.New("capture: device unavailable")

	// ErrCaptureFailed is returned by Snapshot when a single frame could not
	// be produced or encoded.
	ErrCaptureFailed = errors.New("capture: frame capture failed")
)

// Source is a camera that can be acquired, snapshotted and released.
type Source interface {
	// Acquire opens the device. Fails with ErrDeviceUnavailable.
	Acquire(ctx context.Context) (*Handle, error)

	// Snapshot returns the current frame as encoded image bytes.
	// Fails with ErrCaptureFailed.
	Snapshot(ctx context.Context, h *Handle) ([]byte, error)

	// Release closes the device. Safe to call more than once.
	Release(h *Handle) error
}

// Handle identifies one acquisition of a device.
type Handle struct {
	// ID is unique per acquisition
	ID string
	// Device is the source-specific device name (e.g. /dev/video0)
	Device string
	// AcquiredAt is when the device was opened
	AcquiredAt time.Time

	released atomic.Bool
}

// NewHandle creates a handle for device with a fresh ID.
func NewHandle(device string) *Handle {
	return &Handle{
		ID:         uuid.New().String(),
		Device:     device,
		AcquiredAt: time.Now(),
	}
}

// Released reports whether Release has been called for this handle.
func (h *Handle) Released() bool {
	return h.released.Load()
}

// MarkReleased flags the handle as released. It returns false if the handle
// was already released, so sources can make Release idempotent.
func (h *Handle) MarkReleased() bool {
	return h.released.CompareAndSwap(false, true)
}
