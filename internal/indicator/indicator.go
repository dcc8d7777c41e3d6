// Package indicator persists the "camera active" flag so that other
// processes (dashboards, a restarted daemon) can tell whether a monitoring
// session currently holds the camera.
package indicator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Store reads and writes the indicator.
type Store interface {
	SetActive(ctx context.Context, active bool) error
	Active(ctx context.Context) (bool, error)
}

// State is the persisted document.
type State struct {
	Active    bool      `json:"active"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Nop is a Store that remembers the flag in memory only.
type Nop struct {
	mu     sync.Mutex
	active bool
}

func (n *Nop) SetActive(_ context.Context, active bool) error {
	n.mu.Lock()
	n.active = active
	n.mu.Unlock()
	return nil
}

func (n *Nop) Active(context.Context) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.active, nil
}

// FileStore keeps the indicator in a JSON file. Writes go to a temporary
// file in the same directory which is then renamed over the target, so a
// reader never sees a partial document.
type FileStore struct {
	path string
	now  func() time.Time

	mu sync.Mutex
}

// NewFileStore returns a store writing to path. The parent directory is
// created if needed.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("indicator: file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("indicator: failed to create directory: %w", err)
	}
	return &FileStore{path: path, now: time.Now}, nil
}

// SetActive writes the flag atomically.
func (f *FileStore) SetActive(ctx context.Context, active bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(State{Active: active, UpdatedAt: f.now().UTC()})
	if err != nil {
		return fmt.Errorf("indicator: marshal: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".indicator-*")
	if err != nil {
		return fmt.Errorf("indicator: create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("indicator: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("indicator: close: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("indicator: rename: %w", err)
	}

	slog.Debug("indicator written", "path", f.path, "active", active)
	return nil
}

// Active reads the flag. A missing file means inactive.
func (f *FileStore) Active(ctx context.Context) (bool, error) {
	st, err := f.Read(ctx)
	if err != nil {
		return false, err
	}
	return st.Active, nil
}

// Read returns the full document. A missing file yields the zero State.
func (f *FileStore) Read(ctx context.Context) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, err
	}

	f.mu.Lock()
	data, err := os.ReadFile(f.path)
	f.mu.Unlock()

	if errors.Is(err, os.ErrNotExist) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("indicator: read: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("indicator: corrupt document %s: %w", f.path, err)
	}
	return st, nil
}
