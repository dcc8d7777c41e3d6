// Package scheduler fires a capture-and-submit cycle at a fixed interval.
//
// At most one tick is in flight at any time: a tick that comes due while the
// previous one is still running is skipped, not queued. Stop cancels the
// timer synchronously; once it returns no further tick fires.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInterval is the design tick interval.
const DefaultInterval = time.Second

// ErrAlreadyRunning is returned by Start when the scheduler is running.
var ErrAlreadyRunning = errors.New("scheduler: already running")

// TickFunc is one unit of work. ctx is cancelled when the scheduler stops.
// seq starts at 1 for every Start.
type TickFunc func(ctx context.Context, seq uint64)

// Stats is a snapshot of scheduler counters (lifetime, across restarts).
type Stats struct {
	Fired    uint64
	Skipped  uint64
	Panics   uint64
	InFlight bool
	Running  bool
}

// Scheduler runs a TickFunc on a fixed interval without overlap.
type Scheduler struct {
	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool

	inFlight atomic.Bool
	work     sync.WaitGroup

	fired   atomic.Uint64
	skipped atomic.Uint64
	panics  atomic.Uint64
}

// New creates a stopped scheduler.
func New() *Scheduler {
	return &Scheduler{}
}

// Start begins firing onTick every interval until Stop or ctx cancellation.
// The first tick fires one interval after Start.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration, onTick TickFunc) error {
	if interval <= 0 {
		return fmt.Errorf("scheduler: invalid interval %s", interval)
	}
	if onTick == nil {
		return fmt.Errorf("scheduler: nil tick func")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.loop(loopCtx, interval, onTick, s.done)

	slog.Debug("scheduler started", "interval", interval)
	return nil
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, onTick TickFunc, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// Stop may have raced with the ticker
		if ctx.Err() != nil {
			return
		}

		seq++
		if !s.inFlight.CompareAndSwap(false, true) {
			s.skipped.Add(1)
			slog.Debug("scheduler: previous tick still in flight, skipping", "seq", seq)
			continue
		}

		s.fired.Add(1)
		s.work.Add(1)
		go s.run(ctx, seq, onTick)
	}
}

// run executes one tick. Panics are contained so a faulty tick never takes
// the process down.
func (s *Scheduler) run(ctx context.Context, seq uint64, onTick TickFunc) {
	defer s.work.Done()
	defer s.inFlight.Store(false)
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			slog.Error("scheduler: tick panicked", "seq", seq, "panic", r)
		}
	}()

	onTick(ctx, seq)
}

// Stop cancels the timer and the context passed to in-flight ticks. It does
// not wait for an in-flight tick to return (see Drain). Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	cancel()
	<-done

	slog.Debug("scheduler stopped",
		"fired", s.fired.Load(),
		"skipped", s.skipped.Load(),
	)
}

// Drain waits until no tick is in flight or ctx expires. Call it after Stop.
func (s *Scheduler) Drain(ctx context.Context) error {
	drained := make(chan struct{})
	go func() {
		s.work.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler: drain: %w", ctx.Err())
	}
}

// Running reports whether the timer is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stats returns a snapshot of the counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Fired:    s.fired.Load(),
		Skipped:  s.skipped.Load(),
		Panics:   s.panics.Load(),
		InFlight: s.inFlight.Load(),
		Running:  s.Running(),
	}
}
