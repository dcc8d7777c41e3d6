package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduler_FiresTicks(t *testing.T) {
	s := New()

	var count atomic.Int64
	if err := s.Start(context.Background(), 10*time.Millisecond, func(ctx context.Context, seq uint64) {
		count.Add(1)
	}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	deadline := time.Now().Add(time.Second)
	for count.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if count.Load() < 3 {
		t.Fatalf("expected at least 3 ticks, got %d", count.Load())
	}
}

// TestScheduler_NoTicksAfterStop verifies Stop is synchronous: zero ticks
// fire in the window following Stop.
func TestScheduler_NoTicksAfterStop(t *testing.T) {
	s := New()
	interval := 20 * time.Millisecond

	var count atomic.Int64
	s.Start(context.Background(), interval, func(ctx context.Context, seq uint64) {
		count.Add(1)
	})

	time.Sleep(3 * interval)
	s.Stop()

	after := count.Load()
	time.Sleep(2 * 5 * interval)

	if got := count.Load(); got != after {
		t.Errorf("ticks fired after Stop: before=%d after=%d", after, got)
	}
	if s.Running() {
		t.Error("Running() = true after Stop")
	}
}

func TestScheduler_NeverOverlaps(t *testing.T) {
	s := New()

	var (
		active    atomic.Int64
		maxActive atomic.Int64
		ran       atomic.Int64
	)

	s.Start(context.Background(), 5*time.Millisecond, func(ctx context.Context, seq uint64) {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		// Slower than the interval
		time.Sleep(30 * time.Millisecond)
		active.Add(-1)
		ran.Add(1)
	})

	time.Sleep(200 * time.Millisecond)
	s.Stop()
	s.Drain(context.Background())

	if maxActive.Load() != 1 {
		t.Errorf("max concurrent ticks = %d, want 1", maxActive.Load())
	}

	stats := s.Stats()
	if stats.Skipped == 0 {
		t.Errorf("expected skipped ticks with a slow tick func, stats=%+v", stats)
	}
	if stats.Fired != uint64(ran.Load()) {
		t.Errorf("fired=%d but ran=%d", stats.Fired, ran.Load())
	}
}

func TestScheduler_StopCancelsTickContext(t *testing.T) {
	s := New()

	cancelled := make(chan struct{})
	var once sync.Once
	s.Start(context.Background(), 5*time.Millisecond, func(ctx context.Context, seq uint64) {
		<-ctx.Done()
		once.Do(func() { close(cancelled) })
	})

	time.Sleep(20 * time.Millisecond)
	s.Stop()

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("in-flight tick context was not cancelled by Stop")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Drain(ctx); err != nil {
		t.Errorf("Drain failed: %v", err)
	}
}

func TestScheduler_StopIsIdempotent(t *testing.T) {
	s := New()
	s.Stop() // never started

	s.Start(context.Background(), time.Hour, func(context.Context, uint64) {})
	s.Stop()
	s.Stop()
}

func TestScheduler_Restart(t *testing.T) {
	s := New()
	noop := func(context.Context, uint64) {}

	if err := s.Start(context.Background(), time.Hour, noop); err != nil {
		t.Fatalf("first Start failed: %v", err)
	}
	if err := s.Start(context.Background(), time.Hour, noop); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start: err = %v, want ErrAlreadyRunning", err)
	}
	s.Stop()

	seqs := make(chan uint64, 1)
	if err := s.Start(context.Background(), 5*time.Millisecond, func(ctx context.Context, seq uint64) {
		select {
		case seqs <- seq:
		default:
		}
	}); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	defer s.Stop()

	select {
	case seq := <-seqs:
		if seq != 1 {
			t.Errorf("first seq after restart = %d, want 1", seq)
		}
	case <-time.After(time.Second):
		t.Fatal("no tick after restart")
	}
}

func TestScheduler_PanicIsContained(t *testing.T) {
	s := New()

	var calls atomic.Int64
	s.Start(context.Background(), 5*time.Millisecond, func(ctx context.Context, seq uint64) {
		calls.Add(1)
		panic("boom")
	})

	time.Sleep(50 * time.Millisecond)
	s.Stop()

	if calls.Load() < 2 {
		t.Errorf("scheduler should keep ticking after a panic, calls=%d", calls.Load())
	}
	if s.Stats().Panics == 0 {
		t.Error("panic not counted")
	}
}

func TestScheduler_InvalidArgs(t *testing.T) {
	s := New()
	if err := s.Start(context.Background(), 0, func(context.Context, uint64) {}); err == nil {
		t.Error("expected error for zero interval")
	}
	if err := s.Start(context.Background(), time.Second, nil); err == nil {
		t.Error("expected error for nil tick func")
	}
}
