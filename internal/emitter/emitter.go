// Package emitter forwards session notifications to downstream sinks: an
// MQTT broker, a Kafka topic and a Postgres journal.
//
// A Dispatcher subscribes to the session event bus and hands every event to
// each sink in order. A failing sink is logged and counted; it never blocks
// or fails the session.
package emitter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/geosentinel/internal/eventbus"
	"github.com/e7canasta/geosentinel/internal/metrics"
)

// Sink receives session events. Sinks ignore event types they do not handle.
type Sink interface {
	Name() string
	Emit(ctx context.Context, ev eventbus.Event) error
	Close() error
}

const (
	subscriberID = "emitter"
	bufferSize   = 256
	emitTimeout  = 5 * time.Second
)

// Dispatcher drains the event bus into sinks on its own goroutine.
type Dispatcher struct {
	sinks   []Sink
	metrics *metrics.Metrics
	events  chan eventbus.Event

	bus    *eventbus.Bus
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	emitted map[string]uint64
	failed  map[string]uint64
}

// NewDispatcher creates a dispatcher for sinks.
func NewDispatcher(m *metrics.Metrics, sinks ...Sink) *Dispatcher {
	return &Dispatcher{
		sinks:   sinks,
		metrics: m,
		events:  make(chan eventbus.Event, bufferSize),
		emitted: make(map[string]uint64),
		failed:  make(map[string]uint64),
	}
}

// Start subscribes to bus and begins forwarding.
func (d *Dispatcher) Start(ctx context.Context, bus *eventbus.Bus) error {
	if err := bus.Subscribe(subscriberID, d.events); err != nil {
		return fmt.Errorf("emitter: subscribe: %w", err)
	}
	d.bus = bus

	ctx, d.cancel = context.WithCancel(ctx)

	d.wg.Add(1)
	go d.run(ctx)

	names := make([]string, 0, len(d.sinks))
	for _, s := range d.sinks {
		names = append(names, s.Name())
	}
	slog.Info("emitter dispatcher started", "sinks", names)

	return nil
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			d.flush()
			return
		case ev := <-d.events:
			d.dispatch(ev)
		}
	}
}

// flush forwards whatever is still buffered at shutdown.
func (d *Dispatcher) flush() {
	for {
		select {
		case ev := <-d.events:
			d.dispatch(ev)
		default:
			return
		}
	}
}

func (d *Dispatcher) dispatch(ev eventbus.Event) {
	for _, sink := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
		err := sink.Emit(ctx, ev)
		cancel()

		d.mu.Lock()
		if err != nil {
			d.failed[sink.Name()]++
		} else {
			d.emitted[sink.Name()]++
		}
		d.mu.Unlock()

		if err != nil {
			d.metrics.EmitFailed(sink.Name())
			slog.Warn("emit failed",
				"sink", sink.Name(),
				"event", ev.Type(),
				"error", err,
			)
		}
	}
}

// Stop unsubscribes, forwards buffered events and closes every sink.
func (d *Dispatcher) Stop() error {
	if d.bus != nil {
		// The bus may already be closed by the session controller
		_ = d.bus.Unsubscribe(subscriberID)
	}
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()

	var firstErr error
	for _, sink := range d.sinks {
		if err := sink.Close(); err != nil {
			slog.Warn("failed to close sink", "sink", sink.Name(), "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Stats reports per-sink delivery counts.
type Stats struct {
	Emitted map[string]uint64
	Failed  map[string]uint64
}

func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := Stats{
		Emitted: make(map[string]uint64, len(d.emitted)),
		Failed:  make(map[string]uint64, len(d.failed)),
	}
	for k, v := range d.emitted {
		out.Emitted[k] = v
	}
	for k, v := range d.failed {
		out.Failed[k] = v
	}
	return out
}
