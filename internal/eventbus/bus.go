// Package eventbus distributes session notifications to any number of
// observers without ever blocking the publisher.
//
// Two delivery policies are supported:
//
//   - DropNew: the subscriber owns a buffered channel; an event is dropped
//     for that subscriber when its channel is full.
//   - DropOld: the subscriber gets a Receiver holding only the latest event;
//     a newer event replaces an unread one.
//
// Publish after Close is a no-op, so late completions racing with teardown
// are harmless.
package eventbus

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	ErrBusClosed          = errors.New("eventbus: bus is closed")
	ErrSubscriberExists   = errors.New("eventbus: subscriber id already exists")
	ErrSubscriberNotFound = errors.New("eventbus: subscriber id not found")
	ErrNilChannel         = errors.New("eventbus: subscriber channel cannot be nil")
)

// DropPolicy defines what happens when a subscriber cannot keep up.
type DropPolicy int

const (
	DropNew DropPolicy = iota
	DropOld
)

func (p DropPolicy) String() string {
	if p == DropOld {
		return "drop_old"
	}
	return "drop_new"
}

// SubscriberStats tracks delivery for one subscriber.
type SubscriberStats struct {
	Policy  DropPolicy
	Sent    uint64
	Dropped uint64
}

// Stats is a bus-wide snapshot.
type Stats struct {
	Published   uint64
	Subscribers map[string]SubscriberStats
}

type subscriber struct {
	policy  DropPolicy
	sent    atomic.Uint64
	dropped atomic.Uint64

	ch     chan<- Event
	latest *latestHolder
}

// Bus fans events out to subscribers. Safe for concurrent use.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	closed      bool

	published atomic.Uint64
}

// New creates an open bus.
func New() *Bus {
	return &Bus{
		subscribers: make(map[string]*subscriber),
	}
}

// Subscribe registers ch with the DropNew policy.
func (b *Bus) Subscribe(id string, ch chan<- Event) error {
	if ch == nil {
		return ErrNilChannel
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return ErrSubscriberExists
	}

	b.subscribers[id] = &subscriber{policy: DropNew, ch: ch}
	return nil
}

// SubscribeLatest registers a DropOld subscriber and returns its receiver.
func (b *Bus) SubscribeLatest(id string) (*Receiver, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return nil, ErrSubscriberExists
	}

	h := newLatestHolder()
	b.subscribers[id] = &subscriber{policy: DropOld, latest: h}
	return &Receiver{h: h}, nil
}

// Unsubscribe removes a subscriber. A DropOld receiver is closed; a DropNew
// channel is left to its owner.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}

	sub, exists := b.subscribers[id]
	if !exists {
		return ErrSubscriberNotFound
	}
	if sub.latest != nil {
		sub.latest.close()
	}

	delete(b.subscribers, id)
	return nil
}

// Publish delivers ev to every subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	b.published.Add(1)

	for _, sub := range b.subscribers {
		switch sub.policy {
		case DropNew:
			select {
			case sub.ch <- ev:
				sub.sent.Add(1)
			default:
				sub.dropped.Add(1)
			}

		case DropOld:
			if sub.latest.set(ev) {
				sub.dropped.Add(1)
			}
			sub.sent.Add(1)
		}
	}
}

// Stats returns a snapshot of the delivery counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := Stats{
		Published:   b.published.Load(),
		Subscribers: make(map[string]SubscriberStats, len(b.subscribers)),
	}
	for id, sub := range b.subscribers {
		out.Subscribers[id] = SubscriberStats{
			Policy:  sub.policy,
			Sent:    sub.sent.Load(),
			Dropped: sub.dropped.Load(),
		}
	}
	return out
}

// Close stops the bus. DropOld receivers are woken and closed; DropNew
// channels are not closed. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, sub := range b.subscribers {
		if sub.latest != nil {
			sub.latest.close()
		}
	}
	b.subscribers = nil
}

// Receiver gives a DropOld subscriber access to the latest event.
type Receiver struct {
	h *latestHolder

	// seq of the last event returned by Next
	last uint64
}

// Next blocks until an event newer than the previously returned one is
// available. It returns false once the subscription is closed. A Receiver
// must be read from a single goroutine.
func (r *Receiver) Next() (Event, bool) {
	ev, seq, ok := r.h.waitAfter(r.last)
	if ok {
		r.last = seq
	}
	return ev, ok
}

// Latest returns the most recent event without blocking.
func (r *Receiver) Latest() (Event, bool) {
	ev, _, ok := r.h.peek()
	return ev, ok
}

type latestHolder struct {
	mu     sync.Mutex
	cond   *sync.Cond
	event  Event
	seq    uint64
	read   uint64
	closed bool
}

func newLatestHolder() *latestHolder {
	h := &latestHolder{}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// set stores ev and reports whether it replaced an unread event.
func (h *latestHolder) set(ev Event) (replaced bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}

	replaced = h.seq > h.read
	h.event = ev
	h.seq++
	h.cond.Broadcast()
	return replaced
}

func (h *latestHolder) waitAfter(last uint64) (Event, uint64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for h.seq <= last && !h.closed {
		h.cond.Wait()
	}
	if h.closed {
		return nil, 0, false
	}

	h.read = h.seq
	return h.event, h.seq, true
}

func (h *latestHolder) peek() (Event, uint64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.event == nil {
		return nil, 0, false
	}
	return h.event, h.seq, true
}

func (h *latestHolder) close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	h.cond.Broadcast()
}
