package peer

import (
	"context"
	"sync"
)

// DefaultEventBufferSize is the number of events a listener may fall behind
// before it starts losing the oldest ones.
const DefaultEventBufferSize = 100

// Event is a domain event broadcast to every listener.
type Event interface {
	eventKind() string
}

// MessageReceived is emitted for every valid chat message arriving on a
// subscribed topic.
type MessageReceived struct {
	MessageID MessageID
	Topic     string
	PeerID    string
	Text      string
	Timestamp uint64
}

// PeerJoined is emitted when a remote peer subscribes to a topic we follow.
type PeerJoined struct {
	PeerID    string
	Topic     string
	Timestamp uint64
}

// PeerLeft is emitted when a remote peer leaves a topic we follow.
type PeerLeft struct {
	PeerID    string
	Topic     string
	Timestamp uint64
}

func (MessageReceived) eventKind() string { return "message_received" }
func (PeerJoined) eventKind() string      { return "peer_joined" }
func (PeerLeft) eventKind() string        { return "peer_left" }

// EventBus is a lossy broadcast channel. Events are written into a ring of
// fixed capacity and every listener reads it through its own cursor. Emit
// never waits for listeners; a listener that falls more than a ring behind
// loses the oldest events and is told how many.
type EventBus struct {
	mu        sync.Mutex
	ring      []Event
	seq       uint64 // sequence number of the next event
	wake      chan struct{}
	closed    bool
	listeners int
	metrics   *Metrics
}

// NewEventBus returns a bus whose listeners may lag by up to capacity
// events.
func NewEventBus(capacity int) *EventBus {
	if capacity <= 0 {
		capacity = DefaultEventBufferSize
	}
	return &EventBus{
		ring: make([]Event, capacity),
		wake: make(chan struct{}),
	}
}

// Emit publishes ev to all current listeners. It is a no-op after Close.
func (b *EventBus) Emit(ev Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.ring[b.seq%uint64(len(b.ring))] = ev
	b.seq++
	close(b.wake)
	b.wake = make(chan struct{})
	m := b.metrics
	b.mu.Unlock()

	m.eventEmitted(ev)
}

// Subscribe returns a listener that observes events emitted from now on.
func (b *EventBus) Subscribe() *Listener {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners++
	b.metrics.setListeners(b.listeners)
	return &Listener{bus: b, next: b.seq}
}

// Close stops the bus. Listeners drain what is retained, then receive
// ErrBusClosed.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.wake)
}

func (b *EventBus) detach() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners--
	b.metrics.setListeners(b.listeners)
}

// Listener is an independent cursor into an EventBus. A Listener must not be
// used from more than one goroutine at a time.
type Listener struct {
	bus    *EventBus
	next   uint64
	closed bool
}

// Recv returns the next event. If events were dropped since the last call it
// returns a *LaggedError first and resumes at the oldest retained event.
// Recv blocks until an event is available, ctx is done, or the bus is closed.
func (l *Listener) Recv(ctx context.Context) (Event, error) {
	if l.closed {
		return nil, ErrBusClosed
	}
	for {
		b := l.bus
		b.mu.Lock()
		capacity := uint64(len(b.ring))
		if b.seq-l.next > capacity {
			oldest := b.seq - capacity
			missed := oldest - l.next
			l.next = oldest
			b.mu.Unlock()
			return nil, &LaggedError{Missed: missed}
		}
		if l.next < b.seq {
			ev := b.ring[l.next%capacity]
			l.next++
			b.mu.Unlock()
			return ev, nil
		}
		if b.closed {
			b.mu.Unlock()
			return nil, ErrBusClosed
		}
		wake := b.wake
		b.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close detaches the listener from the bus.
func (l *Listener) Close() {
	if l.closed {
		return
	}
	l.closed = true
	l.bus.detach()
}
