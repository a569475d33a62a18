package core

import "sync"

const defaultConnBuffer = 32

// Conn is one open transport session between a device and the server,
// as seen by the core layer. The transport drains Events and writes them out.
type Conn struct {
	ID string

	events chan *Event

	mu     sync.RWMutex
	userID string
	closed bool
}

// NewConn constructs a connection with a bounded outbound buffer.
func NewConn(id string, buffer int) *Conn {
	if buffer <= 0 {
		buffer = defaultConnBuffer
	}
	return &Conn{
		ID:     id,
		events: make(chan *Event, buffer),
	}
}

// Events is closed once the connection is closed.
func (c *Conn) Events() <-chan *Event {
	return c.events
}

// UserID returns the authenticated identity, or "" before authentication.
func (c *Conn) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Conn) setUserID(userID string) {
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
}

// Open reports whether the connection still accepts events.
func (c *Conn) Open() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed
}

// Deliver enqueues an event without blocking. It returns false when the
// connection is closed or its buffer is full; the event is dropped either way.
func (c *Conn) Deliver(ev *Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		eventsDropped.WithLabelValues(dropReasonClosed).Inc()
		return false
	}
	select {
	case c.events <- ev:
		eventsDelivered.WithLabelValues(ev.Kind.String()).Inc()
		return true
	default:
		// Slow consumer.
		eventsDropped.WithLabelValues(dropReasonFull).Inc()
		return false
	}
}

// Close marks the connection closed and closes Events. Safe to call repeatedly.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.events)
}
