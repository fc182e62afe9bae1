package registry

import (
	"sync"

	"github.com/grouprelay/relay-server/internal/envelope"
)

// mailbox is an unbounded queue of pending events for one subscriber.
//
// Put never blocks: the inbound bus handler appends to an internal
// buffer and a pump goroutine feeds the outbound channel. Unbounded
// growth is the stated trade-off: a subscriber that stops draining
// grows its buffer until it is unsubscribed, but a publish is never
// rejected and the bus handler is never stalled behind a slow client.
type mailbox struct {
	mu     sync.Mutex
	buf    []envelope.Event
	wake   chan struct{}
	out    chan envelope.Event
	done   chan struct{}
	closed bool
}

func newMailbox() *mailbox {
	m := &mailbox{
		wake: make(chan struct{}, 1),
		out:  make(chan envelope.Event),
		done: make(chan struct{}),
	}
	go m.pump()
	return m
}

// Put appends an event for delivery. After Close it is a no-op, so an
// in-flight fan-out racing an unsubscribe lands harmlessly.
func (m *mailbox) Put(ev envelope.Event) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.buf = append(m.buf, ev)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Len reports the number of events buffered but not yet consumed.
func (m *mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buf)
}

// Close stops accepting Puts and releases the pump. Idempotent.
func (m *mailbox) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	close(m.done)
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// pump moves buffered events to the outbound channel in arrival order.
// It closes the outbound channel on exit so a consumer blocked on a
// receive observes the teardown instead of hanging.
func (m *mailbox) pump() {
	defer close(m.out)
	for {
		m.mu.Lock()
		for len(m.buf) == 0 {
			if m.closed {
				m.mu.Unlock()
				return
			}
			m.mu.Unlock()
			select {
			case <-m.wake:
			case <-m.done:
			}
			m.mu.Lock()
		}
		ev := m.buf[0]
		m.buf = m.buf[1:]
		m.mu.Unlock()

		select {
		case m.out <- ev:
		case <-m.done:
			return
		}
	}
}
