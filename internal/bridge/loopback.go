package bridge

import (
	"context"
	"fmt"
	"sync"
)

// LoopbackBus is an in-process Bus: every publish is delivered
// synchronously to this process's handler. It preserves the relay's
// round-trip semantics without a network, which makes it suitable for
// single-instance runs and for tests of everything above the bus.
type LoopbackBus struct {
	mu       sync.RWMutex
	handlers map[string]func(data []byte)
}

// NewLoopbackBus creates an empty loopback bus.
func NewLoopbackBus() *LoopbackBus {
	return &LoopbackBus{handlers: make(map[string]func(data []byte))}
}

// Subscribe registers the topic handler.
func (l *LoopbackBus) Subscribe(topic string, handler func(data []byte)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.handlers[topic]; ok {
		return fmt.Errorf("already subscribed to %s", topic)
	}
	l.handlers[topic] = handler
	return nil
}

// Publish invokes the topic handler, if any, with the payload.
func (l *LoopbackBus) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.RLock()
	handler := l.handlers[topic]
	l.mu.RUnlock()

	if handler != nil {
		handler(data)
	}
	return nil
}

// Unsubscribe removes the topic handler. Unknown topics are a no-op.
func (l *LoopbackBus) Unsubscribe(topic string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.handlers, topic)
	return nil
}
