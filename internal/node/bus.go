package node

import (
	"context"
	"fmt"
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
)

// GossipBus adapts gossipsub to the bridge's bus contract: one handler
// per topic, opaque byte payloads, at-least-once delivery to every
// subscribed process.
//
// Gossipsub delivers a process's own publishes back to its local
// subscription, which the relay depends on: local fan-out round-trips
// through the bus so that local and remote subscribers get identical
// treatment. The read loop therefore must not filter self-originated
// messages.
type GossipBus struct {
	ps  *pubsub.PubSub
	ctx context.Context

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
	subs   map[string]*pubsub.Subscription
	wg     sync.WaitGroup
}

// NewGossipBus creates a bus adapter over the node's gossipsub
// instance. ctx bounds all subscription read loops.
func NewGossipBus(ctx context.Context, ps *pubsub.PubSub) *GossipBus {
	return &GossipBus{
		ps:     ps,
		ctx:    ctx,
		topics: make(map[string]*pubsub.Topic),
		subs:   make(map[string]*pubsub.Subscription),
	}
}

// joinLocked returns the joined topic, joining on first use. Callers
// hold b.mu.
func (b *GossipBus) joinLocked(name string) (*pubsub.Topic, error) {
	if topic, ok := b.topics[name]; ok {
		return topic, nil
	}
	topic, err := b.ps.Join(name)
	if err != nil {
		return nil, fmt.Errorf("failed to join topic %s: %w", name, err)
	}
	b.topics[name] = topic
	log.Debugf("joined topic: %s", name)
	return topic, nil
}

// Subscribe registers handler for every message on the topic, including
// this process's own publishes.
func (b *GossipBus) Subscribe(topic string, handler func(data []byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[topic]; ok {
		return fmt.Errorf("already subscribed to %s", topic)
	}

	t, err := b.joinLocked(topic)
	if err != nil {
		return err
	}

	sub, err := t.Subscribe()
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	b.subs[topic] = sub

	b.wg.Add(1)
	go b.readLoop(sub, topic, handler)
	return nil
}

func (b *GossipBus) readLoop(sub *pubsub.Subscription, topic string, handler func(data []byte)) {
	defer b.wg.Done()

	for {
		msg, err := sub.Next(b.ctx)
		if err != nil {
			if b.ctx.Err() != nil {
				return
			}
			// Cancelled subscription also surfaces as an error.
			log.Debugf("subscription %s closed: %v", topic, err)
			return
		}

		handler(msg.Data)
	}
}

// Publish sends data to the topic. The shared gossipsub connection is
// reused across all publishes; nothing is re-established per call.
func (b *GossipBus) Publish(ctx context.Context, topic string, data []byte) error {
	b.mu.Lock()
	t, err := b.joinLocked(topic)
	b.mu.Unlock()
	if err != nil {
		return err
	}

	if err := t.Publish(ctx, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Unsubscribe cancels the topic subscription and leaves the topic.
// Unknown topics are a no-op.
func (b *GossipBus) Unsubscribe(topic string) error {
	b.mu.Lock()
	sub, ok := b.subs[topic]
	if ok {
		delete(b.subs, topic)
	}
	t, joined := b.topics[topic]
	if joined {
		delete(b.topics, topic)
	}
	b.mu.Unlock()

	if ok {
		sub.Cancel()
	}
	if joined {
		if err := t.Close(); err != nil {
			return fmt.Errorf("failed to close topic %s: %w", topic, err)
		}
	}
	return nil
}

// Close cancels every subscription and waits for read loops to drain.
func (b *GossipBus) Close() error {
	b.mu.Lock()
	for topic, sub := range b.subs {
		sub.Cancel()
		delete(b.subs, topic)
	}
	topics := make([]*pubsub.Topic, 0, len(b.topics))
	for name, t := range b.topics {
		topics = append(topics, t)
		delete(b.topics, name)
	}
	b.mu.Unlock()

	b.wg.Wait()

	for _, t := range topics {
		if err := t.Close(); err != nil {
			log.Warnf("error closing topic: %v", err)
		}
	}
	return nil
}
