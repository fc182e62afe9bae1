// Package bridge connects the process-local subscription registry to
// the cross-instance bus. It is the only component that touches the
// wire topic: producers publish through it and the inbound handler
// routes bus traffic back into the registry.
package bridge

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	logging "github.com/ipfs/go-log/v2"

	"github.com/grouprelay/relay-server/internal/envelope"
	"github.com/grouprelay/relay-server/internal/registry"
)

var log = logging.Logger("relay-bridge")

// Bus is the cross-process transport the bridge rides on. One
// subscription per process regardless of how many groups exist locally;
// implementations must invoke the handler for this process's own
// publishes as well, since local delivery round-trips through the bus.
type Bus interface {
	Subscribe(topic string, handler func(data []byte)) error
	Publish(ctx context.Context, topic string, data []byte) error
	Unsubscribe(topic string) error
}

// EventsTopic returns the single well-known bus topic for a prefix.
func EventsTopic(prefix string) string {
	return prefix + ":events"
}

// Bridge translates between the bus topic and the local registry.
// Routing is done in-process by envelope content, not by bus topic
// matching: a late subscribe to a brand-new group is satisfied by
// traffic already flowing on the shared topic.
type Bridge struct {
	bus      Bus
	registry *registry.Registry
	topic    string
}

// New subscribes to the events topic and starts routing inbound
// messages into the registry.
func New(bus Bus, reg *registry.Registry, prefix string) (*Bridge, error) {
	b := &Bridge{
		bus:      bus,
		registry: reg,
		topic:    EventsTopic(prefix),
	}
	if err := bus.Subscribe(b.topic, b.handleInbound); err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", b.topic, err)
	}
	log.Infof("bridge subscribed to topic %s", b.topic)
	return b, nil
}

// handleInbound is invoked by the bus for every message on the events
// topic, including this process's own publishes. Malformed messages are
// logged and dropped; a fault here must never propagate into the bus
// client's callback path and tear down the subscription.
func (b *Bridge) handleInbound(data []byte) {
	env, err := envelope.Decode(data)
	if err != nil {
		log.Warnf("dropping malformed envelope: %v", err)
		return
	}
	ev, err := envelope.DecodeEvent(env.Payload)
	if err != nil {
		log.Warnf("dropping envelope with malformed payload for group %s: %v", env.Group, err)
		return
	}
	b.registry.Deliver(env.Group, ev)
}

// Publish sends an event addressed to one group. Delivery to local
// subscribers also goes through the bus round trip; there is no
// local-only shortcut, so every process applies identical semantics.
func (b *Bridge) Publish(ctx context.Context, group string, ev envelope.Event) error {
	payload, err := envelope.EncodeEvent(ev)
	if err != nil {
		return err
	}
	data, err := envelope.New(group, payload).Encode()
	if err != nil {
		return err
	}
	if err := b.bus.Publish(ctx, b.topic, data); err != nil {
		return fmt.Errorf("failed to publish to group %s: %w", group, err)
	}
	return nil
}

// PublishMany sends the event to each group. Every send is attempted;
// failures are collected and reported together rather than aborting on
// the first error.
func (b *Bridge) PublishMany(ctx context.Context, groups []string, ev envelope.Event) error {
	var result *multierror.Error
	for _, group := range groups {
		if err := b.Publish(ctx, group, ev); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// PublishBroadcast sends a single envelope carrying the broadcast
// sentinel; every process fans it to every local subscriber.
func (b *Bridge) PublishBroadcast(ctx context.Context, ev envelope.Event) error {
	return b.Publish(ctx, envelope.Broadcast, ev)
}

// Close releases the bus subscription.
func (b *Bridge) Close() error {
	if err := b.bus.Unsubscribe(b.topic); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", b.topic, err)
	}
	return nil
}
