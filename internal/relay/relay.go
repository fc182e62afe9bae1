// Package relay composes the subscription registry and the bus bridge
// into the surface producers and streaming endpoints program against.
//
// A Service is an explicit instance owned by the composition root and
// injected where needed; there is no package-level singleton.
package relay

import (
	"context"

	"github.com/grouprelay/relay-server/internal/bridge"
	"github.com/grouprelay/relay-server/internal/envelope"
	"github.com/grouprelay/relay-server/internal/registry"
)

// Service is the group-keyed fan-out relay: publish on any instance,
// receive on whichever instance holds the streaming connection.
type Service struct {
	registry *registry.Registry
	bridge   *bridge.Bridge
}

// New wires a relay service onto a bus. The registry is created here;
// the bridge immediately begins routing bus traffic into it.
func New(bus bridge.Bus, topicPrefix string) (*Service, error) {
	reg := registry.New()
	br, err := bridge.New(bus, reg, topicPrefix)
	if err != nil {
		return nil, err
	}
	return &Service{registry: reg, bridge: br}, nil
}

// PublishToGroup sends an event to every subscriber of group, on every
// instance in the fleet including this one.
func (s *Service) PublishToGroup(ctx context.Context, group string, ev envelope.Event) error {
	return s.bridge.Publish(ctx, group, ev)
}

// PublishToGroups sends an event to each named group. All sends are
// attempted; failures are aggregated.
func (s *Service) PublishToGroups(ctx context.Context, groups []string, ev envelope.Event) error {
	return s.bridge.PublishMany(ctx, groups, ev)
}

// PublishToAll sends an event to every subscriber in every group.
func (s *Service) PublishToAll(ctx context.Context, ev envelope.Event) error {
	return s.bridge.PublishBroadcast(ctx, ev)
}

// Subscribe registers a local streaming subscriber under group.
func (s *Service) Subscribe(group string) *registry.Subscription {
	return s.registry.Subscribe(group)
}

// Unsubscribe releases a local subscriber. Idempotent.
func (s *Service) Unsubscribe(group string, id uint64) {
	s.registry.Unsubscribe(group, id)
}

// GetLocalSubscriberCount returns the number of subscribers this
// process holds for group. Zero is expected when the group's clients
// are connected to other instances.
func (s *Service) GetLocalSubscriberCount(group string) int {
	return s.registry.Count(group)
}

// GetLocalGroups returns the groups with at least one local subscriber.
func (s *Service) GetLocalGroups() []string {
	return s.registry.Groups()
}

// GetDiagnostics returns a point-in-time snapshot of local registry
// state.
func (s *Service) GetDiagnostics() registry.Snapshot {
	return s.registry.Snapshot()
}

// Close releases the bridge's bus subscription.
func (s *Service) Close() error {
	return s.bridge.Close()
}
