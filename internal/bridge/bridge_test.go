package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/grouprelay/relay-server/internal/envelope"
	"github.com/grouprelay/relay-server/internal/registry"
)

// mockBus implements Bus in-process. Published messages loop straight
// back into the subscribed handler, mirroring the real bus's delivery
// of self-originated traffic.
type mockBus struct {
	mu       sync.Mutex
	handlers map[string]func([]byte)
	sent     [][]byte
	perSend  []error // if non-empty, consumed one per Publish call
}

func newMockBus() *mockBus {
	return &mockBus{
		handlers: make(map[string]func([]byte)),
	}
}

func (m *mockBus) Subscribe(topic string, handler func([]byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = handler
	return nil
}

func (m *mockBus) Publish(ctx context.Context, topic string, data []byte) error {
	m.mu.Lock()
	if len(m.perSend) > 0 {
		err := m.perSend[0]
		m.perSend = m.perSend[1:]
		if err != nil {
			m.mu.Unlock()
			return err
		}
	}
	m.sent = append(m.sent, data)
	handler := m.handlers[topic]
	m.mu.Unlock()

	if handler != nil {
		handler(data)
	}
	return nil
}

func (m *mockBus) Unsubscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, topic)
	return nil
}

func (m *mockBus) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func receive(t *testing.T, sub *registry.Subscription) envelope.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatal("events channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return envelope.Event{}
}

func TestEventsTopic(t *testing.T) {
	if got := EventsTopic("grouprelay"); got != "grouprelay:events" {
		t.Errorf("EventsTopic = %q, want %q", got, "grouprelay:events")
	}
}

func TestPublishRoundTripsToLocalSubscriber(t *testing.T) {
	bus := newMockBus()
	reg := registry.New()
	b, err := New(bus, reg, "test")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	sub := reg.Subscribe("g1")
	ev := envelope.Event{Kind: "ping", Data: json.RawMessage(`"A"`)}
	if err := b.Publish(context.Background(), "g1", ev); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	got := receive(t, sub)
	if got.Kind != "ping" || string(got.Data) != `"A"` {
		t.Errorf("received %+v, want kind=ping data=\"A\"", got)
	}
	if bus.sentCount() != 1 {
		t.Errorf("bus sends = %d, want 1 (no local shortcut)", bus.sentCount())
	}
}

func TestPublishNoLocalSubscribers(t *testing.T) {
	bus := newMockBus()
	reg := registry.New()
	b, err := New(bus, reg, "test")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ev := envelope.Event{Kind: "ping", Data: json.RawMessage(`{}`)}
	if err := b.Publish(context.Background(), "ghost", ev); err != nil {
		t.Fatalf("Publish to subscriber-less group failed: %v", err)
	}
	if got := reg.Count("ghost"); got != 0 {
		t.Errorf("Count(ghost) = %d, want 0", got)
	}
}

func TestPublishManyPartialFailure(t *testing.T) {
	bus := newMockBus()
	reg := registry.New()
	b, err := New(bus, reg, "test")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	sub := reg.Subscribe("g3")

	// First send fails, the remaining two must still be attempted.
	bus.perSend = []error{errors.New("bus unreachable"), nil, nil}

	ev := envelope.Event{Kind: "multi", Data: json.RawMessage(`{}`)}
	err = b.PublishMany(context.Background(), []string{"g1", "g2", "g3"}, ev)
	if err == nil {
		t.Fatal("expected aggregated error")
	}
	if !strings.Contains(err.Error(), "bus unreachable") {
		t.Errorf("error %q does not mention the bus failure", err)
	}
	if got := receive(t, sub); got.Kind != "multi" {
		t.Errorf("g3 got kind %q despite later sends succeeding", got.Kind)
	}
	if bus.sentCount() != 2 {
		t.Errorf("successful sends = %d, want 2", bus.sentCount())
	}
}

func TestPublishManyAllOK(t *testing.T) {
	bus := newMockBus()
	reg := registry.New()
	b, _ := New(bus, reg, "test")

	ev := envelope.Event{Kind: "multi", Data: json.RawMessage(`{}`)}
	if err := b.PublishMany(context.Background(), []string{"a", "b"}, ev); err != nil {
		t.Fatalf("PublishMany failed: %v", err)
	}
	if bus.sentCount() != 2 {
		t.Errorf("sends = %d, want 2", bus.sentCount())
	}
}

func TestPublishBroadcastReachesAllGroups(t *testing.T) {
	bus := newMockBus()
	reg := registry.New()
	b, _ := New(bus, reg, "test")

	g1 := reg.Subscribe("g1")
	g2 := reg.Subscribe("g2")

	ev := envelope.Event{Kind: "all", Data: json.RawMessage(`{}`)}
	if err := b.PublishBroadcast(context.Background(), ev); err != nil {
		t.Fatalf("PublishBroadcast failed: %v", err)
	}
	if got := receive(t, g1); got.Kind != "all" {
		t.Errorf("g1 got kind %q", got.Kind)
	}
	if got := receive(t, g2); got.Kind != "all" {
		t.Errorf("g2 got kind %q", got.Kind)
	}
	if bus.sentCount() != 1 {
		t.Errorf("broadcast used %d sends, want 1", bus.sentCount())
	}
}

func TestInboundMalformedDropped(t *testing.T) {
	bus := newMockBus()
	reg := registry.New()
	b, err := New(bus, reg, "test")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	sub := reg.Subscribe("g1")

	// Garbage straight into the handler must not panic or tear anything
	// down, and later traffic must still flow.
	bus.handlers[EventsTopic("test")]([]byte("garbage"))
	bus.handlers[EventsTopic("test")]([]byte(`{"group":"g1","payload":"not-an-event"}`))

	ev := envelope.Event{Kind: "after", Data: json.RawMessage(`{}`)}
	if err := b.Publish(context.Background(), "g1", ev); err != nil {
		t.Fatalf("Publish after garbage failed: %v", err)
	}
	if got := receive(t, sub); got.Kind != "after" {
		t.Errorf("got kind %q, want %q", got.Kind, "after")
	}
}

func TestCloseUnsubscribes(t *testing.T) {
	bus := newMockBus()
	reg := registry.New()
	b, _ := New(bus, reg, "test")

	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	bus.mu.Lock()
	_, still := bus.handlers[EventsTopic("test")]
	bus.mu.Unlock()
	if still {
		t.Error("handler still registered after Close")
	}
}
