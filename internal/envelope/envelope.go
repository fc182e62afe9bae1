// Package envelope defines the wire unit exchanged over the relay bus
// and its JSON codec.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"
)

// Broadcast is the reserved group sentinel addressing every subscriber
// in every group. It is the only group value with non-literal meaning;
// all other groups match by exact string equality.
const Broadcast = "*"

// Envelope is the routed unit of data exchanged over the cross-instance
// bus. It is immutable once constructed; the relay never modifies a
// payload in transit.
type Envelope struct {
	Group       string          `json:"group"`
	Payload     json.RawMessage `json:"payload"`
	PublishedAt time.Time       `json:"publishedAt"`
}

// New constructs an envelope for a group, stamping the publish time.
func New(group string, payload []byte) *Envelope {
	return &Envelope{
		Group:       group,
		Payload:     json.RawMessage(payload),
		PublishedAt: time.Now().UTC(),
	}
}

// Encode serializes the envelope for transmission on the bus topic.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses an envelope received from the bus topic. A missing
// group is a malformed message: there is nothing to route it by.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if e.Group == "" {
		return nil, fmt.Errorf("envelope missing group")
	}
	return &e, nil
}

// Event is the tagged payload carried inside Envelope.Payload. Kind is
// an application-chosen discriminator; a streaming session may filter
// on it so that one group can carry more than one event shape.
type Event struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// EncodeEvent serializes an event into envelope payload bytes.
func EncodeEvent(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	return data, nil
}

// DecodeEvent parses envelope payload bytes back into an event.
func DecodeEvent(payload []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, fmt.Errorf("failed to decode event: %w", err)
	}
	return ev, nil
}
