// ABOUTME: Envelope is the decoded object shape exchanged between agents, the hub, and features.
// ABOUTME: Only source/destination addressing is interpreted by the hub; payloads are opaque.

package wire

import (
	"encoding/json"
	"fmt"
)

// Handshake message types.
const (
	TypeHello   = "handshake.hello"
	TypeWelcome = "handshake.welcome"
)

// Address identifies one end of a message.
type Address struct {
	ID string `json:"id"`
}

// Envelope is one decoded frame. Routing only looks at Destination.ID.
type Envelope struct {
	ID          uint64          `json:"id"`
	Type        string          `json:"type,omitempty"`
	Source      Address         `json:"source"`
	Destination Address         `json:"destination"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// New builds an envelope addressed to destID with v marshaled as the payload.
// A nil v leaves the payload empty.
func New(id uint64, msgType, destID string, v any) (*Envelope, error) {
	env := &Envelope{
		ID:          id,
		Type:        msgType,
		Destination: Address{ID: destID},
	}
	if v == nil {
		return env, nil
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}
	env.Payload = payload
	return env, nil
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("envelope %d has no payload", e.ID)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decoding payload of %q: %w", e.Type, err)
	}
	return nil
}

// Clone returns a copy that does not share the payload buffer.
func (e *Envelope) Clone() *Envelope {
	c := *e
	if e.Payload != nil {
		c.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	return &c
}
