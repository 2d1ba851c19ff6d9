package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"strconv"
)

// EntityIDKey is the payload key carrying the target entity id.
const EntityIDKey = "entityId"

// Message is the payload exchanged between stages.
//
// On the wire it is a flat JSON object: {"entityId": 42, ...extra}. Extra
// holds every other key and is forwarded verbatim from stage to stage.
// Numbers in Extra are kept as json.Number so they round-trip without loss.
//
// Messages are values; stages derive new ones with With rather than
// mutating what they received.
type Message struct {
	EntityID int64
	Extra    map[string]any
}

// NewMessage returns a message for the given entity with no extra fields.
func NewMessage(entityID int64) Message {
	return Message{EntityID: entityID}
}

// With returns a copy of m with key set to value. Setting EntityIDKey is
// ignored; use a new message to target a different entity.
func (m Message) With(key string, value any) Message {
	out := m.Clone()
	if key == EntityIDKey {
		return out
	}
	if out.Extra == nil {
		out.Extra = make(map[string]any, 1)
	}
	out.Extra[key] = value
	return out
}

// Field returns an extra field.
func (m Message) Field(key string) (any, bool) {
	v, ok := m.Extra[key]
	return v, ok
}

// Clone returns a copy whose Extra map is independent of m's.
func (m Message) Clone() Message {
	out := Message{EntityID: m.EntityID}
	if len(m.Extra) > 0 {
		out.Extra = maps.Clone(m.Extra)
	}
	return out
}

// MarshalJSON flattens Extra next to the entity id.
func (m Message) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(m.Extra)+1)
	for k, v := range m.Extra {
		flat[k] = v
	}
	flat[EntityIDKey] = m.EntityID
	return json.Marshal(flat)
}

// UnmarshalJSON decodes a flat payload. The entity id must be present and
// be an integer, and nothing may follow the object; anything else is
// ErrMalformedMessage.
func (m *Message) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var flat map[string]any
	if err := dec.Decode(&flat); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: trailing data after payload", ErrMalformedMessage)
	}
	if flat == nil {
		return fmt.Errorf("%w: payload is not an object", ErrMalformedMessage)
	}

	raw, ok := flat[EntityIDKey]
	if !ok {
		return fmt.Errorf("%w: missing %s", ErrMalformedMessage, EntityIDKey)
	}
	num, ok := raw.(json.Number)
	if !ok {
		return fmt.Errorf("%w: %s must be an integer, got %T", ErrMalformedMessage, EntityIDKey, raw)
	}
	id, err := strconv.ParseInt(num.String(), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %s must be an integer, got %s", ErrMalformedMessage, EntityIDKey, num)
	}
	delete(flat, EntityIDKey)

	m.EntityID = id
	m.Extra = nil
	if len(flat) > 0 {
		m.Extra = flat
	}
	return nil
}

// DecodeMessage parses a wire payload.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := m.UnmarshalJSON(data); err != nil {
		return Message{}, err
	}
	return m, nil
}

// EncodeMessage renders m in its wire format.
func EncodeMessage(m Message) ([]byte, error) {
	return m.MarshalJSON()
}

func (m Message) String() string {
	data, err := m.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Message{entityId=%d}", m.EntityID)
	}
	return string(data)
}
