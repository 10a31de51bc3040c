package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Encode serializes an envelope into a text frame.
func Encode(env Envelope) ([]byte, error) {
	if len(env.Payload) == 0 {
		env.Payload = json.RawMessage("null")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", env.Type, err)
	}
	return data, nil
}

// Decode parses a text frame. Anything that is not a JSON object with a
// numeric type fails with ErrMalformedMessage. Unknown type values decode
// fine; routing them is the dispatcher's concern.
func Decode(data []byte) (Envelope, error) {
	var raw struct {
		Type    *EventType      `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Envelope{}, ErrMalformedMessage
	}
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if raw.Type == nil {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}

	return Envelope{Type: *raw.Type, Payload: raw.Payload}, nil
}
