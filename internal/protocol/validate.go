package protocol

import (
	"encoding/json"
	"fmt"
)

// validClientTypes is the set of allowed client→server message types.
var validClientTypes = map[string]bool{
	TypeSessionStart:       true,
	TypeSessionKill:        true,
	TypeSessionRestart:     true,
	TypeSessionInput:       true,
	TypeSessionSubscribe:   true,
	TypeSessionUnsubscribe: true,
}

// ValidateClientMessage validates a raw JSON message from a client.
// Returns the parsed Message and any validation error.
func ValidateClientMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}

	if !validClientTypes[msg.Type] {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}

	if msg.Payload == nil {
		return nil, fmt.Errorf("missing 'payload' field")
	}

	switch msg.Type {
	case TypeSessionStart, TypeSessionRestart:
		var p SessionStartPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.Key == "" {
			return nil, missingField(msg.Type, "key")
		}

	case TypeSessionInput:
		// An empty line is a bare Enter, so only a missing line is rejected.
		var p struct {
			Key  string  `json:"key"`
			Line *string `json:"line"`
		}
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.Key == "" {
			return nil, missingField(msg.Type, "key")
		}
		if p.Line == nil {
			return nil, missingField(msg.Type, "line")
		}

	case TypeSessionKill, TypeSessionSubscribe, TypeSessionUnsubscribe:
		var p SessionKeyPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.Key == "" {
			return nil, missingField(msg.Type, "key")
		}
	}

	return &msg, nil
}

func missingField(msgType, field string) error {
	return fmt.Errorf("missing required field '%s' in %s payload", field, msgType)
}

// NewErrorMessage creates an error message ready to send to the client.
func NewErrorMessage(code, message string) (*Message, error) {
	return NewMessage(TypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
}
