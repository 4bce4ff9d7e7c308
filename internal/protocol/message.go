package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types.
const (
	TypeSessionUpdate     = "session.update"
	TypeSessionOutput     = "session.output"
	TypeSessionTerminated = "session.terminated"
	TypeError             = "error"
)

// Client → Server message types.
const (
	TypeSessionStart       = "session.start"
	TypeSessionKill        = "session.kill"
	TypeSessionRestart     = "session.restart"
	TypeSessionInput       = "session.input"
	TypeSessionSubscribe   = "session.subscribe"
	TypeSessionUnsubscribe = "session.unsubscribe"
)

// Error codes.
const (
	ErrSessionNotFound = "SESSION_NOT_FOUND"
	ErrSpawnFailed     = "SPAWN_FAILED"
	ErrAlreadyRunning  = "ALREADY_RUNNING"
	ErrNotRunning      = "NOT_RUNNING"
	ErrInvalidMessage  = "INVALID_MESSAGE"
	ErrInternal        = "INTERNAL"
)

// Server → Client payloads.

type SessionUpdatePayload struct {
	Key          string `json:"key"`
	SessionID    string `json:"sessionId,omitempty"`
	State        string `json:"state"`
	PID          int    `json:"pid,omitempty"`
	ExitCode     int    `json:"exitCode"`
	StartEnabled bool   `json:"startEnabled"`
	KillEnabled  bool   `json:"killEnabled"`
	Activate     bool   `json:"activate,omitempty"` // bring the console to the front
}

type SessionOutputPayload struct {
	Key       string `json:"key"`
	SessionID string `json:"sessionId"`
	Stream    string `json:"stream"` // "stdout" | "stderr"
	Seq       uint64 `json:"seq"`
	Data      string `json:"data"`
}

type SessionTerminatedPayload struct {
	Key       string `json:"key"`
	SessionID string `json:"sessionId"`
	ExitCode  int    `json:"exitCode"`
	Killed    bool   `json:"killed"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Client → Server payloads.

type SessionKeyPayload struct {
	Key string `json:"key"`
}

type SessionStartPayload struct {
	Key      string `json:"key"`
	Activate bool   `json:"activate"`
}

type SessionInputPayload struct {
	Key  string `json:"key"`
	Line string `json:"line"`
}
