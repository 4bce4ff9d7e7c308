package session

import (
	"fmt"
	"time"
)

// State represents the lifecycle state of a process session.
type State int32

const (
	StateNotStarted State = iota
	StateRunning
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// MarshalText renders the state in its wire form.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "not_started":
		*s = StateNotStarted
	case "running":
		*s = StateRunning
	case "finished":
		*s = StateFinished
	default:
		return fmt.Errorf("unknown session state %q", text)
	}
	return nil
}

// Command describes the external process a session supervises.
type Command struct {
	Path string   `json:"path"`
	Args []string `json:"args,omitempty"`
	Dir  string   `json:"dir,omitempty"`
	Env  []string `json:"-"`
}

// Info is a point-in-time snapshot of a session.
type Info struct {
	ID         string    `json:"id"`
	Key        string    `json:"key"`
	State      State     `json:"state"`
	Command    Command   `json:"command"`
	PID        int       `json:"pid"`
	ExitCode   int       `json:"exitCode"`
	Killed     bool      `json:"killed"`
	Pinned     bool      `json:"pinned"`
	CreatedAt  time.Time `json:"createdAt"`
	StartedAt  time.Time `json:"startedAt,omitzero"`
	FinishedAt time.Time `json:"finishedAt,omitzero"`
}

// Channel names the stream a chunk of output arrived on.
type Channel string

const (
	ChannelStdout Channel = "stdout"
	ChannelStderr Channel = "stderr"
)

// OutputChunk is one fragment of process output, as read from the pipe.
// Seq is the arrival order within the session, shared by both channels.
type OutputChunk struct {
	SessionID string    `json:"sessionId"`
	Key       string    `json:"key"`
	Channel   Channel   `json:"channel"`
	Seq       uint64    `json:"seq"`
	Data      string    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink consumes output chunks from a session.
type Sink interface {
	Accept(chunk OutputChunk) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(chunk OutputChunk) error

func (f SinkFunc) Accept(chunk OutputChunk) error { return f(chunk) }

// FinishListener is implemented by sinks that want to know when a session's
// output has ended. It is called once, after every queued chunk was delivered.
type FinishListener interface {
	SessionFinished(info Info)
}
