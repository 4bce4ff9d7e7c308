package session

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRunning is returned by Start when the process is already running.
	ErrAlreadyRunning = errors.New("session already running")

	// ErrSessionFinished is returned by Start on a finished session. Finished
	// sessions are not restartable; obtain a new one from the registry.
	ErrSessionFinished = errors.New("session finished")

	// ErrNotRunning is returned when an operation needs a running process.
	ErrNotRunning = errors.New("session not running")

	// ErrSinkOverflow is reported when a sink's mailbox is full and a chunk was
	// dropped for that sink.
	ErrSinkOverflow = errors.New("sink mailbox full")

	// ErrUnknownKey is returned when no controller or session exists for a key.
	ErrUnknownKey = errors.New("unknown session key")

	// ErrInstanceLocked is returned when another process holds the key's lock.
	ErrInstanceLocked = errors.New("instance lock held by another process")
)

// SpawnError reports that the external process could not be created.
type SpawnError struct {
	Key  string
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s for %q: %v", e.Path, e.Key, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// SinkError reports a failure of one sink while handling one chunk.
type SinkError struct {
	SessionID      string
	SubscriptionID string
	Seq            uint64
	Err            error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("sink %s (session %s, chunk %d): %v", e.SubscriptionID, e.SessionID, e.Seq, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }
