package session

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

func shCommand(script string) Command {
	return Command{Path: "/bin/sh", Args: []string{"-c", script}}
}

func sleepCommand() Command {
	return Command{Path: "/bin/sh", Args: []string{"-c", "sleep 30"}}
}

// recordingSink keeps everything it is given.
type recordingSink struct {
	mu       sync.Mutex
	chunks   []OutputChunk
	finishes []Info
}

func (r *recordingSink) Accept(chunk OutputChunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, chunk)
	return nil
}

func (r *recordingSink) SessionFinished(info Info) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finishes = append(r.finishes, info)
}

func (r *recordingSink) Chunks() []OutputChunk {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]OutputChunk, len(r.chunks))
	copy(out, r.chunks)
	return out
}

func (r *recordingSink) Finishes() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Info, len(r.finishes))
	copy(out, r.finishes)
	return out
}

// Text concatenates the data received on one channel.
func (r *recordingSink) Text(ch Channel) string {
	var b strings.Builder
	for _, c := range r.Chunks() {
		if c.Channel == ch {
			b.WriteString(c.Data)
		}
	}
	return b.String()
}

func waitDone(t *testing.T, s *ProcessSession) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(waitTimeout):
		t.Fatalf("session %s did not finish", s.Key())
	}
}

func waitExited(t *testing.T, s *ProcessSession) {
	t.Helper()
	select {
	case <-s.Exited():
	case <-time.After(waitTimeout):
		t.Fatalf("process for %s was not reaped", s.Key())
	}
}

// killOnCleanup makes sure a test never leaks a child process.
func killOnCleanup(t *testing.T, s *ProcessSession) {
	t.Cleanup(func() {
		_ = s.Kill()
	})
}

func requireEventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, waitTimeout, 10*time.Millisecond, msg)
}
