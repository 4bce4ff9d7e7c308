package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// WriterSink copies chunk data verbatim to one writer per channel. It is what
// attaches a terminal to a session.
type WriterSink struct {
	mu     sync.Mutex
	stdout io.Writer
	stderr io.Writer
	done   chan Info
}

// NewWriterSink writes stdout chunks to stdout and stderr chunks to stderr.
// A nil stderr falls back to stdout.
func NewWriterSink(stdout, stderr io.Writer) *WriterSink {
	if stderr == nil {
		stderr = stdout
	}
	return &WriterSink{
		stdout: stdout,
		stderr: stderr,
		done:   make(chan Info, 1),
	}
}

func (w *WriterSink) Accept(chunk OutputChunk) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := w.stdout
	if chunk.Channel == ChannelStderr {
		out = w.stderr
	}
	if _, err := io.WriteString(out, chunk.Data); err != nil {
		return fmt.Errorf("write %s: %w", chunk.Channel, err)
	}
	return nil
}

func (w *WriterSink) SessionFinished(info Info) {
	select {
	case w.done <- info:
	default:
	}
}

// Finished receives the final session info once all output was written.
func (w *WriterSink) Finished() <-chan Info {
	return w.done
}

// LogSink records every chunk as a structured log entry at the given level.
type LogSink struct {
	logger *slog.Logger
	level  slog.Level
}

func NewLogSink(logger *slog.Logger, level slog.Level) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger, level: level}
}

func (l *LogSink) Accept(chunk OutputChunk) error {
	ctx := context.Background()
	if !l.logger.Enabled(ctx, l.level) {
		return nil
	}
	l.logger.Log(ctx, l.level, "output",
		"key", chunk.Key,
		"session", chunk.SessionID,
		"channel", string(chunk.Channel),
		"seq", chunk.Seq,
		"data", strings.TrimRight(chunk.Data, "\r\n"))
	return nil
}

func (l *LogSink) SessionFinished(info Info) {
	l.logger.Log(context.Background(), l.level, "output ended",
		"key", info.Key,
		"session", info.ID,
		"exitCode", info.ExitCode,
		"killed", info.Killed)
}
