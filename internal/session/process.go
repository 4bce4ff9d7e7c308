package session

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"buildconsole/internal/metrics"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

const (
	defaultGracePeriod = 5 * time.Second
	defaultHistorySize = 1000
)

// Option configures a ProcessSession.
type Option func(*ProcessSession)

// WithGracePeriod bounds how long a finished process may keep its output
// pipes open (for example through a grandchild) before they are closed.
func WithGracePeriod(d time.Duration) Option {
	return func(s *ProcessSession) {
		if d > 0 {
			s.grace = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *ProcessSession) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *ProcessSession) {
		s.metrics = m
	}
}

// WithLockDir makes Start take an exclusive lock file in dir for the session
// key, so two hosts sharing dir never run the same console twice.
func WithLockDir(dir string) Option {
	return func(s *ProcessSession) {
		s.lockDir = dir
	}
}

// WithHistory keeps the last n chunks as scrollback, readable with History.
func WithHistory(n int) Option {
	return func(s *ProcessSession) {
		if n <= 0 {
			n = defaultHistorySize
		}
		s.history = NewRingBuffer(n)
	}
}

// WithRouterOptions passes options through to the session's OutputRouter.
func WithRouterOptions(opts ...RouterOption) Option {
	return func(s *ProcessSession) {
		s.routerOpts = append(s.routerOpts, opts...)
	}
}

// ProcessSession supervises one external process and its output.
//
// The state only moves forward: NotStarted, Running, Finished. A finished
// session cannot be started again. ProcessSession is safe for concurrent use.
type ProcessSession struct {
	id         string
	key        string
	command    Command
	createdAt  time.Time
	grace      time.Duration
	lockDir    string
	logger     *slog.Logger
	metrics    *metrics.Metrics
	router     *OutputRouter
	routerOpts []RouterOption
	history    *RingBuffer

	mu         sync.Mutex
	state      State
	cmd        *exec.Cmd
	stdin      *stdinWriter
	lock       *flock.Flock
	pid        int
	exitCode   int
	killed     bool
	startedAt  time.Time
	finishedAt time.Time
	hooks      []func(Info)

	finishOnce  sync.Once
	releaseOnce sync.Once
	done        chan struct{}
	exited      chan struct{}
}

// New creates a session for key. The process is not spawned until Start.
func New(key string, command Command, opts ...Option) *ProcessSession {
	s := &ProcessSession{
		id:        uuid.New().String(),
		key:       key,
		command:   command,
		createdAt: time.Now().UTC(),
		grace:     defaultGracePeriod,
		logger:    slog.Default(),
		exitCode:  -1,
		done:      make(chan struct{}),
		exited:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.logger = s.logger.With("key", key, "session", s.id)
	ropts := append([]RouterOption{
		WithRouterLogger(s.logger),
		WithRouterMetrics(s.metrics),
	}, s.routerOpts...)
	if s.history != nil {
		ropts = append(ropts, WithRouterHistory(s.history))
	}
	s.router = NewOutputRouter(s.id, key, ropts...)
	return s
}

func (s *ProcessSession) ID() string  { return s.id }
func (s *ProcessSession) Key() string { return s.key }

// Router returns the router carrying this session's output.
func (s *ProcessSession) Router() *OutputRouter { return s.router }

// Done is closed when the session becomes Finished.
func (s *ProcessSession) Done() <-chan struct{} { return s.done }

// Exited is closed once the OS process has been waited for. It is never
// closed for a session that was not started.
func (s *ProcessSession) Exited() <-chan struct{} { return s.exited }

func (s *ProcessSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsAlive reports whether the process is running.
func (s *ProcessSession) IsAlive() bool {
	return s.State() == StateRunning
}

func (s *ProcessSession) Finished() bool {
	return s.State() == StateFinished
}

// Info returns a snapshot of the session.
func (s *ProcessSession) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:         s.id,
		Key:        s.key,
		State:      s.state,
		Command:    s.command,
		PID:        s.pid,
		ExitCode:   s.exitCode,
		Killed:     s.killed,
		CreatedAt:  s.createdAt,
		StartedAt:  s.startedAt,
		FinishedAt: s.finishedAt,
	}
}

// History returns the retained scrollback, oldest first. It is empty unless
// the session was created WithHistory.
func (s *ProcessSession) History() []OutputChunk {
	if s.history == nil {
		return nil
	}
	return s.history.ReadAll()
}

// OnFinished registers fn to be called once when the session finishes. If it
// already has, fn is called immediately.
func (s *ProcessSession) OnFinished(fn func(Info)) {
	s.mu.Lock()
	if s.state != StateFinished {
		s.hooks = append(s.hooks, fn)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.callHook(fn, s.Info())
}

// Start spawns the process. It returns as soon as the process exists, not when
// it produces output.
func (s *ProcessSession) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateRunning:
		return ErrAlreadyRunning
	case StateFinished:
		return ErrSessionFinished
	}

	lock, err := s.acquireLock()
	if err != nil {
		return s.spawnFailed(err)
	}

	cmd := exec.Command(s.command.Path, s.command.Args...)
	cmd.Dir = s.command.Dir
	if len(s.command.Env) > 0 {
		cmd.Env = append(os.Environ(), s.command.Env...)
	}
	cmd.Stdout = &outputWriter{router: s.router, channel: ChannelStdout}
	cmd.Stderr = &outputWriter{router: s.router, channel: ChannelStderr}
	cmd.WaitDelay = s.grace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		unlock(lock)
		return s.spawnFailed(fmt.Errorf("create stdin pipe: %w", err))
	}

	if err := cmd.Start(); err != nil {
		unlock(lock)
		return s.spawnFailed(err)
	}

	s.cmd = cmd
	s.stdin = &stdinWriter{writer: stdin}
	s.lock = lock
	s.pid = cmd.Process.Pid
	s.startedAt = time.Now().UTC()
	s.state = StateRunning

	s.metrics.Started(s.key)
	s.logger.Info("process started", "pid", s.pid, "path", s.command.Path)

	go s.wait(cmd)
	return nil
}

// Kill forcibly terminates the process and marks the session Finished. It is
// a no-op on a session that is not running.
func (s *ProcessSession) Kill() error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return nil
	}
	proc := s.cmd.Process
	s.mu.Unlock()

	if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill pid %d: %w", proc.Pid, err)
	}

	s.finish(-1, true)
	return nil
}

// Send writes line, newline terminated, to the process's stdin.
func (s *ProcessSession) Send(line string) error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return ErrNotRunning
	}
	stdin := s.stdin
	s.mu.Unlock()

	return stdin.Write([]byte(line + "\n"))
}

// wait reaps the process and reports its termination.
func (s *ProcessSession) wait(cmd *exec.Cmd) {
	err := cmd.Wait()
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			s.logger.Debug("wait returned", "error", err)
		}
	}

	code := -1
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	}

	s.terminated(code)
	close(s.exited)
}

// terminated is the OS-side notification that the process ended. Only the
// first notification, or an earlier Kill, has any effect.
func (s *ProcessSession) terminated(exitCode int) {
	if !s.finish(exitCode, false) {
		s.logger.Debug("duplicate termination ignored", "exitCode", exitCode)
	}
}

// finish moves the session to Finished exactly once and reports whether this
// call did it.
func (s *ProcessSession) finish(exitCode int, killed bool) bool {
	fired := false
	s.finishOnce.Do(func() {
		s.mu.Lock()
		wasRunning := s.state == StateRunning
		s.state = StateFinished
		s.exitCode = exitCode
		s.killed = killed
		s.finishedAt = time.Now().UTC()
		hooks := s.hooks
		s.hooks = nil
		s.mu.Unlock()

		s.release()

		info := s.Info()
		s.router.Close(info)
		close(s.done)

		if wasRunning {
			s.metrics.Finished(s.key, killed)
		}
		s.logger.Info("process finished", "exitCode", exitCode, "killed", killed)

		for _, fn := range hooks {
			s.callHook(fn, info)
		}
		fired = true
	})
	return fired
}

// release frees stdin and the instance lock.
func (s *ProcessSession) release() {
	s.releaseOnce.Do(func() {
		s.mu.Lock()
		stdin, lock := s.stdin, s.lock
		s.lock = nil
		s.mu.Unlock()

		if stdin != nil {
			stdin.Close()
		}
		unlock(lock)
	})
}

func (s *ProcessSession) callHook(fn func(Info), info Info) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("finish hook panicked", "panic", rec)
		}
	}()
	fn(info)
}

func (s *ProcessSession) spawnFailed(err error) error {
	s.metrics.SpawnFailed(s.key)
	s.logger.Error("spawn failed", "path", s.command.Path, "error", err)
	return &SpawnError{Key: s.key, Path: s.command.Path, Err: err}
}

func (s *ProcessSession) acquireLock() (*flock.Flock, error) {
	if s.lockDir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(s.lockDir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	fl := flock.New(filepath.Join(s.lockDir, lockFileName(s.key)))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", fl.Path(), err)
	}
	if !ok {
		return nil, ErrInstanceLocked
	}
	return fl, nil
}

func unlock(fl *flock.Flock) {
	if fl != nil {
		_ = fl.Unlock()
	}
}

// lockFileName maps a key to a safe file name.
func lockFileName(key string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, key)
	return name + ".lock"
}

// outputWriter receives the fragments exec copies from one pipe. It never
// fails, so a closed router cannot stall the copy.
type outputWriter struct {
	router  *OutputRouter
	channel Channel
}

func (w *outputWriter) Write(p []byte) (int, error) {
	w.router.Publish(w.channel, p)
	return len(p), nil
}

// stdinWriter wraps a pipe writer with mutex protection.
type stdinWriter struct {
	mu     sync.Mutex
	writer io.WriteCloser
	closed bool
}

func (sw *stdinWriter) Write(data []byte) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.closed {
		return fmt.Errorf("stdin pipe closed: %w", ErrNotRunning)
	}
	if _, err := sw.writer.Write(data); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	return nil
}

func (sw *stdinWriter) Close() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if !sw.closed {
		sw.writer.Close()
		sw.closed = true
	}
}
