package session

import (
	"context"
	"errors"
	"log/slog"
)

// Activator receives the presentation hint passed to StartIfNotStarted, for
// example to bring a console view to the front.
type Activator interface {
	Activate(sess *ProcessSession)
}

// ActivatorFunc adapts a function to the Activator interface.
type ActivatorFunc func(sess *ProcessSession)

func (f ActivatorFunc) Activate(sess *ProcessSession) { f(sess) }

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

func WithActivator(a Activator) ControllerOption {
	return func(c *Controller) {
		c.activator = a
	}
}

func WithControllerLogger(logger *slog.Logger) ControllerOption {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Controller is the command surface for one console key.
type Controller struct {
	key       string
	registry  *Registry
	factory   Factory
	activator Activator
	logger    *slog.Logger
}

// NewController creates a controller for key. Sessions are created through
// registry using factory.
func NewController(key string, registry *Registry, factory Factory, opts ...ControllerOption) *Controller {
	c := &Controller{
		key:      key,
		registry: registry,
		factory:  factory,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("key", key)
	return c
}

func (c *Controller) Key() string { return c.key }

// Current returns the key's current session, if any.
func (c *Controller) Current() (*ProcessSession, bool) {
	return c.registry.Get(c.key)
}

// StartIfNotStarted makes sure the key has a running process. A running
// session is left alone; a not yet started one is started; a finished one is
// replaced. Concurrent callers spawn one process between them.
func (c *Controller) StartIfNotStarted(activate bool) (*ProcessSession, error) {
	var sess *ProcessSession
	for attempt := 0; attempt < 2; attempt++ {
		s, _, err := c.registry.GetOrCreate(c.key, c.factory)
		if err != nil {
			return nil, err
		}
		sess = s

		err = sess.Start()
		if errors.Is(err, ErrSessionFinished) {
			// It finished between lookup and start; the next lookup replaces it.
			continue
		}
		if err != nil && !errors.Is(err, ErrAlreadyRunning) {
			return sess, err
		}
		break
	}

	if activate && c.activator != nil {
		c.activator.Activate(sess)
	}
	return sess, nil
}

// DestroyProcess kills the current process. It is a no-op when there is none.
func (c *Controller) DestroyProcess() error {
	sess, ok := c.Current()
	if !ok {
		return nil
	}
	return sess.Kill()
}

// IsAlive reports whether the key's process is running.
func (c *Controller) IsAlive() bool {
	return c.registry.IsAlive(c.key)
}

// Restart kills the running process, waits for it to exit, and starts a new one.
func (c *Controller) Restart(ctx context.Context, activate bool) (*ProcessSession, error) {
	if sess, ok := c.Current(); ok && sess.IsAlive() {
		c.logger.Info("restarting", "session", sess.ID())
		if err := sess.Kill(); err != nil {
			return nil, err
		}
		select {
		case <-sess.Exited():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return c.StartIfNotStarted(activate)
}

// Send forwards one line of input to the running process.
func (c *Controller) Send(line string) error {
	sess, ok := c.Current()
	if !ok {
		return ErrNotRunning
	}
	return sess.Send(line)
}

// Status describes the key for front ends. StartEnabled and KillEnabled are
// the enablement of the start and kill affordances.
type Status struct {
	Key          string `json:"key"`
	Alive        bool   `json:"alive"`
	StartEnabled bool   `json:"startEnabled"`
	KillEnabled  bool   `json:"killEnabled"`
	Session      *Info  `json:"session,omitempty"`
}

func (c *Controller) Status() Status {
	st := Status{Key: c.key}
	if sess, ok := c.Current(); ok {
		info := sess.Info()
		st.Session = &info
		st.Alive = info.State == StateRunning
	}
	st.StartEnabled = !st.Alive
	st.KillEnabled = st.Alive
	return st
}
