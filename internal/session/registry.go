package session

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"buildconsole/internal/metrics"
)

// Factory constructs a session for key. It must not start it.
type Factory func(key string) (*ProcessSession, error)

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithRegistryMetrics(m *metrics.Metrics) RegistryOption {
	return func(r *Registry) {
		r.metrics = m
	}
}

// Registry maps keys to sessions and holds at most one non-finished session
// per key. Finished sessions stay until reaped, and pinned ones stay until
// they are unpinned.
type Registry struct {
	mu       sync.Mutex
	entries  map[string]*entry // key → current session
	retained map[string]*entry // session ID → replaced but still pinned
	logger   *slog.Logger
	metrics  *metrics.Metrics

	listenersMu sync.RWMutex
	onCreated   []func(*ProcessSession)
	onFinished  []func(Info)
}

type entry struct {
	session *ProcessSession
	pins    int
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		entries:  make(map[string]*entry),
		retained: make(map[string]*entry),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetOrCreate returns the non-finished session for key, or creates one with
// factory. Lookup and creation happen under one lock, so concurrent callers
// for the same key always get the same session.
func (r *Registry) GetOrCreate(key string, factory Factory) (*ProcessSession, bool, error) {
	sess, created, reaped, err := r.lookupOrCreate(key, factory)
	r.metrics.Reaped(reaped)
	if err != nil {
		return nil, false, fmt.Errorf("create session %q: %w", key, err)
	}
	if !created {
		return sess, false, nil
	}

	r.logger.Debug("session created", "key", key, "session", sess.ID())

	sess.OnFinished(r.sessionFinished)
	r.notifyCreated(sess)
	return sess, true, nil
}

func (r *Registry) lookupOrCreate(key string, factory Factory) (*ProcessSession, bool, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reaped := r.reapLocked()
	if e, ok := r.entries[key]; ok && !e.session.Finished() {
		return e.session, false, reaped, nil
	}

	sess, err := callFactory(key, factory)
	if err != nil {
		return nil, false, reaped, err
	}
	if sess == nil || sess.Key() != key {
		return nil, false, reaped, errors.New("factory returned a session for another key")
	}

	if old, ok := r.entries[key]; ok && old.pins > 0 {
		r.retained[old.session.ID()] = old
	}
	r.entries[key] = &entry{session: sess}
	return sess, true, reaped, nil
}

// callFactory runs factory, turning a panic into an error.
func callFactory(key string, factory Factory) (sess *ProcessSession, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			sess, err = nil, fmt.Errorf("factory panicked: %v", rec)
		}
	}()
	return factory(key)
}

// Get returns the current session for key, finished or not.
func (r *Registry) Get(key string) (*ProcessSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// IsAlive reports whether key has a running session. Unknown keys are not alive.
func (r *Registry) IsAlive(key string) bool {
	sess, ok := r.Get(key)
	return ok && sess.IsAlive()
}

// Reap removes finished sessions that are not pinned and returns how many
// were removed. It is cheap and meant to be called opportunistically.
func (r *Registry) Reap() int {
	r.mu.Lock()
	n := r.reapLocked()
	r.mu.Unlock()

	r.metrics.Reaped(n)
	if n > 0 {
		r.logger.Debug("reaped finished sessions", "count", n)
	}
	return n
}

func (r *Registry) reapLocked() int {
	n := 0
	for key, e := range r.entries {
		if e.pins == 0 && e.session.Finished() {
			delete(r.entries, key)
			n++
		}
	}
	for id, e := range r.retained {
		if e.pins == 0 {
			delete(r.retained, id)
			n++
		}
	}
	return n
}

// Pin keeps the session with the given ID from being reaped. Pins nest.
func (r *Registry) Pin(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.findLocked(id)
	if e == nil {
		return false
	}
	e.pins++
	return true
}

// Unpin releases one pin. The session becomes reapable once every pin is gone.
func (r *Registry) Unpin(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.findLocked(id)
	if e == nil || e.pins == 0 {
		return false
	}
	e.pins--
	return true
}

func (r *Registry) findLocked(id string) *entry {
	if e, ok := r.retained[id]; ok {
		return e
	}
	for _, e := range r.entries {
		if e.session.ID() == id {
			return e
		}
	}
	return nil
}

// List returns a snapshot of every tracked session ordered by key and age.
func (r *Registry) List() []Info {
	r.mu.Lock()
	all := make([]*entry, 0, len(r.entries)+len(r.retained))
	pins := make(map[*entry]int, cap(all))
	for _, e := range r.entries {
		all = append(all, e)
		pins[e] = e.pins
	}
	for _, e := range r.retained {
		all = append(all, e)
		pins[e] = e.pins
	}
	r.mu.Unlock()

	result := make([]Info, 0, len(all))
	for _, e := range all {
		info := e.session.Info()
		info.Pinned = pins[e] > 0
		result = append(result, info)
	}
	slices.SortFunc(result, func(a, b Info) int {
		if c := cmp.Compare(a.Key, b.Key); c != 0 {
			return c
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return result
}

// OnCreated registers fn to be called with every session the registry creates.
func (r *Registry) OnCreated(fn func(*ProcessSession)) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.onCreated = append(r.onCreated, fn)
}

// OnFinished registers fn to be called once for every session that finishes.
func (r *Registry) OnFinished(fn func(Info)) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.onFinished = append(r.onFinished, fn)
}

func (r *Registry) notifyCreated(sess *ProcessSession) {
	r.listenersMu.RLock()
	listeners := slices.Clone(r.onCreated)
	r.listenersMu.RUnlock()

	for _, fn := range listeners {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("created listener panicked", "key", sess.Key(), "panic", rec)
				}
			}()
			fn(sess)
		}()
	}
}

func (r *Registry) sessionFinished(info Info) {
	r.logger.Debug("session finished", "key", info.Key, "session", info.ID, "exitCode", info.ExitCode)

	r.listenersMu.RLock()
	listeners := slices.Clone(r.onFinished)
	r.listenersMu.RUnlock()

	for _, fn := range listeners {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("finished listener panicked", "key", info.Key, "panic", rec)
				}
			}()
			fn(info)
		}()
	}
}

// Shutdown kills every live session and waits for the processes to exit or
// for ctx to end.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	var live []*ProcessSession
	for _, e := range r.entries {
		if e.session.IsAlive() {
			live = append(live, e.session)
		}
	}
	r.mu.Unlock()

	var errs []error
	for _, sess := range live {
		if err := sess.Kill(); err != nil {
			errs = append(errs, fmt.Errorf("kill %q: %w", sess.Key(), err))
		}
	}

	for _, sess := range live {
		select {
		case <-sess.Exited():
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
			return errors.Join(errs...)
		}
	}
	return errors.Join(errs...)
}
