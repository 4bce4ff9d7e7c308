package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"buildconsole/internal/metrics"

	"github.com/google/uuid"
)

const defaultMailboxSize = 1024

// ErrorHandler receives sink failures caught by the router. It is called from
// delivery goroutines and must not call back into the router.
type ErrorHandler func(err *SinkError)

// RouterOption configures an OutputRouter.
type RouterOption func(*OutputRouter)

// WithMailboxSize sets how many undelivered chunks each subscription may queue
// before further chunks are dropped for it.
func WithMailboxSize(n int) RouterOption {
	return func(r *OutputRouter) {
		if n > 0 {
			r.mailboxSize = n
		}
	}
}

// WithErrorHandler sets a callback for sink failures, in addition to logging.
func WithErrorHandler(fn ErrorHandler) RouterOption {
	return func(r *OutputRouter) {
		r.onError = fn
	}
}

// WithRouterLogger sets the logger used to report sink failures.
func WithRouterLogger(logger *slog.Logger) RouterOption {
	return func(r *OutputRouter) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRouterHistory records every published chunk into rb as part of Publish,
// so the history is never behind the sequence counter.
func WithRouterHistory(rb *RingBuffer) RouterOption {
	return func(r *OutputRouter) {
		r.history = rb
	}
}

// WithRouterMetrics records published chunks and sink failures.
func WithRouterMetrics(m *metrics.Metrics) RouterOption {
	return func(r *OutputRouter) {
		r.metrics = m
	}
}

// OutputRouter fans a session's output out to subscribed sinks.
//
// Every subscription has its own FIFO mailbox drained by its own goroutine, so
// each sink sees chunks in arrival order and a slow or failing sink never holds
// up the others or the process pipes. There is no replay: a subscription only
// sees chunks published after it was made. SubscribeWithHistory hands the
// retained history to the caller instead.
type OutputRouter struct {
	sessionID   string
	key         string
	mailboxSize int
	logger      *slog.Logger
	metrics     *metrics.Metrics
	onError     ErrorHandler
	history     *RingBuffer

	// mu guards subs, seq, closed, final and writes to history. Publish holds
	// it while enqueuing so the arrival order is the same for every sink.
	mu     sync.Mutex
	subs   map[string]*mailbox
	seq    uint64
	closed bool
	final  Info

	wg sync.WaitGroup
}

type mailbox struct {
	id    string
	sink  Sink
	queue chan OutputChunk
	final *Info // set before queue is closed by Close
}

// NewOutputRouter creates a router for one session's output.
func NewOutputRouter(sessionID, key string, opts ...RouterOption) *OutputRouter {
	r := &OutputRouter{
		sessionID:   sessionID,
		key:         key,
		mailboxSize: defaultMailboxSize,
		logger:      slog.Default(),
		subs:        make(map[string]*mailbox),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe registers a sink and returns the subscription ID used to remove it.
// Subscribing to a closed router immediately notifies a FinishListener sink.
func (r *OutputRouter) Subscribe(sink Sink) string {
	id, _ := r.subscribe(sink, false)
	return id
}

// SubscribeWithHistory is Subscribe that also returns the retained history,
// taken in the same critical section: every chunk is either in the returned
// history or queued for sink, never both and never neither. Chunks evicted
// from a full history are the exception.
func (r *OutputRouter) SubscribeWithHistory(sink Sink) (string, []OutputChunk) {
	return r.subscribe(sink, true)
}

func (r *OutputRouter) subscribe(sink Sink, withHistory bool) (string, []OutputChunk) {
	mb := &mailbox{
		id:    uuid.New().String(),
		sink:  sink,
		queue: make(chan OutputChunk, r.mailboxSize),
	}

	r.mu.Lock()
	var history []OutputChunk
	if withHistory && r.history != nil {
		history = r.history.ReadAll()
	}
	if r.closed {
		final := r.final
		mb.final = &final
		close(mb.queue)
	} else {
		r.subs[mb.id] = mb
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go r.drain(mb)
	return mb.id, history
}

// Unsubscribe removes a subscription. Chunks already queued for it are still
// delivered. Returns false if the ID is unknown.
func (r *OutputRouter) Unsubscribe(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	mb, ok := r.subs[id]
	if !ok {
		return false
	}
	delete(r.subs, id)
	close(mb.queue)
	return true
}

// Subscribers returns the number of active subscriptions.
func (r *OutputRouter) Subscribers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Publish assigns the next sequence number to data and queues it for every
// current subscription. It never blocks on a sink. Returns false once the
// router is closed.
func (r *OutputRouter) Publish(channel Channel, data []byte) (OutputChunk, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return OutputChunk{}, false
	}

	r.seq++
	chunk := OutputChunk{
		SessionID: r.sessionID,
		Key:       r.key,
		Channel:   channel,
		Seq:       r.seq,
		Data:      string(data),
		Timestamp: time.Now().UTC(),
	}
	if r.history != nil {
		r.history.Accept(chunk)
	}

	for _, mb := range r.subs {
		select {
		case mb.queue <- chunk:
		default:
			r.report(&SinkError{
				SessionID:      r.sessionID,
				SubscriptionID: mb.id,
				Seq:            chunk.Seq,
				Err:            ErrSinkOverflow,
			})
		}
	}

	r.metrics.ChunkPublished(string(channel))
	return chunk, true
}

// Close stops accepting output. Each subscription drains its queue and then,
// if its sink is a FinishListener, is told the session finished. Close is
// idempotent; only the first call has effect.
func (r *OutputRouter) Close(info Info) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}
	r.closed = true
	r.final = info

	for id, mb := range r.subs {
		final := info
		mb.final = &final
		close(mb.queue)
		delete(r.subs, id)
	}
	return true
}

// Closed reports whether Close has been called.
func (r *OutputRouter) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Wait blocks until every closed or unsubscribed mailbox has drained.
func (r *OutputRouter) Wait() {
	r.wg.Wait()
}

func (r *OutputRouter) drain(mb *mailbox) {
	defer r.wg.Done()

	for chunk := range mb.queue {
		r.deliver(mb, chunk)
	}

	if mb.final == nil {
		return
	}
	if fl, ok := mb.sink.(FinishListener); ok {
		r.notifyFinished(mb, fl, *mb.final)
	}
}

func (r *OutputRouter) deliver(mb *mailbox, chunk OutputChunk) {
	defer func() {
		if rec := recover(); rec != nil {
			r.report(&SinkError{
				SessionID:      r.sessionID,
				SubscriptionID: mb.id,
				Seq:            chunk.Seq,
				Err:            fmt.Errorf("panic: %v", rec),
			})
		}
	}()

	if err := mb.sink.Accept(chunk); err != nil {
		r.report(&SinkError{
			SessionID:      r.sessionID,
			SubscriptionID: mb.id,
			Seq:            chunk.Seq,
			Err:            err,
		})
	}
}

func (r *OutputRouter) notifyFinished(mb *mailbox, fl FinishListener, info Info) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("finish listener panicked",
				"session", r.sessionID, "subscription", mb.id, "panic", rec)
		}
	}()
	fl.SessionFinished(info)
}

func (r *OutputRouter) report(err *SinkError) {
	r.metrics.SinkFailed()
	r.logger.Warn("sink failed",
		"session", err.SessionID,
		"key", r.key,
		"subscription", err.SubscriptionID,
		"seq", err.Seq,
		"error", err.Err)
	if r.onError != nil {
		r.onError(err)
	}
}
