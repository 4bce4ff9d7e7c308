package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"buildconsole/internal/metrics"
	"buildconsole/internal/protocol"
	"buildconsole/internal/session"

	"github.com/gorilla/websocket"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second

	sendBufferSize        = 256
	defaultRestartTimeout = 15 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow localhost origins for dev.
	},
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics exposes m on GET /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithRestartTimeout bounds how long a restart waits for the old process to exit.
func WithRestartTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.restartTimeout = d
		}
	}
}

// Server manages WebSocket connections and routes messages between clients
// and the console controllers.
type Server struct {
	registry       *session.Registry
	controllers    map[string]*session.Controller
	keys           []string
	logger         *slog.Logger
	metrics        *metrics.Metrics
	restartTimeout time.Duration

	clients   map[*client]bool
	clientsMu sync.RWMutex
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server

	mu     sync.Mutex
	closed bool
	// subs maps a console key to the subscription on its current session.
	// A nil value means the client follows the key but no session exists yet.
	subs map[string]*subscription
}

type subscription struct {
	sessionID string
	subID     string
	router    *session.OutputRouter
}

// New creates a realtime server with one controller per key in consoles.
// Sessions are created through registry, and every session the registry
// creates is offered to the clients following its key.
func New(registry *session.Registry, consoles map[string]session.Factory, opts ...Option) *Server {
	s := &Server{
		registry:       registry,
		controllers:    make(map[string]*session.Controller, len(consoles)),
		logger:         slog.Default(),
		restartTimeout: defaultRestartTimeout,
		clients:        make(map[*client]bool),
	}
	for _, opt := range opts {
		opt(s)
	}

	for key, factory := range consoles {
		s.controllers[key] = session.NewController(key, registry, factory,
			session.WithActivator(s),
			session.WithControllerLogger(s.logger))
		s.keys = append(s.keys, key)
	}
	slices.Sort(s.keys)

	registry.OnCreated(s.sessionCreated)
	registry.OnFinished(s.sessionFinished)
	return s
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint.
	mux.HandleFunc("/ws", s.handleWebSocket)

	// REST API endpoints.
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{key}", s.handleGetSession)
	mux.HandleFunc("POST /sessions/{key}/start", s.handleStart)
	mux.HandleFunc("POST /sessions/{key}/restart", s.handleRestart)
	mux.HandleFunc("POST /sessions/{key}/input", s.handleInput)
	mux.HandleFunc("DELETE /sessions/{key}", s.handleKill)
	mux.HandleFunc("GET /sessions/{key}/history", s.handleHistory)
	mux.HandleFunc("POST /sessions/{key}/pin", s.handlePin)
	mux.HandleFunc("DELETE /sessions/{key}/pin", s.handleUnpin)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Keys returns the configured console keys in order.
func (s *Server) Keys() []string {
	return slices.Clone(s.keys)
}

// Controller returns the controller for key.
func (s *Server) Controller(key string) (*session.Controller, error) {
	c, ok := s.controllers[key]
	if !ok {
		return nil, fmt.Errorf("console %q: %w", key, session.ErrUnknownKey)
	}
	return c, nil
}

// Start makes sure key has a running process and tells every client.
func (s *Server) Start(key string, activate bool) (session.Status, error) {
	c, err := s.Controller(key)
	if err != nil {
		return session.Status{}, err
	}
	if _, err := c.StartIfNotStarted(activate); err != nil {
		return c.Status(), err
	}
	st := c.Status()
	if !activate {
		// Activate has already broadcast this status with the hint set.
		s.broadcastStatus(st, false)
	}
	return st, nil
}

// Restart replaces key's process with a fresh one.
func (s *Server) Restart(ctx context.Context, key string, activate bool) (session.Status, error) {
	c, err := s.Controller(key)
	if err != nil {
		return session.Status{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.restartTimeout)
	defer cancel()

	if _, err := c.Restart(ctx, activate); err != nil {
		return c.Status(), err
	}
	st := c.Status()
	if !activate {
		// Activate has already broadcast this status with the hint set.
		s.broadcastStatus(st, false)
	}
	return st, nil
}

// Kill destroys key's process. Killing a console that is not running is a no-op.
func (s *Server) Kill(key string) (session.Status, error) {
	c, err := s.Controller(key)
	if err != nil {
		return session.Status{}, err
	}
	if err := c.DestroyProcess(); err != nil {
		return c.Status(), err
	}
	return c.Status(), nil
}

// Send forwards a line of input to key's process.
func (s *Server) Send(key, line string) error {
	c, err := s.Controller(key)
	if err != nil {
		return err
	}
	return c.Send(line)
}

// Activate implements session.Activator by asking clients to bring the
// console forward.
func (s *Server) Activate(sess *session.ProcessSession) {
	c, ok := s.controllers[sess.Key()]
	if !ok {
		return
	}
	s.broadcastStatus(c.Status(), true)
}

// CloseClients disconnects every WebSocket client. Hijacked connections are
// not closed by http.Server.Shutdown.
func (s *Server) CloseClients() {
	s.clientsMu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()

	for _, c := range clients {
		c.conn.Close()
	}
}

// handleWebSocket upgrades an HTTP connection to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		server: s,
		subs:   make(map[string]*subscription),
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	// Send current console state to the new client.
	for _, key := range s.keys {
		c.sendMessage(protocol.TypeSessionUpdate, updatePayload(s.controllers[key].Status(), false))
	}

	go c.writePump()
	go c.readPump()
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Warn("websocket read failed", "error", err)
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue queues data for the write pump. It reports false if the client is
// gone or its buffer is full.
func (c *client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) sendMessage(msgType string, payload interface{}) bool {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return false
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	return c.enqueue(data)
}

func (c *client) sendError(code, message string) {
	c.sendMessage(protocol.TypeError, protocol.ErrorPayload{Code: code, Message: message})
}

// removeClient cleans up a disconnected client.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()

	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	// Unsubscribe from all console outputs.
	for _, sub := range subs {
		if sub != nil && sub.subID != "" {
			sub.router.Unsubscribe(sub.subID)
		}
	}
}

// handleMessage processes a validated client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		c.sendError(protocol.ErrInvalidMessage, err.Error())
		return
	}

	switch msg.Type {
	case protocol.TypeSessionStart:
		var payload protocol.SessionStartPayload
		json.Unmarshal(msg.Payload, &payload)
		if _, err := s.Start(payload.Key, payload.Activate); err != nil {
			c.sendError(errorCode(err), err.Error())
		}

	case protocol.TypeSessionRestart:
		var payload protocol.SessionStartPayload
		json.Unmarshal(msg.Payload, &payload)
		if _, err := s.Restart(context.Background(), payload.Key, payload.Activate); err != nil {
			c.sendError(errorCode(err), err.Error())
		}

	case protocol.TypeSessionKill:
		var payload protocol.SessionKeyPayload
		json.Unmarshal(msg.Payload, &payload)
		if _, err := s.Kill(payload.Key); err != nil {
			c.sendError(errorCode(err), err.Error())
		}

	case protocol.TypeSessionInput:
		var payload protocol.SessionInputPayload
		json.Unmarshal(msg.Payload, &payload)
		if err := s.Send(payload.Key, payload.Line); err != nil {
			c.sendError(errorCode(err), err.Error())
		}

	case protocol.TypeSessionSubscribe:
		var payload protocol.SessionKeyPayload
		json.Unmarshal(msg.Payload, &payload)
		s.subscribe(c, payload.Key)

	case protocol.TypeSessionUnsubscribe:
		var payload protocol.SessionKeyPayload
		json.Unmarshal(msg.Payload, &payload)
		c.unfollow(payload.Key)
	}
}

// subscribe makes c follow key: it receives the retained history of the
// current session, its live output, and the output of every later session
// for the key.
func (s *Server) subscribe(c *client, key string) {
	ctrl, err := s.Controller(key)
	if err != nil {
		c.sendError(protocol.ErrSessionNotFound, err.Error())
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if _, following := c.subs[key]; following {
		c.mu.Unlock()
		return // Already subscribed.
	}
	c.subs[key] = nil
	c.mu.Unlock()

	if sess, ok := ctrl.Current(); ok {
		c.attach(sess)
	}
}

// unfollow stops c following key.
func (c *client) unfollow(key string) {
	c.mu.Lock()
	sub, ok := c.subs[key]
	delete(c.subs, key)
	c.mu.Unlock()

	if ok && sub != nil && sub.subID != "" {
		sub.router.Unsubscribe(sub.subID)
	}
}

// attach subscribes c to sess's output if c follows its key. Retained history
// is sent first; live chunks already covered by it are skipped.
func (c *client) attach(sess *session.ProcessSession) {
	key := sess.Key()
	if current, ok := c.server.registry.Get(key); !ok || current != sess {
		return // Superseded.
	}

	c.mu.Lock()
	cur, following := c.subs[key]
	if c.closed || !following || (cur != nil && cur.sessionID == sess.ID()) {
		c.mu.Unlock()
		return
	}
	// The previous session, if any, is finished and drains on its own.
	sub := &subscription{sessionID: sess.ID(), router: sess.Router()}
	c.subs[key] = sub
	c.mu.Unlock()

	sink := &clientSink{client: c}
	// History goes out before any live chunk: Accept waits for sink.mu.
	sink.mu.Lock()
	subID, history := sess.Router().SubscribeWithHistory(sink)
	for _, chunk := range history {
		c.sendMessage(protocol.TypeSessionOutput, outputPayload(chunk))
	}
	sink.mu.Unlock()

	c.mu.Lock()
	if c.closed || c.subs[key] != sub {
		c.mu.Unlock()
		sess.Router().Unsubscribe(subID)
		return
	}
	sub.subID = subID
	c.mu.Unlock()
}

// clientSink forwards a session's output to one client.
type clientSink struct {
	client *client
	mu     sync.Mutex
}

var errClientBacklog = errors.New("client send buffer full")

func (cs *clientSink) Accept(chunk session.OutputChunk) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !cs.client.sendMessage(protocol.TypeSessionOutput, outputPayload(chunk)) {
		return errClientBacklog
	}
	return nil
}

func (cs *clientSink) SessionFinished(info session.Info) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.client.sendMessage(protocol.TypeSessionTerminated, protocol.SessionTerminatedPayload{
		Key:       info.Key,
		SessionID: info.ID,
		ExitCode:  info.ExitCode,
		Killed:    info.Killed,
	})
}

// sessionCreated moves the clients following a key onto its new session.
// It runs before the session is started, so no output is missed.
func (s *Server) sessionCreated(sess *session.ProcessSession) {
	for _, c := range s.clientList() {
		c.attach(sess)
	}
}

func (s *Server) sessionFinished(info session.Info) {
	c, ok := s.controllers[info.Key]
	if !ok {
		return
	}
	s.broadcastStatus(c.Status(), false)
}

func (s *Server) clientList() []*client {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	return clients
}

// broadcastStatus sends a console's status to all connected clients.
func (s *Server) broadcastStatus(st session.Status, activate bool) {
	msg, err := protocol.NewMessage(protocol.TypeSessionUpdate, updatePayload(st, activate))
	if err != nil {
		return
	}
	s.broadcast(msg)
}

// broadcast sends a message to all connected clients.
func (s *Server) broadcast(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	for _, c := range s.clientList() {
		// Client buffer full, skip.
		c.enqueue(data)
	}
}

func updatePayload(st session.Status, activate bool) protocol.SessionUpdatePayload {
	p := protocol.SessionUpdatePayload{
		Key:          st.Key,
		State:        session.StateNotStarted.String(),
		ExitCode:     -1,
		StartEnabled: st.StartEnabled,
		KillEnabled:  st.KillEnabled,
		Activate:     activate,
	}
	if st.Session != nil {
		p.SessionID = st.Session.ID
		p.State = st.Session.State.String()
		p.PID = st.Session.PID
		p.ExitCode = st.Session.ExitCode
	}
	return p
}

func outputPayload(chunk session.OutputChunk) protocol.SessionOutputPayload {
	return protocol.SessionOutputPayload{
		Key:       chunk.Key,
		SessionID: chunk.SessionID,
		Stream:    string(chunk.Channel),
		Seq:       chunk.Seq,
		Data:      chunk.Data,
	}
}

// errorCode maps a session error to its wire code.
func errorCode(err error) string {
	var spawnErr *session.SpawnError
	switch {
	case errors.As(err, &spawnErr):
		return protocol.ErrSpawnFailed
	case errors.Is(err, session.ErrUnknownKey):
		return protocol.ErrSessionNotFound
	case errors.Is(err, session.ErrAlreadyRunning):
		return protocol.ErrAlreadyRunning
	case errors.Is(err, session.ErrNotRunning), errors.Is(err, session.ErrSessionFinished):
		return protocol.ErrNotRunning
	default:
		return protocol.ErrInternal
	}
}
