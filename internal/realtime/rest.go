package realtime

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"buildconsole/internal/protocol"
	"buildconsole/internal/session"
)

type startRequest struct {
	Activate bool `json:"activate"`
}

type inputRequest struct {
	Line *string `json:"line"`
}

type listResponse struct {
	Consoles []session.Status `json:"consoles"`
	Sessions []session.Info   `json:"sessions"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	resp := listResponse{
		Consoles: make([]session.Status, 0, len(s.keys)),
		Sessions: s.registry.List(),
	}
	for _, key := range s.keys {
		resp.Consoles = append(resp.Consoles, s.controllers[key].Status())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	ctrl, err := s.Controller(r.PathValue("key"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ctrl.Status())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	// The body is optional.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeErrorMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}

	st, err := s.Start(r.PathValue("key"), req.Activate)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeErrorMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}

	st, err := s.Restart(r.Context(), r.PathValue("key"), req.Activate)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	var req inputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Line == nil {
		writeErrorMessage(w, http.StatusBadRequest, "line is required")
		return
	}

	if err := s.Send(r.PathValue("key"), *req.Line); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	st, err := s.Kill(r.PathValue("key"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	ctrl, err := s.Controller(r.PathValue("key"))
	if err != nil {
		writeError(w, err)
		return
	}

	history := []session.OutputChunk{}
	if sess, ok := ctrl.Current(); ok {
		history = append(history, sess.History()...)
	}
	writeJSON(w, http.StatusOK, history)
}

// handlePin keeps the key's current session listed after it finishes and is
// replaced, until it is unpinned.
func (s *Server) handlePin(w http.ResponseWriter, r *http.Request) {
	s.pin(w, r, s.registry.Pin)
}

func (s *Server) handleUnpin(w http.ResponseWriter, r *http.Request) {
	s.pin(w, r, s.registry.Unpin)
}

func (s *Server) pin(w http.ResponseWriter, r *http.Request, op func(id string) bool) {
	ctrl, err := s.Controller(r.PathValue("key"))
	if err != nil {
		writeError(w, err)
		return
	}

	sess, ok := ctrl.Current()
	if !ok || !op(sess.ID()) {
		writeErrorMessage(w, http.StatusNotFound, "no session for console")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session": sess.ID()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErrorMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeError writes err with the status and wire code matching its kind.
func writeError(w http.ResponseWriter, err error) {
	code := errorCode(err)
	status := http.StatusInternalServerError
	switch code {
	case protocol.ErrSessionNotFound:
		status = http.StatusNotFound
	case protocol.ErrAlreadyRunning, protocol.ErrNotRunning:
		status = http.StatusConflict
	case protocol.ErrSpawnFailed:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "code": code})
}
