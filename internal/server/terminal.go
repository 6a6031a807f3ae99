package server

import (
	"errors"
	"net/http"
	"time"

	atlas "github.com/nevindra/atlas"
)

func terminalStatus(err error) int {
	var nf *atlas.ErrNotFound
	if errors.As(err, &nf) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func (s *Server) handleTerminalCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ChatID string `json:"chat_id"`
	}
	if err := decodeJSON(r, &body); err != nil || body.ChatID == "" {
		respondError(w, http.StatusBadRequest, "chat_id is required")
		return
	}
	id, err := s.terminals.Create(r.Context(), body.ChatID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "session_id": id})
}

func (s *Server) handleTerminalSend(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID string `json:"session_id"`
		Data      string `json:"data"`
	}
	if err := decodeJSON(r, &body); err != nil || body.SessionID == "" {
		respondError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	if err := s.terminals.Send(body.SessionID, []byte(body.Data)); err != nil {
		respondError(w, terminalStatus(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleTerminalStream streams a shell session's output: scrollback first,
// then live chunks, then a complete frame when the session ends.
func (s *Server) handleTerminalStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	backlog, ch, unsub, err := s.terminals.Subscribe(sessionID)
	if err != nil {
		respondError(w, terminalStatus(err), err.Error())
		return
	}
	defer unsub()

	stream, ok := startSSE(w)
	if !ok {
		return
	}
	if len(backlog) > 0 {
		stream.send(map[string]any{"type": "output", "content": string(backlog)})
	}

	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()
	for {
		select {
		case chunk, open := <-ch:
			if !open {
				stream.send(map[string]any{"type": "complete"})
				return
			}
			stream.send(map[string]any{"type": "output", "content": string(chunk)})
		case <-ticker.C:
			stream.keepalive()
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleTerminalOutput(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	out, err := s.terminals.Output(sessionID)
	if err != nil {
		respondError(w, terminalStatus(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "output": string(out)})
}

func (s *Server) handleTerminalKill(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID string `json:"session_id"`
	}
	if err := decodeJSON(r, &body); err != nil || body.SessionID == "" {
		respondError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	if err := s.terminals.Kill(body.SessionID); err != nil {
		respondError(w, terminalStatus(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleTerminalResize(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID string `json:"session_id"`
		Cols      int    `json:"cols"`
		Rows      int    `json:"rows"`
	}
	if err := decodeJSON(r, &body); err != nil || body.SessionID == "" {
		respondError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	if err := s.terminals.Resize(body.SessionID, body.Cols, body.Rows); err != nil {
		respondError(w, terminalStatus(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleTerminalList(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"sessions": s.terminals.List()})
}
