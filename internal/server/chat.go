package server

import (
	"net/http"
	"strings"
	"time"

	atlas "github.com/nevindra/atlas"
)

// handleChatStream runs one turn and streams its events. The response opens
// with the reconnect hint and a chat_id frame so clients learn the id of a
// freshly created chat before any content arrives.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req atlas.TurnRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" && req.ExistingMessageID == "" {
		respondError(w, http.StatusBadRequest, "message is required")
		return
	}
	if req.ChatID == "" {
		req.ChatID = atlas.NewID()
	}

	stream, ok := startSSE(w)
	if !ok {
		return
	}
	stream.send(map[string]any{"type": "chat_id", "content": req.ChatID})

	queue := s.bus.OpenChatQueue(req.ChatID)
	defer s.bus.CloseChatQueue(req.ChatID)

	if err := s.dispatcher.StartTurn(r.Context(), req); err != nil {
		s.logger.Warn("turn rejected", "chat_id", req.ChatID, "error", err)
		stream.send(atlas.Event{Type: atlas.EventError, ChatID: req.ChatID, Content: err.Error()})
		return
	}

	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()
	for {
		select {
		case ev, open := <-queue:
			if !open {
				return
			}
			stream.send(ev)
			if ev.Type.Terminal() {
				return
			}
		case <-ticker.C:
			stream.keepalive()
		case <-r.Context().Done():
			return
		}
	}
}

// handleChatSend is the blocking variant: it runs the turn to completion
// and returns the final text in one JSON response.
func (s *Server) handleChatSend(w http.ResponseWriter, r *http.Request) {
	var req atlas.TurnRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		respondError(w, http.StatusBadRequest, "message is required")
		return
	}
	if req.ChatID == "" {
		req.ChatID = atlas.NewID()
	}

	queue := s.bus.OpenChatQueue(req.ChatID)
	defer s.bus.CloseChatQueue(req.ChatID)

	if err := s.dispatcher.StartTurn(r.Context(), req); err != nil {
		respondError(w, http.StatusConflict, err.Error())
		return
	}

	var text, thoughts strings.Builder
	for {
		select {
		case ev, open := <-queue:
			if !open {
				respondError(w, http.StatusInternalServerError, "stream closed before completion")
				return
			}
			switch ev.Type {
			case atlas.EventAnswer:
				if chunk, ok := ev.Content.(string); ok {
					text.WriteString(chunk)
				}
			case atlas.EventThoughts:
				if chunk, ok := ev.Content.(string); ok {
					thoughts.WriteString(chunk)
				}
			case atlas.EventError:
				msg, _ := ev.Content.(string)
				respondError(w, http.StatusBadGateway, msg)
				return
			case atlas.EventComplete:
				respondJSON(w, http.StatusOK, map[string]any{
					"chat_id": req.ChatID,
					"response": map[string]string{
						"text":     text.String(),
						"thoughts": thoughts.String(),
					},
				})
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleChatStop(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("id")
	mode := atlas.StopGraceful
	var body struct {
		Mode string `json:"mode"`
	}
	// Body is optional; absence means a graceful stop.
	_ = decodeJSON(r, &body)
	if body.Mode == "cancel" {
		mode = atlas.StopCancel
	}
	ok := s.dispatcher.Stop(chatID, mode)
	respondJSON(w, http.StatusOK, map[string]any{"success": ok})
}

// handleStreamAll replays the backlog to a new subscriber and then follows
// the live broadcast.
func (s *Server) handleStreamAll(w http.ResponseWriter, r *http.Request) {
	s.streamBroadcast(w, r, func(atlas.Event) bool { return true })
}

// handleStateStream is the broadcast narrowed to chat_state events.
func (s *Server) handleStateStream(w http.ResponseWriter, r *http.Request) {
	s.streamBroadcast(w, r, func(ev atlas.Event) bool { return ev.Type == atlas.EventChatState })
}

func (s *Server) streamBroadcast(w http.ResponseWriter, r *http.Request, keep func(atlas.Event) bool) {
	stream, ok := startSSE(w)
	if !ok {
		return
	}
	stream.ping()

	sub := s.bus.Subscribe()
	defer s.bus.Unsubscribe(sub)

	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()
	for {
		select {
		case ev, open := <-sub.C:
			if !open {
				return
			}
			if keep(ev) {
				stream.send(ev)
			}
		case <-ticker.C:
			stream.keepalive()
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleToolDecision(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chat_id")
	var dec atlas.ToolDecision
	if err := decodeJSON(r, &dec); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if dec.Decision != "accept" && dec.Decision != "reject" {
		respondError(w, http.StatusBadRequest, "decision must be accept or reject")
		return
	}
	status, err := s.dispatcher.HandleToolDecision(chatID, dec)
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "status": status})
}

func (s *Server) handleWorkspaceSelected(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chat_id")
	var body struct {
		WorkspacePath string `json:"workspace_path"`
	}
	if err := decodeJSON(r, &body); err != nil || body.WorkspacePath == "" {
		respondError(w, http.StatusBadRequest, "workspace_path is required")
		return
	}
	if err := s.dispatcher.WorkspaceSelected(r.Context(), chatID, body.WorkspacePath); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chat_id")
	history, err := s.store.GetChatHistory(r.Context(), chatID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if history == nil {
		history = []atlas.Message{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"chat_id": chatID, "history": history})
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0)
	for _, name := range s.providers.Names() {
		if p := s.providers.Get(name); p != nil && p.Available() {
			names = append(names, name)
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"providers": names})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"models": s.providers.Models()})
}
