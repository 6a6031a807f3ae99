package server

import (
	"net/http"

	atlas "github.com/nevindra/atlas"
)

func (s *Server) handleWebStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	profile, snap := s.webProfile, s.webSnap
	s.mu.Unlock()
	resp := map[string]any{"running": snap != nil}
	if snap != nil {
		resp["profile"] = profile
		resp["snapshot"] = snap
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWebSetup(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Profile string `json:"profile"`
		ChatID  string `json:"chat_id,omitempty"`
	}
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	snap, err := s.web.EnsureSession(r.Context(), body.Profile, body.ChatID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.mu.Lock()
	s.webProfile = body.Profile
	s.webSnap = &snap
	s.mu.Unlock()
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "snapshot": snap})
}

func (s *Server) handleWebProfiles(w http.ResponseWriter, r *http.Request) {
	profiles := s.webProfiles
	if profiles == nil {
		profiles = []string{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"profiles": profiles})
}

func (s *Server) handleWebCommand(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID string           `json:"session_id"`
		Command   atlas.WebCommand `json:"command"`
	}
	if err := decodeJSON(r, &body); err != nil || body.SessionID == "" {
		respondError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	snap, err := s.web.DispatchCommand(r.Context(), body.SessionID, body.Command)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.mu.Lock()
	s.webSnap = &snap
	s.mu.Unlock()
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "snapshot": snap})
}

func (s *Server) handleWebFrame(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	frame, err := s.web.CaptureFrame(r.Context(), sessionID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	_, _ = w.Write(frame)
}
