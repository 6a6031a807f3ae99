package server

import (
	"net/http"

	atlas "github.com/nevindra/atlas"
)

// handleVersioningNotify applies an edit/retry/delete operation to the
// transcript and tells the client whether a regeneration stream is needed.
func (s *Server) handleVersioningNotify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OperationType string `json:"operation_type"`
		MessageID     string `json:"message_id"`
		ChatID        string `json:"chat_id"`
		NewContent    string `json:"new_content,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	op := atlas.VersionOp(req.OperationType)
	switch op {
	case atlas.OpEdit, atlas.OpRetry, atlas.OpDelete:
	default:
		respondError(w, http.StatusBadRequest, "operation_type must be edit, retry, or delete")
		return
	}
	if req.MessageID == "" || req.ChatID == "" {
		respondError(w, http.StatusBadRequest, "message_id and chat_id are required")
		return
	}

	res, err := s.versioner.ApplyOperation(r.Context(), req.ChatID, req.MessageID, op, req.NewContent)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	belongsTo, err := s.versioner.FindMainChat(r.Context(), req.ChatID)
	if err != nil {
		belongsTo = req.ChatID
	}

	attached := res.AttachedFileIDs
	if attached == nil {
		attached = []string{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success":           true,
		"version_chat_id":   res.VersionChatID,
		"belongsto":         belongsTo,
		"needs_streaming":   res.NeedsStreaming,
		"stream_message":    res.StreamMessage,
		"attached_file_ids": attached,
		"target_message_id": res.TargetMessageID,
	})
}

func (s *Server) handleChatVersions(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("id")
	tree, err := s.versioner.GetVersionTree(r.Context(), chatID)
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, tree)
}

func (s *Server) handleMessageVersions(w http.ResponseWriter, r *http.Request) {
	messageID := r.PathValue("id")
	versions, err := s.versioner.GetMessageVersions(r.Context(), messageID)
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	if versions == nil {
		versions = []atlas.MessageVersion{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"message_id": messageID, "versions": versions})
}
