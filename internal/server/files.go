package server

import (
	"io"
	"net/http"
)

// 50 MB multipart memory ceiling; larger parts spill to disk.
const maxUploadMemory = 50 << 20

func (s *Server) handleFileUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		respondError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	ref, err := s.files.Register(r.Context(), header.Filename, data)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "file": ref})
}

func (s *Server) handleFileStatus(w http.ResponseWriter, r *http.Request) {
	ref, err := s.store.GetFileRecord(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, ref)
}
