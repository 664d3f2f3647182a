package httpapi

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sandchest/sandchest/internal/apierr"
	"github.com/sandchest/sandchest/internal/identity"
)

// handleFiles dispatches the single /files route to put/get/list/delete by
// method and query flag, matching the canonical route set of §4.1
// ("PUT/GET/LIST/DELETE with ?path= and ?list=true|?batch=true").
func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	ac := identity.FromContext(r.Context())
	if err := identity.RequireScope(r.Context(), identity.ScopeFileAll); err != nil {
		writeError(w, r, err)
		return
	}

	sandboxID := chi.URLParam(r, "id")
	path := r.URL.Query().Get("path")

	switch r.Method {
	case http.MethodPut:
		s.putFile(w, r, ac.OrgID, sandboxID, path)
	case http.MethodGet:
		if queryBool(r, "list") {
			s.listFiles(w, r, ac.OrgID, sandboxID, path)
			return
		}
		s.getFile(w, r, ac.OrgID, sandboxID, path)
	case http.MethodDelete:
		s.deleteFile(w, r, ac.OrgID, sandboxID, path)
	default:
		writeError(w, r, apierr.New(apierr.KindValidation, "unsupported method for /files"))
	}
}

func (s *Server) putFile(w http.ResponseWriter, r *http.Request, orgID, sandboxID, path string) {
	if path == "" {
		writeError(w, r, apierr.New(apierr.KindValidation, "path is required"))
		return
	}
	batch := queryBool(r, "batch")

	written, err := s.Files.Put(r.Context(), orgID, sandboxID, path, batch, r.ContentLength, r.Body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": path, "bytes_written": written, "batch": batch})
}

func (s *Server) getFile(w http.ResponseWriter, r *http.Request, orgID, sandboxID, path string) {
	if path == "" {
		writeError(w, r, apierr.New(apierr.KindValidation, "path is required"))
		return
	}

	rc, err := s.Files.Get(r.Context(), orgID, sandboxID, path)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	io.Copy(w, rc)
}

func (s *Server) listFiles(w http.ResponseWriter, r *http.Request, orgID, sandboxID, path string) {
	limit := queryInt(r, "limit", 0)
	entries, cursor, err := s.Files.List(r.Context(), orgID, sandboxID, path, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": entries, "next_cursor": cursor})
}

func (s *Server) deleteFile(w http.ResponseWriter, r *http.Request, orgID, sandboxID, path string) {
	if path == "" {
		writeError(w, r, apierr.New(apierr.KindValidation, "path is required"))
		return
	}
	if err := s.Files.Delete(r.Context(), orgID, sandboxID, path); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
