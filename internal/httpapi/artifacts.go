package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sandchest/sandchest/internal/identity"
)

type registerArtifactsRequest struct {
	Paths []string `json:"paths" validate:"required,min=1"`
}

func (s *Server) handleRegisterArtifacts(w http.ResponseWriter, r *http.Request) {
	ac := identity.FromContext(r.Context())
	if err := identity.RequireScope(r.Context(), identity.ScopeArtifactAll); err != nil {
		writeError(w, r, err)
		return
	}

	var req registerArtifactsRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	count, err := s.Artifacts.RegisterPaths(r.Context(), ac.OrgID, chi.URLParam(r, "id"), req.Paths)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"registered": count})
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	ac := identity.FromContext(r.Context())
	if err := identity.RequireScope(r.Context(), identity.ScopeArtifactAll); err != nil {
		writeError(w, r, err)
		return
	}

	page, err := s.Artifacts.List(ac.OrgID, chi.URLParam(r, "id"), r.URL.Query().Get("cursor"), queryInt(r, "limit", 0))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toArtifactPageView(page))
}

func (s *Server) handleArtifactSignedURL(w http.ResponseWriter, r *http.Request) {
	ac := identity.FromContext(r.Context())
	if err := identity.RequireScope(r.Context(), identity.ScopeArtifactAll); err != nil {
		writeError(w, r, err)
		return
	}

	url, err := s.Artifacts.SignedURL(ac.OrgID, chi.URLParam(r, "id"), chi.URLParam(r, "artifactId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}
