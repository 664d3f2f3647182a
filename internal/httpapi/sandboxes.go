package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sandchest/sandchest/internal/apierr"
	"github.com/sandchest/sandchest/internal/identity"
	"github.com/sandchest/sandchest/internal/orchestrator"
	"github.com/sandchest/sandchest/internal/repo"
)

// createSandboxRequest is intentionally all-optional: §8's first worked
// scenario creates a sandbox from an empty `{}` body, defaulting image and
// profile from the catalog (internal/catalog). TTLSeconds is a pointer so
// an explicit `"ttl_seconds":0` is distinguishable from an absent field
// and still rejected by min=1.
type createSandboxRequest struct {
	Image      string            `json:"image"`
	Profile    string            `json:"profile"`
	Env        map[string]string `json:"env"`
	TTLSeconds *int              `json:"ttl_seconds" validate:"omitempty,min=1,max=604800"`
}

func (s *Server) handleCreateSandbox(w http.ResponseWriter, r *http.Request) {
	ac := identity.FromContext(r.Context())
	if err := identity.RequireScope(r.Context(), identity.ScopeSandboxCreate); err != nil {
		writeError(w, r, err)
		return
	}

	var req createSandboxRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	ttl := 0
	if req.TTLSeconds != nil {
		ttl = *req.TTLSeconds
	}
	sb, err := s.Orch.Create(r.Context(), ac.OrgID, ac.UserID, orchestrator.CreateRequest{
		Image: req.Image, Profile: req.Profile, Env: req.Env, TTLSeconds: ttl,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.audit(ac, "sandbox.create", sb.ID, "")
	writeJSON(w, http.StatusCreated, toSandboxView(sb))
}

func (s *Server) handleListSandboxes(w http.ResponseWriter, r *http.Request) {
	ac := identity.FromContext(r.Context())
	if err := identity.RequireScope(r.Context(), identity.ScopeSandboxRead); err != nil {
		writeError(w, r, err)
		return
	}

	f := repo.SandboxListFilter{
		Cursor: r.URL.Query().Get("cursor"),
		Limit:  queryInt(r, "limit", 0),
	}
	if status := r.URL.Query().Get("status"); status != "" {
		st := repo.SandboxStatus(status)
		f.Status = &st
	}
	if forkedFrom := r.URL.Query().Get("forked_from"); forkedFrom != "" {
		f.ForkedFrom = &forkedFrom
	}

	page, err := s.Store.Sandboxes.List(ac.OrgID, f)
	if err != nil {
		writeError(w, r, apierr.Wrap(apierr.KindInternal, "list sandboxes failed", err))
		return
	}
	writeJSON(w, http.StatusOK, toSandboxPageView(page))
}

func (s *Server) handleGetSandbox(w http.ResponseWriter, r *http.Request) {
	ac := identity.FromContext(r.Context())
	if err := identity.RequireScope(r.Context(), identity.ScopeSandboxRead); err != nil {
		writeError(w, r, err)
		return
	}

	sb, err := s.Store.Sandboxes.FindByID(chi.URLParam(r, "id"), ac.OrgID)
	if err != nil {
		writeError(w, r, apierr.Wrap(apierr.KindInternal, "find sandbox failed", err))
		return
	}
	if sb == nil {
		writeError(w, r, apierr.New(apierr.KindNotFound, "sandbox not found"))
		return
	}
	writeJSON(w, http.StatusOK, toSandboxView(sb))
}

func (s *Server) handleDeleteSandbox(w http.ResponseWriter, r *http.Request) {
	ac := identity.FromContext(r.Context())
	if err := identity.RequireScope(r.Context(), identity.ScopeSandboxWrite); err != nil {
		writeError(w, r, err)
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.Orch.Delete(r.Context(), ac.OrgID, id); err != nil {
		writeError(w, r, err)
		return
	}
	s.audit(ac, "sandbox.delete", id, "")

	sb, err := s.Store.Sandboxes.FindByID(id, ac.OrgID)
	if err != nil || sb == nil {
		writeJSON(w, http.StatusOK, map[string]string{"sandbox_id": id, "status": "deleted"})
		return
	}
	writeJSON(w, http.StatusOK, toSandboxView(sb))
}

type forkSandboxRequest struct {
	Env        map[string]string `json:"env"`
	TTLSeconds *int              `json:"ttl_seconds" validate:"omitempty,min=1,max=604800"`
}

func (s *Server) handleForkSandbox(w http.ResponseWriter, r *http.Request) {
	ac := identity.FromContext(r.Context())
	if err := identity.RequireScope(r.Context(), identity.ScopeSandboxCreate); err != nil {
		writeError(w, r, err)
		return
	}

	var req forkSandboxRequest
	if r.ContentLength != 0 {
		if err := decodeAndValidate(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
	}

	ttl := 0
	if req.TTLSeconds != nil {
		ttl = *req.TTLSeconds
	}
	sourceID := chi.URLParam(r, "id")
	sb, err := s.Orch.Fork(r.Context(), ac.OrgID, ac.UserID, sourceID, orchestrator.ForkRequest{Env: req.Env, TTLSeconds: ttl})
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.audit(ac, "sandbox.fork", sb.ID, sourceID)
	writeJSON(w, http.StatusCreated, toSandboxView(sb))
}

func (s *Server) handleListForks(w http.ResponseWriter, r *http.Request) {
	ac := identity.FromContext(r.Context())
	if err := identity.RequireScope(r.Context(), identity.ScopeSandboxRead); err != nil {
		writeError(w, r, err)
		return
	}

	id := chi.URLParam(r, "id")
	forkedFrom := id
	page, err := s.Store.Sandboxes.List(ac.OrgID, repo.SandboxListFilter{ForkedFrom: &forkedFrom, Limit: queryInt(r, "limit", 0), Cursor: r.URL.Query().Get("cursor")})
	if err != nil {
		writeError(w, r, apierr.Wrap(apierr.KindInternal, "list forks failed", err))
		return
	}
	writeJSON(w, http.StatusOK, toSandboxPageView(page))
}

func (s *Server) handleStopSandbox(w http.ResponseWriter, r *http.Request) {
	ac := identity.FromContext(r.Context())
	if err := identity.RequireScope(r.Context(), identity.ScopeSandboxWrite); err != nil {
		writeError(w, r, err)
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.Orch.Stop(r.Context(), ac.OrgID, id); err != nil {
		writeError(w, r, err)
		return
	}
	s.audit(ac, "sandbox.stop", id, "")

	sb, err := s.Store.Sandboxes.FindByID(id, ac.OrgID)
	if err != nil || sb == nil {
		writeJSON(w, http.StatusAccepted, map[string]string{"sandbox_id": id, "status": "stopping"})
		return
	}
	writeJSON(w, http.StatusAccepted, toSandboxView(sb))
}

// audit records a best-effort audit entry; a failure is logged by the
// repository layer's own wrapper and never propagated to the caller.
func (s *Server) audit(ac identity.AuthContext, action, targetID, detail string) {
	_ = s.Store.Audit.Record(ac.OrgID, ac.UserID, action, targetID, detail)
}
