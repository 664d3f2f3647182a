package httpapi

import (
	"encoding/base64"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sandchest/sandchest/internal/apierr"
	"github.com/sandchest/sandchest/internal/identity"
	"github.com/sandchest/sandchest/internal/node"
)

type createSessionRequest struct {
	Shell string `json:"shell" validate:"required"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	ac := identity.FromContext(r.Context())
	if err := identity.RequireScope(r.Context(), identity.ScopeSessionAll); err != nil {
		writeError(w, r, err)
		return
	}

	var req createSessionRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	sess, err := s.Sessions.Create(r.Context(), ac.OrgID, chi.URLParam(r, "id"), req.Shell)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionView(sess))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	ac := identity.FromContext(r.Context())
	if err := identity.RequireScope(r.Context(), identity.ScopeSessionAll); err != nil {
		writeError(w, r, err)
		return
	}

	page, err := s.Sessions.List(ac.OrgID, chi.URLParam(r, "id"), r.URL.Query().Get("cursor"), queryInt(r, "limit", 0))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionPageView(page))
}

func (s *Server) handleDestroySession(w http.ResponseWriter, r *http.Request) {
	ac := identity.FromContext(r.Context())
	if err := identity.RequireScope(r.Context(), identity.ScopeSessionAll); err != nil {
		writeError(w, r, err)
		return
	}

	if err := s.Sessions.Destroy(r.Context(), ac.OrgID, chi.URLParam(r, "id"), chi.URLParam(r, "sid")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sessionExecRequest struct {
	Argv           []string          `json:"argv" validate:"required,min=1"`
	Cwd            string            `json:"cwd"`
	Env            map[string]string `json:"env"`
	TimeoutSeconds int               `json:"timeout_seconds" validate:"omitempty,min=1,max=86400"`
}

type sessionExecResponse struct {
	Stdout        string            `json:"stdout"`
	Stderr        string            `json:"stderr"`
	ExitCode      int               `json:"exit_code"`
	DurationMs    int64             `json:"duration_ms"`
	ResourceUsage resourceUsageView `json:"resource_usage"`
	TimedOut      bool              `json:"timed_out"`
}

func (s *Server) handleSessionExec(w http.ResponseWriter, r *http.Request) {
	ac := identity.FromContext(r.Context())
	if err := identity.RequireScope(r.Context(), identity.ScopeSessionAll); err != nil {
		writeError(w, r, err)
		return
	}

	var req sessionExecRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	result, err := s.Sessions.Exec(r.Context(), ac.OrgID, chi.URLParam(r, "id"), chi.URLParam(r, "sid"), node.ExecRequest{
		Argv: req.Argv, Cwd: req.Cwd, Env: req.Env, TimeoutSeconds: req.TimeoutSeconds,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionExecResponse{
		Stdout: string(result.Stdout), Stderr: string(result.Stderr), ExitCode: result.ExitCode,
		DurationMs: result.DurationMs,
		ResourceUsage: resourceUsageView{CPUMs: result.Usage.CPUMs, PeakMemoryBytes: result.Usage.PeakMemoryBytes},
		TimedOut: result.TimedOut,
	})
}

type sessionInputRequest struct {
	Data string `json:"data" validate:"required"` // base64-encoded bytes to write to the session's stdin
}

func (s *Server) handleSessionInput(w http.ResponseWriter, r *http.Request) {
	ac := identity.FromContext(r.Context())
	if err := identity.RequireScope(r.Context(), identity.ScopeSessionAll); err != nil {
		writeError(w, r, err)
		return
	}

	var req sessionInputRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		writeError(w, r, apierr.Wrap(apierr.KindValidation, "data must be base64-encoded", err))
		return
	}

	if err := s.Sessions.Input(r.Context(), ac.OrgID, chi.URLParam(r, "id"), chi.URLParam(r, "sid"), data); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
