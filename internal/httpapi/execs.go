package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/sandchest/sandchest/internal/apierr"
	"github.com/sandchest/sandchest/internal/execctl"
	"github.com/sandchest/sandchest/internal/identity"
	"github.com/sandchest/sandchest/internal/repo"
)

type createExecRequest struct {
	SessionID      *string           `json:"session_id"`
	Argv           []string          `json:"argv"`
	Cmd            string            `json:"cmd"`
	CmdFormat      string            `json:"cmd_format" validate:"omitempty,oneof=array shell"`
	Cwd            string            `json:"cwd"`
	Env            map[string]string `json:"env"`
	TimeoutSeconds int               `json:"timeout_seconds" validate:"omitempty,min=1,max=86400"`
	Wait           *bool             `json:"wait"`
}

func (s *Server) handleCreateExec(w http.ResponseWriter, r *http.Request) {
	ac := identity.FromContext(r.Context())
	if err := identity.RequireScope(r.Context(), identity.ScopeExecCreate); err != nil {
		writeError(w, r, err)
		return
	}

	var req createExecRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	cmdFormat := repo.CmdFormatArray
	if req.CmdFormat == string(repo.CmdFormatShell) || (req.CmdFormat == "" && req.Cmd != "" && len(req.Argv) == 0) {
		cmdFormat = repo.CmdFormatShell
	}

	wait := req.Wait == nil || *req.Wait

	sandboxID := chi.URLParam(r, "id")
	ex, err := s.Execs.Create(r.Context(), ac.OrgID, ac.UserID, sandboxID, execctl.CreateRequest{
		SessionID: req.SessionID, Argv: req.Argv, Cmd: req.Cmd, CmdFormat: cmdFormat,
		Cwd: req.Cwd, Env: req.Env, TimeoutSeconds: req.TimeoutSeconds, Async: !wait,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if !wait {
		status = http.StatusAccepted
	}
	writeJSON(w, status, toExecView(ex))
}

func (s *Server) handleListExecs(w http.ResponseWriter, r *http.Request) {
	ac := identity.FromContext(r.Context())
	if err := identity.RequireScope(r.Context(), identity.ScopeExecRead); err != nil {
		writeError(w, r, err)
		return
	}

	f := repo.ExecListFilter{Cursor: r.URL.Query().Get("cursor"), Limit: queryInt(r, "limit", 0)}
	if status := r.URL.Query().Get("status"); status != "" {
		st := repo.ExecStatus(status)
		f.Status = &st
	}
	if sid := r.URL.Query().Get("session_id"); sid != "" {
		f.SessionID = &sid
	}

	page, err := s.Execs.List(ac.OrgID, chi.URLParam(r, "id"), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toExecPageView(page))
}

func (s *Server) handleGetExec(w http.ResponseWriter, r *http.Request) {
	ac := identity.FromContext(r.Context())
	if err := identity.RequireScope(r.Context(), identity.ScopeExecRead); err != nil {
		writeError(w, r, err)
		return
	}

	ex, err := s.Execs.Get(ac.OrgID, chi.URLParam(r, "id"), chi.URLParam(r, "execId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toExecView(ex))
}

// handleExecStream serves the SSE replay stream of an exec's buffered
// output, honoring Last-Event-ID for resume per §4.9.
func (s *Server) handleExecStream(w http.ResponseWriter, r *http.Request) {
	ac := identity.FromContext(r.Context())
	if err := identity.RequireScope(r.Context(), identity.ScopeExecRead); err != nil {
		writeError(w, r, err)
		return
	}

	execID := chi.URLParam(r, "execId")
	if _, err := s.Execs.Get(ac.OrgID, chi.URLParam(r, "id"), execID); err != nil {
		writeError(w, r, err)
		return
	}

	var afterSeq int64
	if last := r.Header.Get("Last-Event-ID"); last != "" {
		if n, err := strconv.ParseInt(last, 10, 64); err == nil {
			afterSeq = n
		}
	} else if last := r.URL.Query().Get("last_event_id"); last != "" {
		if n, err := strconv.ParseInt(last, 10, 64); err == nil {
			afterSeq = n
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, apierr.New(apierr.KindInternal, "streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	events, err := s.Execs.StreamFrom(r.Context(), execID, afterSeq)
	if err != nil {
		return
	}
	for _, ev := range events {
		if _, err := w.Write(execctl.FormatSSE(ev)); err != nil {
			return
		}
	}
	flusher.Flush()
}
