package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/sandchest/sandchest/internal/apierr"
	"github.com/sandchest/sandchest/internal/identity"
	"github.com/sandchest/sandchest/internal/replay"
)

func (s *Server) handleGetReplay(w http.ResponseWriter, r *http.Request) {
	ac := identity.FromContext(r.Context())
	if err := identity.RequireScope(r.Context(), identity.ScopeSandboxRead); err != nil {
		writeError(w, r, err)
		return
	}

	orgID := ac.OrgID
	bundle, access, err := s.Replay.GetBundle(r.Context(), &orgID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeReplayBundle(w, bundle, access)
}

func (s *Server) handlePublicReplay(w http.ResponseWriter, r *http.Request) {
	bundle, access, err := s.Replay.GetBundle(r.Context(), nil, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeReplayBundle(w, bundle, access)
}

func writeReplayBundle(w http.ResponseWriter, bundle *replay.Bundle, access replay.AccessKind) {
	if access == replay.AccessPublic {
		w.Header().Set("X-Replay-Access", "public")
	} else {
		w.Header().Set("X-Replay-Access", "private")
	}
	writeJSON(w, http.StatusOK, bundle)
}

func (s *Server) handleReplayStream(w http.ResponseWriter, r *http.Request) {
	ac := identity.FromContext(r.Context())
	if err := identity.RequireScope(r.Context(), identity.ScopeSandboxRead); err != nil {
		writeError(w, r, err)
		return
	}
	orgID := ac.OrgID
	if _, _, err := s.Replay.GetBundle(r.Context(), &orgID, chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	s.streamReplayEvents(w, r, chi.URLParam(r, "id"))
}

func (s *Server) handlePublicReplayStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, _, err := s.Replay.GetBundle(r.Context(), nil, id); err != nil {
		writeError(w, r, err)
		return
	}
	s.streamReplayEvents(w, r, id)
}

// streamReplayEvents serves the buffered replay event log as SSE, honoring
// Last-Event-ID for resume — the same framing §4.9's exec stream uses, per
// §4.13.
func (s *Server) streamReplayEvents(w http.ResponseWriter, r *http.Request, sandboxID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, apierr.New(apierr.KindInternal, "streaming unsupported"))
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

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	events, err := s.Replay.StreamFrom(r.Context(), sandboxID, afterSeq)
	if err != nil {
		return
	}
	for _, ev := range events {
		if _, err := w.Write(replay.FormatSSE(ev)); err != nil {
			return
		}
	}
	flusher.Flush()
}
