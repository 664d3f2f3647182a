package httpapi

import "net/http"

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports readiness by checking the KV connection; the
// database is implicitly checked since Store.Open pings at startup and
// every handler would already be failing loudly if it went away.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ok, err := s.KV.Ping(r.Context())
	if err != nil || !ok {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
