package httpapi

import (
	"context"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sandchest/sandchest/internal/apierr"
	"github.com/sandchest/sandchest/internal/identity"
)

type contextKey int

const requestIDContextKey contextKey = iota

var requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// securityHeaders adds the fixed set of hardening headers to every
// response: HSTS, frame-deny, no-sniff, a conservative referrer policy,
// and a locked-down permissions policy.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
		next.ServeHTTP(w, r)
	})
}

// cors builds the origin-checked CORS middleware: production hostnames
// from AllowedOrigins plus any "http://localhost:<port>" origin are
// echoed back, credentials are always allowed, and X-Request-Id is
// exposed to the browser.
func (s *Server) cors() func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(s.AllowedOrigins))
	for _, o := range s.AllowedOrigins {
		allowed[o] = true
	}
	return cors.Handler(cors.Options{
		AllowOriginFunc: func(r *http.Request, origin string) bool {
			if allowed[origin] {
				return true
			}
			return localhostOriginPattern.MatchString(origin)
		},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "Idempotency-Key", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
		MaxAge:           600,
	})
}

var localhostOriginPattern = regexp.MustCompile(`^http://localhost:\d+$`)

// requestID propagates a syntactically valid incoming X-Request-Id or
// mints a fresh one, attaching it to the context and echoing it back.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if !requestIDPattern.MatchString(id) {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), requestIDContextKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDFrom(r *http.Request) string {
	id, _ := r.Context().Value(requestIDContextKey).(string)
	return id
}

// metricsMiddleware records request counts/durations once Metrics is
// wired; it is a no-op otherwise (e.g. in tests that don't set it).
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		route := chiRoutePattern(r)
		s.Metrics.RecordHTTPRequest(r.Method, route, strconv.Itoa(rw.status), time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// connDrain rejects new requests with 503 once BeginDrain has been called,
// per the graceful-shutdown contract of §5; requests already in flight are
// unaffected since this only gates admission of new ones.
func (s *Server) connDrain(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.draining.Load() {
			apierr.Write(w, requestIDFrom(r), apierr.New(apierr.KindNoCapacity, "server is shutting down"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit enforces a fixed-window request counter per (orgId, route-category) for
// authenticated callers, or per client IP for unauthenticated ones,
// backed by KV (§4.7). It always emits the X-RateLimit-* headers and
// returns 429 with Retry-After on exhaustion.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ac := identity.FromContext(r.Context())
		key := ac.OrgID
		if key == "" {
			key = clientIP(r)
		}
		category := rateLimitCategory(r)

		res, err := s.KV.CheckRateLimit(r.Context(), key, category, rateLimitForCategory(category), time.Minute)
		if err != nil {
			log.Warn().Err(err).Msg("rate limit check failed, admitting request")
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rateLimitForCategory(category)))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

		if !res.Allowed {
			retryAfter := int(time.Until(res.ResetAt).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			apierr.Write(w, requestIDFrom(r), apierr.New(apierr.KindRateLimited, "rate limit exceeded").WithRetryAfter(retryAfter))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func rateLimitCategory(r *http.Request) string {
	if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodDelete || r.Method == http.MethodPatch {
		return "mutate"
	}
	return "read"
}

func rateLimitForCategory(category string) int {
	if category == "mutate" {
		return 60
	}
	return 300
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	return r.RemoteAddr
}

// auth resolves an AuthContext from the session cookie or Authorization
// bearer header and attaches it to the request context; absent either,
// the request proceeds unauthenticated (callers that require auth fail
// later via identity.RequireScope or an explicit admin check).
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := identity.BearerToken(r)
		if token == "" {
			if c, err := r.Cookie("sandchest_session"); err == nil {
				token = c.Value
			}
		}
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}

		ac, err := s.Verifier.VerifyAPIKey(token)
		if err != nil {
			apierr.Write(w, requestIDFrom(r), err)
			return
		}
		ctx := identity.WithContext(r.Context(), ac)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAdmin gates the node-admin routes behind a static bearer token,
// distinct from per-org API keys, since node fleet management is an
// operator concern rather than a tenant one.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := identity.BearerToken(r)
		if token == "" || token != s.AdminToken {
			apierr.Write(w, requestIDFrom(r), apierr.New(apierr.KindForbidden, "admin token required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func chiRoutePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}
