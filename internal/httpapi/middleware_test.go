package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/require"

	"github.com/sandchest/sandchest/internal/identity"
	"github.com/sandchest/sandchest/internal/kv/kvtest"
)

type apiKeyClaims struct {
	jwt.RegisteredClaims
	OrgID  string   `json:"org_id"`
	Scopes []string `json:"scopes"`
}

func signTestToken(t *testing.T, secret, userID, orgID string, scopes []string) string {
	t.Helper()
	claims := apiKeyClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: userID},
		OrgID:            orgID,
		Scopes:           scopes,
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return tok
}

func noopHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestSecurityHeaders(t *testing.T) {
	s := &Server{}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	s.securityHeaders(noopHandler()).ServeHTTP(rec, req)

	require.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	require.NotEmpty(t, rec.Header().Get("Strict-Transport-Security"))
}

func TestRequestID_MintsWhenMissing(t *testing.T) {
	s := &Server{}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	s.requestID(noopHandler()).ServeHTTP(rec, req)

	require.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestRequestID_PropagatesValidIncoming(t *testing.T) {
	s := &Server{}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", "req-abc-123")
	s.requestID(noopHandler()).ServeHTTP(rec, req)

	require.Equal(t, "req-abc-123", rec.Header().Get("X-Request-Id"))
}

func TestRequestID_RejectsMalformedIncoming(t *testing.T) {
	s := &Server{}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", "has a space")
	s.requestID(noopHandler()).ServeHTTP(rec, req)

	got := rec.Header().Get("X-Request-Id")
	require.NotEqual(t, "has a space", got)
	require.NotEmpty(t, got)
}

func TestConnDrain_RejectsAfterBeginDrain(t *testing.T) {
	s := &Server{}
	s.BeginDrain()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	s.connDrain(noopHandler()).ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestConnDrain_AllowsBeforeDrain(t *testing.T) {
	s := &Server{}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	s.connDrain(noopHandler()).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireAdmin_RejectsWrongToken(t *testing.T) {
	s := &Server{AdminToken: "supersecret"}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	s.requireAdmin(noopHandler()).ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRequireAdmin_RejectsMissingToken(t *testing.T) {
	s := &Server{AdminToken: "supersecret"}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	s.requireAdmin(noopHandler()).ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRequireAdmin_AllowsCorrectToken(t *testing.T) {
	s := &Server{AdminToken: "supersecret"}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer supersecret")
	s.requireAdmin(noopHandler()).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAuth_NoTokenProceedsUnauthenticated(t *testing.T) {
	s := &Server{Verifier: identity.NewVerifier("secret")}
	var gotAC identity.AuthContext
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAC = identity.FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	s.auth(next).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, gotAC.OrgID)
}

func TestAuth_ValidBearerAttachesContext(t *testing.T) {
	s := &Server{Verifier: identity.NewVerifier("secret")}
	token := signTestToken(t, "secret", "user_1", "org_1", nil)

	var gotAC identity.AuthContext
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAC = identity.FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	s.auth(next).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "org_1", gotAC.OrgID)
}

func TestAuth_InvalidBearerRejected(t *testing.T) {
	s := &Server{Verifier: identity.NewVerifier("secret")}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	s.auth(noopHandler()).ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuth_FallsBackToSessionCookie(t *testing.T) {
	s := &Server{Verifier: identity.NewVerifier("secret")}
	token := signTestToken(t, "secret", "user_1", "org_1", nil)

	var gotAC identity.AuthContext
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAC = identity.FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "sandchest_session", Value: token})
	s.auth(next).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "org_1", gotAC.OrgID)
}

func TestRateLimit_SetsHeadersAndAdmits(t *testing.T) {
	s := &Server{KV: kvtest.New()}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	s.rateLimit(noopHandler()).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-RateLimit-Limit"))
	require.NotEmpty(t, rec.Header().Get("X-RateLimit-Remaining"))
}

func TestRateLimit_ExhaustedReturns429(t *testing.T) {
	fakeKV := kvtest.New()
	s := &Server{KV: fakeKV}

	var last *httptest.ResponseRecorder
	for i := 0; i < 305; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		s.rateLimit(noopHandler()).ServeHTTP(rec, req)
		last = rec
	}
	require.Equal(t, http.StatusTooManyRequests, last.Code)
	require.NotEmpty(t, last.Header().Get("Retry-After"))
}

func TestRateLimitCategory_MutateVsRead(t *testing.T) {
	require.Equal(t, "mutate", rateLimitCategory(httptest.NewRequest(http.MethodPost, "/", nil)))
	require.Equal(t, "mutate", rateLimitCategory(httptest.NewRequest(http.MethodDelete, "/", nil)))
	require.Equal(t, "read", rateLimitCategory(httptest.NewRequest(http.MethodGet, "/", nil)))
}

func TestClientIP_PrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.5")
	require.Equal(t, "203.0.113.5", clientIP(req))
}

func TestClientIP_FallsBackToRemoteAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	require.Equal(t, "10.0.0.1:1234", clientIP(req))
}
