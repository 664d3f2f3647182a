package identity

import (
	"net/http"

	"github.com/sandchest/sandchest/internal/apierr"
)

// SessionResolver validates a session cookie value and resolves it to full
// tenant identity. Session auth always implies full scopes (Scopes=nil).
// Grounded on the teacher's auth.ValidateToken contract; the identity
// provider backing it is an external collaborator.
type SessionResolver interface {
	ResolveSessionCookie(cookieValue string) (userID, orgID string, ok bool)
}

const sessionCookieName = "sandchest_session"

// Middleware resolves caller identity from a session cookie or a
// `Authorization: Bearer <apiKey>` header and attaches it to the request
// context. Unauthenticated requests (health checks, public replay, node
// callbacks) must use a route group that does not apply this middleware.
func Middleware(verifier *Verifier, sessions SessionResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token := BearerToken(r); token != "" {
				ac, err := verifier.VerifyAPIKey(token)
				if err != nil {
					apierr.Write(w, requestIDFromHeader(r), err)
					return
				}
				next.ServeHTTP(w, r.WithContext(WithContext(r.Context(), ac)))
				return
			}

			cookie, err := r.Cookie(sessionCookieName)
			if err == nil && sessions != nil {
				if userID, orgID, ok := sessions.ResolveSessionCookie(cookie.Value); ok {
					ac := AuthContext{UserID: userID, OrgID: orgID}
					next.ServeHTTP(w, r.WithContext(WithContext(r.Context(), ac)))
					return
				}
			}

			apierr.Write(w, requestIDFromHeader(r), apierr.New(apierr.KindAuthentication, "authentication required"))
		})
	}
}

func requestIDFromHeader(r *http.Request) string {
	return r.Header.Get("X-Request-Id")
}
