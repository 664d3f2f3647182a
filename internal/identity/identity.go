// Package identity resolves caller identity for each authenticated
// request and enforces per-route scope capabilities. The identity/auth
// provider itself (user/org/session management, API-key issuance) is an
// external collaborator; this package only verifies what the provider
// signed.
package identity

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"github.com/sandchest/sandchest/internal/apierr"
)

// Scope is a capability token carried by an API key.
type Scope string

const (
	ScopeSandboxCreate Scope = "sandbox:create"
	ScopeSandboxRead   Scope = "sandbox:read"
	ScopeSandboxWrite  Scope = "sandbox:write"
	ScopeExecCreate    Scope = "exec:create"
	ScopeExecRead      Scope = "exec:read"
	ScopeSessionAll    Scope = "session:*"
	ScopeFileAll       Scope = "file:*"
	ScopeArtifactAll   Scope = "artifact:*"
	ScopeAdminAll      Scope = "admin:*"
)

// AuthContext carries the resolved caller identity through request
// handling. Scopes is nil for session-based callers (full access implied)
// and non-nil for API-key callers.
type AuthContext struct {
	UserID string
	OrgID  string
	Scopes map[Scope]bool
}

// Allows reports whether token is permitted: a nil scope set means full
// access; otherwise the exact token or its wildcard family (e.g.
// "session:*" covers "session:input") must be present.
func (a AuthContext) Allows(token Scope) bool {
	if a.Scopes == nil {
		return true
	}
	if a.Scopes[token] {
		return true
	}
	if idx := strings.IndexByte(string(token), ':'); idx >= 0 {
		wildcard := Scope(token[:idx] + ":*")
		if a.Scopes[wildcard] {
			return true
		}
	}
	return a.Scopes[Scope("admin:*")]
}

type contextKey int

const authContextKey contextKey = iota

// WithContext attaches ac to ctx.
func WithContext(ctx context.Context, ac AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey, ac)
}

// FromContext retrieves the AuthContext attached by the auth middleware.
func FromContext(ctx context.Context) AuthContext {
	ac, _ := ctx.Value(authContextKey).(AuthContext)
	return ac
}

// RequireScope fails with authentication_error when no AuthContext is
// attached to ctx, and with forbidden when the context's scope set is
// non-null and does not contain token.
func RequireScope(ctx context.Context, token Scope) error {
	ac, ok := ctx.Value(authContextKey).(AuthContext)
	if !ok {
		return apierr.New(apierr.KindAuthentication, "authentication required")
	}
	if !ac.Allows(token) {
		return apierr.New(apierr.KindForbidden, fmt.Sprintf("missing required scope %q", token))
	}
	return nil
}

// apiKeyClaims is the JWT payload the external auth provider signs when it
// issues an API key.
type apiKeyClaims struct {
	jwt.RegisteredClaims
	OrgID  string   `json:"org_id"`
	Scopes []string `json:"scopes"`
}

// Verifier validates Bearer API-key tokens signed by the external auth
// provider using the shared HMAC secret it was configured with.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// VerifyAPIKey parses and validates token, returning the resolved
// AuthContext. A nil Scopes slice in the token means full access, matching
// session-based auth; otherwise each claimed scope string is admitted
// verbatim (closed-set validation of scope tokens happens at the route
// level via RequireScope).
func (v *Verifier) VerifyAPIKey(token string) (AuthContext, error) {
	claims := &apiKeyClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return AuthContext{}, apierr.Wrap(apierr.KindAuthentication, "invalid api key", err)
	}

	ac := AuthContext{UserID: claims.Subject, OrgID: claims.OrgID}
	if claims.Scopes != nil {
		ac.Scopes = make(map[Scope]bool, len(claims.Scopes))
		for _, s := range claims.Scopes {
			ac.Scopes[Scope(s)] = true
		}
	}
	return ac, nil
}

// BearerToken extracts the token from an "Authorization: Bearer <token>"
// header, returning "" if absent or malformed.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimPrefix(h, prefix)
}
