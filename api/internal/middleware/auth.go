package middleware

import (
	"net/http"
	"strings"

	"project-pulse/shared/authx"
	"project-pulse/shared/httpx"
)

// AuthMiddleware verifies bearer tokens on the routes Protect selects.
// With no verifier configured the service runs open; listener control
// stays usable on dev setups without an identity provider.
type AuthMiddleware struct {
	Verifier *authx.JWTVerifier
	Protect  func(*http.Request) bool
	Role     string
}

func (m AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Verifier == nil || m.Protect == nil || !m.Protect(r) {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing bearer token", nil)
			return
		}
		token := strings.TrimSpace(authHeader[len("bearer "):])
		auth, err := m.Verifier.Verify(r.Context(), token)
		if err != nil {
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid token", nil)
			return
		}
		if m.Role != "" && !auth.HasRole(m.Role) {
			httpx.WriteError(w, r, http.StatusForbidden, "PERMISSION_DENIED", "missing required role", nil)
			return
		}

		ctx := authx.WithAuth(r.Context(), auth)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ListenerControlRoute reports whether a request mutates listener state.
// Read endpoints stay open for dashboards.
func ListenerControlRoute(r *http.Request) bool {
	if r.Method != http.MethodPost {
		return false
	}
	return strings.HasPrefix(r.URL.Path, "/api/listener/")
}
