package auth

import (
	"errors"
	"log"
	"net/http"
	"strings"
)

// Middleware validates JWTs and enforces RBAC.
type Middleware struct {
	Secret []byte
	Policy Policy
	// DeskID, when set, rejects tokens issued for any other desk.
	DeskID string
	Logger *log.Logger
}

// NewMiddleware constructs an auth middleware.
func NewMiddleware(secret []byte, policy Policy) *Middleware {
	return &Middleware{Secret: secret, Policy: policy}
}

// Wrap verifies the caller and checks the route's required role. Exempt
// and unmapped routes pass through without a token.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Policy.IsExempt(r) {
			next.ServeHTTP(w, r)
			return
		}
		required, ok := m.Policy.RequiredRole(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		claims, err := ParseJWT(extractBearer(r), m.Secret)
		if err != nil {
			m.logf("auth rejected: path=%s err=%v", r.URL.Path, err)
			challenge := `Bearer realm="tradedesk"`
			if errors.Is(err, ErrTokenExpired) {
				challenge += `, error="invalid_token", error_description="token expired"`
			}
			w.Header().Set("WWW-Authenticate", challenge)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		id := claims.Identity()
		if m.DeskID != "" && id.DeskID != m.DeskID {
			m.logf("auth rejected: path=%s subject=%s err=%v", r.URL.Path, id.Subject, ErrDeskMismatch)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		if !RoleSatisfies(id.Role, required) {
			m.logf("auth denied: path=%s subject=%s role=%s need=%s", r.URL.Path, id.Subject, id.Role, required)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id.DeskID, id.Role, id.Subject)))
	})
}

func (m *Middleware) logf(format string, args ...any) {
	if m.Logger != nil {
		m.Logger.Printf(format, args...)
	}
}

// extractBearer reads the Authorization header, falling back to the
// access_token query parameter that EventSource and websocket clients use.
func extractBearer(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return r.URL.Query().Get("access_token")
	}
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
