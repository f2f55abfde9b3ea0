package auth

import (
	"net/http"
	"strings"

	"github.com/enrollfield/api/internal/platform/httpx"
)

// Header names populated by the fronting session layer.
const (
	HeaderUserID = "X-Ef-User"
	HeaderEmail  = "X-Ef-Email"
	HeaderRoles  = "X-Ef-Roles"
	HeaderLocale = "X-Ef-Locale"
)

// Middleware extracts the trusted identity headers and stores the identity in
// the request context. Requests without an identity pass through anonymously;
// route groups decide whether one is required.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			uid := strings.TrimSpace(r.Header.Get(HeaderUserID))
			if uid == "" {
				next.ServeHTTP(w, r)
				return
			}

			identity := &Identity{
				UID:    uid,
				Email:  strings.TrimSpace(r.Header.Get(HeaderEmail)),
				Roles:  parseRoles(r.Header.Get(HeaderRoles)),
				Locale: strings.TrimSpace(r.Header.Get(HeaderLocale)),
			}
			if len(identity.Roles) == 0 {
				identity.Roles = []string{RoleUser}
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

// RequireIdentity rejects requests that carry no identity.
func RequireIdentity() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := IdentityFromContext(r.Context()); !ok {
				httpx.WriteError(r.Context(), w, httpx.NewError("unauthenticated", "identity required", http.StatusUnauthorized))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireRole rejects requests whose identity lacks all of the given roles.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := IdentityFromContext(r.Context())
			if !ok {
				httpx.WriteError(r.Context(), w, httpx.NewError("unauthenticated", "identity required", http.StatusUnauthorized))
				return
			}
			if !identity.HasAnyRole(roles...) {
				httpx.WriteError(r.Context(), w, httpx.NewError("forbidden", "insufficient role", http.StatusForbidden))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func parseRoles(raw string) []string {
	parts := strings.Split(raw, ",")
	roles := make([]string, 0, len(parts))
	for _, part := range parts {
		role := strings.ToLower(strings.TrimSpace(part))
		if role != "" {
			roles = append(roles, role)
		}
	}
	return roles
}
