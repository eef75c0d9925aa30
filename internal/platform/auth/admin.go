package auth

import (
	"net/http"
	"strings"

	"github.com/example/vidfeed/internal/platform/api"
	"github.com/example/vidfeed/internal/platform/httpserver"
)

const RoleAdmin = "admin"

// RequireRole admits requests whose role, injected by RequireUser, is one of
// roles. Comparison ignores case.
func RequireRole(roles ...string) func(next http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		allowed[strings.ToLower(strings.TrimSpace(r))] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role, _ := RoleFromContext(r.Context())
			if _, ok := allowed[strings.ToLower(strings.TrimSpace(role))]; !ok || role == "" {
				api.Forbidden(w, "ROLE_REQUIRED", "Insufficient role", httpserver.RequestIDFromContext(r.Context()))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAdmin guards catalog administration.
func RequireAdmin(next http.Handler) http.Handler {
	return RequireRole(RoleAdmin)(next)
}
