package middleware

import (
	"log/slog"
	"net/http"
)

// RequireRole builds a middleware enforcing that the request's C7
// context carries one of the given roles (spec §4.5's role-hierarchy
// membership check, already resolved into actx.Roles by C5 at
// context-build time).
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actx, err := GetAuthContext(r.Context())
			if err != nil || !actx.Authenticated {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			if !actx.HasRole(roles...) {
				slog.Warn("rbac: insufficient role", "have", actx.Roles, "need", roles)
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequirePermission builds a middleware enforcing a (resource, action)
// grant via C5's condition-aware Can (spec §4.5).
func RequirePermission(resource, action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actx, err := GetAuthContext(r.Context())
			if err != nil || !actx.Authenticated {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			if !actx.Can(r.Context(), resource, action, nil) {
				slog.Warn("rbac: permission denied", "resource", resource, "action", action)
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
