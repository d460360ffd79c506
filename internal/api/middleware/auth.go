package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/coreauth/authcore/internal/authctx"
)

// AuthMiddleware builds a C7 identity context for every request via
// C7's Builder (credential extraction + C4 verify) and injects it,
// authenticated or not, so downstream handlers/RBAC can make a single
// typed check rather than re-parsing headers (spec §4.7).
func AuthMiddleware(builder *authctx.Builder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cred, ok := authctx.ExtractHTTP(r)
			if !ok {
				ctx := context.WithValue(r.Context(), AuthContextKey, builder.Unauthenticated())
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			actx, err := builder.Build(r.Context(), cred)
			if err != nil {
				slog.Warn("auth context build failed", "error", err, "ip", r.RemoteAddr)
				actx = builder.Unauthenticated()
			}

			ctx := context.WithValue(r.Context(), AuthContextKey, actx)
			SetSentryUser(ctx, derefUserID(actx), "", r.RemoteAddr)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAuth rejects any request whose context failed to
// authenticate, for use on routes AuthMiddleware alone leaves open.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actx, err := GetAuthContext(r.Context())
		if err != nil || !actx.Authenticated {
			http.Error(w, "Authorization required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func derefUserID(actx *authctx.Context) string {
	if actx == nil || actx.User == nil {
		return ""
	}
	return actx.User.ID
}
