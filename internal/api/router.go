package api

import (
	"log/slog"

	customMiddleware "github.com/coreauth/authcore/internal/api/middleware"
	"github.com/coreauth/authcore/internal/auth"
	"github.com/coreauth/authcore/internal/authctx"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Server bundles the HTTP router with the resources its health check
// and handlers need.
type Server struct {
	Router *chi.Mux
	Pool   *pgxpool.Pool
	Logger *slog.Logger
}

// NewServer wires C6's orchestrator and C7's context builder into
// chi's router the way the teacher's NewServer wires AuthService and
// TokenProvider, generalized off the tenant/RLS middleware onto
// C7's identity-context middleware.
func NewServer(pool *pgxpool.Pool, svc *auth.Service, builder *authctx.Builder, corsOrigins []string) *Server {
	r := chi.NewRouter()
	logger := slog.Default()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	sentryHandler := sentryhttp.New(sentryhttp.Options{Repanic: true})
	r.Use(sentryHandler.Handle)

	r.Use(customMiddleware.RequestLogger)
	r.Use(customMiddleware.PanicRecovery)

	limiter := customMiddleware.NewIPRateLimiter(5, 10)
	r.Use(limiter.Middleware)
	r.Use(customMiddleware.CORSMiddleware(corsOrigins))
	r.Use(customMiddleware.AuthMiddleware(builder))

	server := &Server{Router: r, Pool: pool, Logger: logger}
	handler := NewAuthHandler(svc)

	r.Get("/health", server.HealthHandler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/register", handler.Register)
		r.Post("/auth/login", handler.Login)
		r.Post("/auth/logout", handler.Logout)
		r.Post("/auth/refresh", handler.Refresh)

		r.Group(func(r chi.Router) {
			r.Use(customMiddleware.RequireAuth)
			r.Use(customMiddleware.CSRFMiddleware)

			r.Get("/me", handler.Me)
			r.Post("/auth/logout-all", handler.LogoutAll)
			r.Put("/auth/password", handler.ChangePassword)
			r.Get("/auth/sessions", handler.GetSessions)
			r.Delete("/auth/sessions/{id}", handler.RevokeSession)
			r.Get("/permissions", handler.GetPermissions)
			r.Post("/permissions/check-batch", handler.CheckBatch)

			r.Route("/admin", func(r chi.Router) {
				r.Use(customMiddleware.RequireRole("admin"))
				r.Patch("/users/{userID}/role", handler.AssignRole)
				r.Delete("/users/{userID}/role", handler.RevokeRole)
			})
		})
	})

	return server
}
