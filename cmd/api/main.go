package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/coreauth/authcore/internal/api"
	"github.com/coreauth/authcore/internal/audit"
	"github.com/coreauth/authcore/internal/auth"
	"github.com/coreauth/authcore/internal/authctx"
	"github.com/coreauth/authcore/internal/clock"
	"github.com/coreauth/authcore/internal/config"
	"github.com/coreauth/authcore/internal/kv"
	"github.com/coreauth/authcore/internal/permcache"
	"github.com/coreauth/authcore/internal/permission"
	"github.com/coreauth/authcore/internal/relational"
	"github.com/coreauth/authcore/internal/revocation"
	"github.com/coreauth/authcore/internal/session"
	"github.com/coreauth/authcore/internal/storage"
	"github.com/coreauth/authcore/pkg/logger"
)

// main wires C1-C7 the way the teacher's main() wires AuthService,
// generalized from its single sqlc-Queries-backed constructor call
// into one construction per capability interface.
func main() {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	cfg := config.Load()

	log := logger.Setup(cfg.Env)
	log.Info("application_startup", "env", cfg.Env)

	if sentryDSN := os.Getenv("SENTRY_DSN"); sentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: sentryDSN, TracesSampleRate: 1.0, Environment: cfg.Env}); err != nil {
			log.Error("sentry_init_failed", "error", err)
		} else {
			defer sentry.Flush(2 * time.Second)
			log.Info("sentry_initialized")
		}
	} else {
		log.Warn("sentry_dsn_missing", "details", "skipping_init")
	}

	pool, err := storage.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Error("database_connect_failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	log.Info("database_connected")

	redisStore, err := kv.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Error("redis_connect_failed", "error", err)
		os.Exit(1)
	}
	log.Info("redis_connected")

	if cfg.JWTSigningKey == "" {
		if cfg.Env == "production" {
			log.Error("jwt_signing_key_missing", "details", "fatal_in_production")
			os.Exit(1)
		}
		log.Warn("jwt_signing_key_missing", "details", "dev_mode_unsafe")
		cfg.JWTSigningKey = "insecure-dev-signing-key"
	}

	realClock := clock.Real{}
	relStore := relational.NewPgxStore(pool)

	rev := revocation.New(redisStore, cfg.JWTBlacklistPrefix, revocation.Config{
		RetentionBuffer:   cfg.BlacklistRetention,
		UserRevocationTTL: cfg.UserRevocationTTL,
		BreakerThreshold:  cfg.CircuitBreakerThreshold,
		BreakerOpenFor:    cfg.CircuitBreakerOpenFor,
		FailClosed:        cfg.BlacklistFailClosed,
	}, realClock, log, nil)

	permCache := permcache.New(redisStore, permcache.Config{
		UserTTL: cfg.PermissionCacheUserTTL,
		RoleTTL: cfg.PermissionCacheRoleTTL,
	})

	roleRepo := permission.NewStoreRoleRepository(relStore)
	engine := permission.New(roleRepo, permCache, permission.Config{MaxDepth: cfg.PermissionMaxRoleDepth})

	sessions := session.New(redisStore, relStore, session.Config{
		DefaultTTL: cfg.SessionDefaultTTL,
		ClockSkew:  cfg.SessionClockSkew,
	}, realClock, log)

	users := auth.NewUserRepository(relStore)
	signer := auth.NewJWTProvider(cfg.JWTSigningKey, cfg.JWTIssuer, "")
	hasher := auth.NewBcryptHasher()

	// svc.UserLookup closes the loop C4 needs at construction time
	// (rotation re-checks user status/role) before C6 itself exists,
	// the same forward-reference pattern orchestrator_test.go uses.
	var svc *auth.Service
	lookup := func(ctx context.Context, id uuid.UUID) (auth.UserSnapshot, error) {
		return svc.UserLookup(ctx, id)
	}
	tokens := auth.NewTokenService(signer, redisStore, rev, lookup, auth.TokenServiceConfig{
		AccessTTL:            cfg.JWTAccessExpiry,
		RefreshTTL:           cfg.JWTRefreshExpiry,
		ConcurrentTokenCap:   cfg.JWTMaxTokensPerUser,
		RotationThreshold:    cfg.JWTRotationThreshold,
		RotationRateCap:      cfg.RotationRateLimit,
		ReuseGracePeriod:     cfg.ReuseGracePeriod,
		ReuseSuspiciousCount: cfg.ReuseSuspiciousThreshold,
		VerifyCacheSize:      cfg.JWTCacheMaxSize,
	}, realClock, log)

	auditLogger := audit.NewDBLogger(relStore, realClock, log)
	svc = auth.NewService(users, hasher, tokens, sessions, rev, engine, auditLogger, realClock)

	builder := authctx.NewBuilder(tokens, engine)

	if err := storage.ValidateCORSOrigins(cfg.CORSOrigins); err != nil {
		log.Error("cors_origins_invalid", "error", err, "origins", cfg.CORSOrigins)
		os.Exit(1)
	}

	server := api.NewServer(pool, svc, builder, cfg.CORSOrigins)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      server.Router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("server_listening", "port", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- err
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Error("server_startup_failed", "error", err)
		os.Exit(1)

	case sig := <-shutdown:
		log.Info("shutdown_signal_received", "signal", sig)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful_shutdown_failed", "error", err)
			if err := srv.Close(); err != nil {
				log.Error("server_force_close_failed", "error", err)
			}
		}

		pool.Close()
		log.Info("database_pool_closed")
		log.Info("server_shutdown_complete")
	}
}
