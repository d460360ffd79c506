package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreauth/authcore/internal/clock"
	"github.com/coreauth/authcore/internal/config"
	"github.com/coreauth/authcore/internal/kv"
	"github.com/coreauth/authcore/internal/relational"
	"github.com/coreauth/authcore/internal/revocation"
	"github.com/coreauth/authcore/internal/session"
	"github.com/coreauth/authcore/internal/storage"
)

// main runs the background janitor the teacher's cmd/worker ran
// against sqlc's generated CleanExpired* queries, generalized onto
// C1's CleanupExpired and C3's ReapExpired maintenance hooks — the
// only two components spec §4 names as needing periodic sweeps
// beyond their own TTL-based expiry.
func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	cfg := config.Load()

	pool, err := storage.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		logger.Error("database_connect_failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	redisStore, err := kv.NewRedisStore(cfg.RedisURL)
	if err != nil {
		logger.Error("redis_connect_failed", "error", err)
		os.Exit(1)
	}

	realClock := clock.Real{}
	relStore := relational.NewPgxStore(pool)

	rev := revocation.New(redisStore, cfg.JWTBlacklistPrefix, revocation.Config{
		RetentionBuffer:   cfg.BlacklistRetention,
		UserRevocationTTL: cfg.UserRevocationTTL,
		BreakerThreshold:  cfg.CircuitBreakerThreshold,
		BreakerOpenFor:    cfg.CircuitBreakerOpenFor,
		FailClosed:        cfg.BlacklistFailClosed,
	}, realClock, logger, nil)

	sessions := session.New(redisStore, relStore, session.Config{
		DefaultTTL: cfg.SessionDefaultTTL,
		ClockSkew:  cfg.SessionClockSkew,
	}, realClock, logger)

	logger.Info("janitor_worker_started", "interval", "1h")

	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	runJanitor(context.Background(), rev, sessions, logger)

	for {
		select {
		case <-ticker.C:
			runJanitor(context.Background(), rev, sessions, logger)
		case <-quit:
			logger.Info("janitor_shutting_down")
			return
		}
	}
}

func runJanitor(ctx context.Context, rev *revocation.Index, sessions *session.Store, logger *slog.Logger) {
	logger.Info("janitor_cycle_started")

	if err := rev.CleanupExpired(ctx); err != nil {
		logger.Error("revocation_cleanup_failed", "error", err)
	} else {
		logger.Info("revocation_cleanup_done")
	}

	count, err := sessions.ReapExpired(ctx)
	if err != nil {
		logger.Error("session_reap_failed", "error", err)
	} else if count > 0 {
		logger.Info("sessions_reaped", "deleted", count)
	}
}
