// Package main is the entrypoint for the BusKeeper API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentbus/buskeeper/internal/api"
	"github.com/agentbus/buskeeper/internal/api/handler"
	mw "github.com/agentbus/buskeeper/internal/api/middleware"
	"github.com/agentbus/buskeeper/internal/api/response"
	"github.com/agentbus/buskeeper/internal/apikey"
	"github.com/agentbus/buskeeper/internal/cache"
	"github.com/agentbus/buskeeper/internal/config"
	"github.com/agentbus/buskeeper/internal/credential"
	"github.com/agentbus/buskeeper/internal/crypto"
	"github.com/agentbus/buskeeper/internal/rotation"
	"github.com/agentbus/buskeeper/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "master_key_versions", len(cfg.Crypto.MasterKeys))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Build the key registry and cipher
	registry, err := crypto.NewRegistry(cfg.Crypto.MasterKeys)
	if err != nil {
		return fmt.Errorf("load master keys: %w", err)
	}
	if cfg.Crypto.NextKeyVersion != 0 {
		if err := registry.Stage(cfg.Crypto.NextKeyVersion, cfg.Crypto.NextKeyMaterial); err != nil {
			return fmt.Errorf("stage next master key: %w", err)
		}
	}
	cipher := crypto.NewCipher(registry)
	slog.Info("master keys loaded",
		"current_version", registry.CurrentVersion(),
		"staged_version", registry.Staged())

	// 6. Create store and domain services
	pgStore := store.NewPostgresStore(pool)
	issuer := apikey.NewIssuer(pgStore, pgStore, redisCache, cfg.Crypto.BcryptCost)
	validator := apikey.NewValidator(pgStore, redisCache)
	credentials := credential.NewService(pgStore, pgStore, cipher)
	coordinator := rotation.NewCoordinator(pgStore, registry, cipher,
		cfg.Rotation.BatchSize, cfg.Rotation.MaxRetries)

	// 7. Build router with dependencies
	auth := mw.NewAuth(validator)
	rateLimit := mw.NewRateLimit(redisCache, cfg.Server.RequestsPerMinute)

	deps := api.Dependencies{
		Auth:      auth,
		RateLimit: rateLimit,

		HealthHandler: healthHandler(pgStore, redisCache),

		IssueKeyHandler:          handler.NewIssueKeyHandler(issuer),
		ListKeysHandler:          handler.NewListKeysHandler(issuer),
		RegenerateKeyHandler:     handler.NewRegenerateKeyHandler(issuer),
		EnableKeyHandler:         handler.NewSetKeyActiveHandler(issuer, true),
		DisableKeyHandler:        handler.NewSetKeyActiveHandler(issuer, false),
		SetPrimaryKeyHandler:     handler.NewSetPrimaryKeyHandler(issuer),
		UpdatePermissionsHandler: handler.NewUpdatePermissionsHandler(issuer),
		UpdateExpiryHandler:      handler.NewUpdateExpiryHandler(issuer),
		RevokeKeyHandler:         handler.NewRevokeKeyHandler(issuer),

		AssignCredentialHandler:     handler.NewAssignCredentialHandler(credentials),
		GetCredentialHandler:        handler.NewGetCredentialHandler(credentials),
		UpdateCredentialHandler:     handler.NewUpdateCredentialHandler(credentials),
		RemoveCredentialHandler:     handler.NewRemoveCredentialHandler(credentials),
		SetPrimaryCredentialHandler: handler.NewSetPrimaryCredentialHandler(credentials),

		StartRotationHandler:  handler.NewStartRotationHandler(coordinator),
		RotationStatusHandler: handler.NewRotationStatusHandler(coordinator),
	}

	router := api.NewRouter(deps)

	// 8. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// healthHandler checks database and cache connectivity.
func healthHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
