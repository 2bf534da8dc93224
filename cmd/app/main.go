package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"coachapi/internal/api/v1/router"
	"coachapi/internal/config"
	"coachapi/internal/logger"
	"coachapi/internal/service"

	"github.com/joho/godotenv"
)

func main() {
	logger := logger.New()

	// 1. Load configuration
	if err := godotenv.Load(); err != nil {
		logger.Warn().Msg("Warning: no .env file found")
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Msgf("Error loading config: %v", err)
	}

	ctx := context.Background()

	// 2. Fill missing credentials from Secret Manager
	if cfg.SecretManagerEnabled {
		secrets, err := service.NewSecretManagerService(ctx, cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to create Secret Manager client")
		}
		if err := service.ResolveSecrets(ctx, cfg, secrets, logger); err != nil {
			logger.Fatal().Err(err).Msg("Failed to resolve secrets")
		}
		if err := secrets.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close Secret Manager client")
		}
	}

	// 3. Build router (and get cleanup for DB pool and publisher)
	r, cleanup, err := router.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Msgf("Failed to build router: %v", err)
	}
	defer cleanup()

	// 4. Create HTTP server. Chat requests wait on the completion API.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: time.Duration(cfg.ChatTimeoutSec)*time.Second + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// 5. Start server in a goroutine
	go func() {
		logger.Info().Msgf("Server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Msgf("Listen: %s", err)
		}
	}()

	// 6. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("Shutdown signal received, exiting...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
		return
	}
	logger.Info().Msg("Server shut down gracefully")
}
