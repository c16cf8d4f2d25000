package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Rescue/internal/config"
	"github.com/dkeye/Rescue/internal/devbackend"
	"github.com/dkeye/Rescue/internal/domain"
	"github.com/dkeye/Rescue/internal/logging"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// .env is optional; real deployments set RESCUE_* directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logging.Init(config.Default().Log)
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logging.Init(cfg.Log)

	backend := devbackend.New(ctx, devbackend.Options{
		Mode:       cfg.Mode,
		Secret:     cfg.Secret,
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		SendBuffer: cfg.Client.SendBuffer,
	})
	if id := os.Getenv("RESCUE_SEED_SESSION"); id != "" {
		if _, err := backend.Store().CreateSession(domain.SessionState{ID: domain.SessionID(id)}); err != nil {
			log.Warn().Err(err).Str("session", id).Msg("seed session")
		}
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           backend.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Rescue dev backend started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	backend.DropAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
