package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chronos_server/config"
	"chronos_server/internal/bootstrap"
	"chronos_server/pkg/logger"

	"github.com/joho/godotenv"
)

// Maximum time to wait for graceful shutdown. SSE streams cap their own
// lifetime below this, so in-flight syncs can finish their page.
const shutdownTimeout = 30 * time.Second

func main() {
	// Load .env if present (local development)
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log := logger.Init(logger.Config{Service: "chronos"})
		log.Fatal().Err(err).Msg("failed to load config")
	}

	log := logger.Init(logger.Config{
		Level:   cfg.LogLevel,
		Pretty:  cfg.LogPretty || cfg.IsDevelopment(),
		Service: "chronos",
	})

	app, cleanup, err := bootstrap.NewAPI(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize api")
	}
	defer cleanup()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Dur("timeout", shutdownTimeout).Msg("shutting down")

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			done <- app.Shutdown()
		}()

		select {
		case err := <-done:
			if err != nil {
				log.Error().Err(err).Msg("error shutting down")
			} else {
				log.Info().Msg("server shut down gracefully")
			}
		case <-ctx.Done():
			log.Warn().Msg("shutdown timed out, forcing exit")
		}
	}()

	addr := ":" + cfg.Port
	log.Info().Str("addr", addr).Msg("starting server")
	if err := app.Listen(addr); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}
