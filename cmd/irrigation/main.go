package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/prite36/irrigation-shadow/internal/app"
	"github.com/prite36/irrigation-shadow/internal/config"
	"github.com/prite36/irrigation-shadow/internal/logger"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if err := logger.Init(logger.Config{Level: cfg.Log.Level, Debug: cfg.Log.Debug}); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize logger")
	}

	l := logger.WithComponent("main")
	l.Info().Str("namespace", cfg.MQTT.Namespace).Str("broker", cfg.MQTT.Broker).Msg("Starting application...")

	a, err := app.NewApp(cfg, app.Deps{})
	if err != nil {
		l.Fatal().Err(err).Msg("Failed to build application")
	}

	// Wait for a shutdown signal
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		l.Error().Err(err).Msg("Application stopped with error")
		os.Exit(1)
	}

	l.Info().Msg("Application shut down.")
}
