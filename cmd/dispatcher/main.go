package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/teemoapi/teemo/internal/config"
	"github.com/teemoapi/teemo/internal/dispatcher"
)

func main() {
	// Setup logging
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

	// Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if level, err := zerolog.ParseLevel(cfg.Development.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	if len(cfg.Accounts) == 0 {
		log.Fatal().Msg("No accounts configured")
	}

	srv := dispatcher.NewServer(&cfg.Dispatcher, log.Logger)

	go func() {
		if err := srv.Run(); err != nil {
			log.Fatal().Err(err).Msg("Dispatcher failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down dispatcher...")

	srv.Close()
	log.Info().Msg("Dispatcher exited")
}
