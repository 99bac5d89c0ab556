package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/teemoapi/teemo/internal/config"
	"github.com/teemoapi/teemo/internal/worker"
)

// startupDeadline bounds the whole attach sequence: dispatcher subscribe,
// upstream handshake and login. A worker that cannot come up in time exits
// so the supervisor relaunches it.
const startupDeadline = 5 * time.Minute

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

	connected := make(chan struct{})
	go func() {
		select {
		case <-time.After(startupDeadline):
			log.Error().Msg("Startup deadline exceeded")
			os.Exit(0)
		case <-connected:
		}
	}()

	addr := fmt.Sprintf("%s:%d", cfg.Worker.ServerAddress, cfg.Worker.ServerPort)
	link, username, password, err := worker.DialLink(addr, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to attach to the dispatcher")
	}
	defer link.Close()
	log.Info().Str("account", username).Msg("Credentials received")

	session, err := worker.Dial(&cfg.Worker, username, password, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open the upstream session")
	}
	defer session.Close()

	if err := session.WaitConnected(startupDeadline); err != nil {
		var wrongVersion *worker.WrongVersionError
		if errors.As(err, &wrongVersion) {
			log.Warn().Str("version", wrongVersion.Version).Msg("Client version rejected, updating config")
			if err := config.SaveLeagueVersion(wrongVersion.Version); err != nil {
				log.Error().Err(err).Msg("Failed to save the corrected version")
			}
			os.Exit(0)
		}
		log.Fatal().Err(err).Msg("Upstream login failed")
	}
	close(connected)

	if err := link.Ready(); err != nil {
		log.Fatal().Err(err).Msg("Failed to signal ready")
	}

	go func() {
		if err := session.RunSupervisor(); err != nil {
			log.Error().Err(err).Msg("Supervisor declared the session dead")
			os.Exit(0)
		}
		os.Exit(0)
	}()

	err = link.Serve(session)
	switch {
	case errors.Is(err, worker.ErrKilled):
		log.Info().Msg("Killed by the dispatcher")
	case errors.Is(err, worker.ErrReconnectRequested):
		log.Info().Msg("Reconnect requested by the dispatcher")
	case err != nil:
		log.Warn().Err(err).Msg("Dispatcher link lost")
	}
	// Exit 0 either way; the supervisor process relaunches the worker.
}
