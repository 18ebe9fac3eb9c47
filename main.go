package main

import (
	"context"

	"github.com/SanteonNL/xdsmediator/cmd"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	zerolog.DefaultContextLogger = &log.Logger
	config, err := cmd.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	zerolog.SetGlobalLevel(config.LogLevel)
	if err := config.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	log.Info().Msgf("Forwarding to registry %s and repository %s", config.Registry.URL, config.Repository.URL)
	log.Info().Msgf("Using PIX manager at %s", config.PIX.Address())
	if err := cmd.Start(context.Background(), *config); err != nil {
		log.Fatal().Err(err).Msg("Failed to start server")
	}
	log.Info().Msg("Goodbye!")
}
