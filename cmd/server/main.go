package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/nexuslabs/console/internal/account"
	"github.com/nexuslabs/console/internal/config"
	"github.com/nexuslabs/console/internal/monitoring"
	"github.com/nexuslabs/console/internal/server"
)

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	cfg, err := config.Load(nil)
	if err != nil {
		bootstrap := monitoring.NewLogger(monitoring.LoggerConfig{Level: "info", Format: "json"})
		bootstrap.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	cfg.LogConfig(logger)

	ownerName := os.Getenv("NEXUS_OWNER_USER")
	if ownerName == "" {
		ownerName = "admin"
	}
	ownerSecret := os.Getenv("NEXUS_OWNER_SECRET")
	if ownerSecret == "" {
		ownerSecret = "admin"
		logger.Warn().Msg("NEXUS_OWNER_SECRET not set, using default owner credentials")
	}
	directory := account.NewDirectory(ownerName, ownerSecret)

	srv, err := server.NewServer(cfg, directory, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create server")
	}

	// Members listing reports live presence from the hub.
	directory.OnlineFn = srv.Hub().IsOnline

	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start server")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("Shutdown signal received")
	if err := srv.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("Error during shutdown")
	}
}
