// Package main is the entry point for the tickhub market-data aggregation
// hub. It loads configuration, wires the components and runs them until a
// shutdown signal arrives.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quantmesh/tickhub/internal/config"
	"github.com/quantmesh/tickhub/internal/di"
	"github.com/quantmesh/tickhub/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().Msg("Starting tickhub")

	container, err := di.Wire(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}

	// Start order follows the dependency graph: bus first, then the leaf
	// consumers, then the engines that react to bus events, then the
	// supervisor that produces them.
	container.Bus.Start()

	if err := container.Publisher.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start tick publisher")
	}
	container.PushHub.Start()
	container.Health.Start()
	container.Failover.Start()
	container.Recovery.Start()

	if err := container.Supervisor.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start gateway supervisor")
	}

	container.Scheduler.Start()

	go func() {
		if err := container.Server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("tickhub started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := container.Server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server forced to shutdown")
	}

	// Reverse order: stop the producers before the consumers so no event
	// lands on a stopped component.
	container.Scheduler.Stop()
	container.Supervisor.Stop()
	container.Recovery.Stop()
	container.Failover.Stop()
	container.Health.Stop()
	container.PushHub.Stop()
	container.Publisher.Stop()
	container.Bus.Stop()

	if err := container.DB.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close accounts database")
	}

	log.Info().Msg("tickhub stopped")
}
