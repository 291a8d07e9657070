package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"finsync/internal/shared/config"
	"finsync/internal/shared/logging"
	"finsync/internal/shared/telemetry"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		logging.Get().WithError(err).Fatal("Application error")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.Configure(cfg.Log.Level, cfg.Log.Format, cfg.Environment)
	log := logging.WithComponent("main")

	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
			ServiceName:  cfg.Telemetry.ServiceName,
			Environment:  cfg.Environment,
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			MetricsPort:  cfg.Telemetry.MetricsPort,
		})
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTelemetry(ctx); err != nil {
				log.WithError(err).Error("Failed to shut down telemetry")
			}
		}()
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), time.Minute)
	deps, err := NewDependencies(startCtx, cfg)
	cancelStart()
	if err != nil {
		return err
	}

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	deps.Start(workerCtx)

	srv, serverErr := StartServer(NewServerConfigFromConfig(SetupRoutes(deps, cfg), cfg))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.WithField("signal", sig.String()).Info("Received shutdown signal")
	case err = <-serverErr:
		log.WithError(err).Error("Server failed")
	}

	GracefulShutdown(srv, deps, cancelWorkers, shutdownTimeout)
	return err
}
