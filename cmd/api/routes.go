package main

import (
	"net/http"

	"finsync/internal/shared/config"
	"finsync/internal/shared/logging"
	"finsync/internal/shared/middleware"
)

// SetupRoutes configures all HTTP routes and returns the final handler with middleware.
func SetupRoutes(deps *Dependencies, cfg *config.Config) http.Handler {
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("GET /health", deps.HealthHandler.HandleHealth)

	// Connections
	mux.HandleFunc("GET /api/connections/{id}", deps.ConnectionHandler.HandleGetConnection)
	mux.HandleFunc("POST /api/connections/{id}/sync", deps.ConnectionHandler.HandleSync)
	mux.HandleFunc("POST /api/connections/{id}/setup", deps.ConnectionHandler.HandleSetup)

	// Jobs
	mux.HandleFunc("GET /api/jobs/{id}", deps.JobHandler.HandleGetJob)

	// Apply global middleware
	handler := middleware.Logging(middleware.JSONOnly(middleware.Tracing(mux)))
	if cfg.Telemetry.Enabled {
		handler = middleware.Telemetry(handler)
	}

	if cfg.TLS.Enabled {
		handler = middleware.HSTS(handler)
		logging.WithComponent("routes").Info("TLS security middleware enabled (HSTS)")
	}

	return handler
}
