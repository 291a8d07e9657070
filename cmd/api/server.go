package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"finsync/internal/shared/config"
	"finsync/internal/shared/logging"
)

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Handler    http.Handler
	Addr       string
	TLSEnabled bool
	CertPath   string
	KeyPath    string
}

// StartServer creates and starts the API server. Listen failures are
// delivered on the returned channel.
func StartServer(scfg ServerConfig) (*http.Server, <-chan error) {
	srv := &http.Server{
		Addr:         scfg.Addr,
		Handler:      scfg.Handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log := logging.WithComponent("server").WithField("addr", scfg.Addr)
	errCh := make(chan error, 1)

	go func() {
		var err error
		if scfg.TLSEnabled {
			log.Info("HTTPS server starting")
			err = srv.ListenAndServeTLS(scfg.CertPath, scfg.KeyPath)
		} else {
			log.Info("HTTP server starting")
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	return srv, errCh
}

// GracefulShutdown stops accepting requests, then drains background work.
// cancelWorkers stops the dispatcher and listener before the pool drains.
func GracefulShutdown(srv *http.Server, deps *Dependencies, cancelWorkers context.CancelFunc, timeout time.Duration) {
	log := logging.WithComponent("server")
	log.Info("Server shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Error("Error shutting down server")
	}

	cancelWorkers()
	deps.Close(timeout)

	log.Info("Server stopped")
}

// NewServerConfigFromConfig creates ServerConfig from application config.
func NewServerConfigFromConfig(handler http.Handler, cfg *config.Config) ServerConfig {
	return ServerConfig{
		Handler:    handler,
		Addr:       cfg.Server.Host + ":" + cfg.Server.Port,
		TLSEnabled: cfg.TLS.Enabled,
		CertPath:   cfg.TLS.CertPath,
		KeyPath:    cfg.TLS.KeyPath,
	}
}
