// Package server sets up HTTP and starts serving.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/mapgrid/wfserver/internal/config"
	"github.com/mapgrid/wfserver/internal/health"
	"github.com/mapgrid/wfserver/internal/metrics"
	"github.com/mapgrid/wfserver/internal/middleware"
	"github.com/mapgrid/wfserver/internal/service"
)

// Run serves until the context cancels, then shuts down gracefully.
func Run(ctx context.Context, cfg config.Config, zl zerolog.Logger, svc *service.Service, prom *metrics.Provider) error {
	r := chi.NewRouter()
	r.Use(middleware.Recover(&zl))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logging(&zl))
	r.Use(middleware.CORS())

	r.Get("/healthz", health.Liveness())
	if prom != nil {
		r.Get("/metrics", prom.Handler().ServeHTTP)
	}

	wfsHandler := svc.Handler()
	r.Get("/wfs", wfsHandler)
	r.Post("/wfs", wfsHandler)
	r.Get("/wfs/*", wfsHandler)
	r.Post("/wfs/*", wfsHandler)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Streaming responses may run long; the write timeout is the only
		// bound on a cursor that keeps producing.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zl.Info().Str("addr", cfg.Addr).Msg("http listen")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
