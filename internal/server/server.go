package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/nholik/spot-sentinel/internal/healthcheck"
	"github.com/nholik/spot-sentinel/internal/metrics"
)

const shutdownTimeout = 5 * time.Second

// Options configures the HTTP servers.
type Options struct {
	PollInterval time.Duration
	Tracker      *healthcheck.Tracker
	Metrics      *metrics.Metrics
	// API serves the operator routes under /v1 on the health port.
	API         API
	HealthPort  int
	MetricsPort int
}

// Start launches health and metrics HTTP servers as configured. The servers
// shut down when ctx is canceled; background missions started through the API
// also run under ctx.
func Start(ctx context.Context, logger zerolog.Logger, opts Options) {
	if opts.HealthPort == 0 && opts.MetricsPort == 0 {
		return
	}

	if opts.HealthPort > 0 && opts.MetricsPort > 0 && opts.HealthPort == opts.MetricsPort {
		r := newRouter(logger)
		registerHealthRoutes(r, opts.Tracker, opts.PollInterval)
		registerMetricsRoute(r, opts.Metrics)
		registerAPIRoutes(ctx, r, logger, opts.API)
		startServer(ctx, logger, r, opts.HealthPort, "health/metrics")
		return
	}

	if opts.HealthPort > 0 {
		r := newRouter(logger)
		registerHealthRoutes(r, opts.Tracker, opts.PollInterval)
		registerAPIRoutes(ctx, r, logger, opts.API)
		startServer(ctx, logger, r, opts.HealthPort, "health")
	}

	if opts.MetricsPort > 0 {
		r := newRouter(logger)
		registerMetricsRoute(r, opts.Metrics)
		startServer(ctx, logger, r, opts.MetricsPort, "metrics")
	}
}

// Handler returns the router served on the health port.
func Handler(ctx context.Context, logger zerolog.Logger, opts Options) http.Handler {
	r := newRouter(logger)
	registerHealthRoutes(r, opts.Tracker, opts.PollInterval)
	registerAPIRoutes(ctx, r, logger, opts.API)
	return r
}

func newRouter(logger zerolog.Logger) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))
	return r
}

func registerHealthRoutes(r chi.Router, tracker *healthcheck.Tracker, pollInterval time.Duration) {
	r.Get("/healthz", healthcheck.HealthHandler(tracker, pollInterval))
	r.Get("/readyz", healthcheck.ReadyHandler(tracker, false))
	r.Get("/readyz/safe", healthcheck.ReadyHandler(tracker, true))
}

func registerMetricsRoute(r chi.Router, metricsCollector *metrics.Metrics) {
	if metricsCollector == nil {
		return
	}
	r.Handle("/metrics", metricsCollector.Handler())
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("http request")
		})
	}
}

func startServer(ctx context.Context, logger zerolog.Logger, handler http.Handler, port int, label string) {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("server", label).Int("port", port).Msg("http server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("server", label).Int("port", port).Msg("http server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Str("server", label).Int("port", port).Msg("http server shutdown failed")
		}
	}()
}
