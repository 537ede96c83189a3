package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/hospitalwh/internal/config"
	"github.com/ehr/hospitalwh/internal/domain/capacity"
	"github.com/ehr/hospitalwh/internal/pipeline"
	"github.com/ehr/hospitalwh/internal/platform/alerts"
	"github.com/ehr/hospitalwh/internal/platform/blobstore"
	"github.com/ehr/hospitalwh/internal/platform/db"
	"github.com/ehr/hospitalwh/internal/platform/middleware"
	"github.com/ehr/hospitalwh/internal/platform/telemetry"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the warehouse on a schedule and serve the read API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// server is everything the read API reads from.
type server struct {
	cfg      *config.Config
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	runner   *pipeline.Runner
	alerts   capacity.AlertStore
	blobs    blobstore.BlobStore
	backends map[string]db.Pinger
}

func newEcho(s *server) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(s.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(s.logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: s.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodHead, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderAccept, echo.HeaderContentType, middleware.RequestIDHeader},
	}))
	e.Use(middleware.SecurityHeaders())
	e.Use(s.metrics.MetricsMiddleware())
	rl := middleware.DefaultRateLimitConfig()
	rl.RequestsPerSecond, rl.BurstSize = s.cfg.RateLimitRPS, s.cfg.RateLimitBurst
	e.Use(middleware.RateLimit(rl))
	e.Use(middleware.RequestTimeout(s.cfg.RequestTimeout, "/artifacts"))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(s.backends))
	e.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))

	if s.blobs != nil {
		blobstore.NewBlobHandler(s.blobs).RegisterRoutes(e.Group(""))
	}

	api := e.Group("/api/v1")
	capacity.NewHandler(s.runner.Catalog(), s.alerts).RegisterRoutes(api)
	pipeline.NewHandler(s.runner.Catalog(), s.runner).RegisterRoutes(api)
	return e
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stdout)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signalContext()
	defer stop()

	b, err := connect(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect backends")
	}
	defer b.Close()

	metrics := telemetry.New()
	store, err := b.alertStore(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid alert webhook")
	}
	stopWebhooks := startWebhooks(ctx, store, logger)
	runner, err := newRunner(cfg, b, metrics, runnerConfig{publish: true, alerts: store}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build pipeline")
	}

	e := newEcho(&server{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		runner:   runner,
		alerts:   store,
		blobs:    b.blobs,
		backends: b.pingers(),
	})

	if b.redis != nil {
		go watchAlerts(ctx, alerts.NewRedisStore(b.redis, "", logger), logger)
	}

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		pipeline.NewScheduler(runner.Run, cfg.RunInterval, logger).Start(ctx)
	}()

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	select {
	case <-schedDone:
	case <-shutdownCtx.Done():
		logger.Warn().Msg("scheduled run did not stop in time")
	}
	stopWebhooks(5 * time.Second)
	logger.Info().Msg("server stopped")
	return nil
}

// watchAlerts logs alert changes published by any replica.
func watchAlerts(ctx context.Context, store *alerts.RedisStore, logger zerolog.Logger) {
	events, err := store.Subscribe(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("alert subscription failed")
		return
	}
	for ev := range events {
		logger.Info().Str("channel", store.Channel()).Str("type", ev.Type).Str("key", ev.Key).Msg("alert changed")
	}
}
