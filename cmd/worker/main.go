package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"oddsfeed/ingestion/internal/api"
	"oddsfeed/ingestion/internal/app"
	"oddsfeed/ingestion/internal/config"
	"oddsfeed/ingestion/internal/metrics"
	"oddsfeed/ingestion/internal/models"
	"oddsfeed/ingestion/internal/scheduler"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Load configuration, including any .env file, before the logger reads it
	cfg := config.MustLoad()
	setupLogger(cfg)

	log.Info().Msg("Starting odds ingestion worker")
	log.Info().
		Str("env", cfg.AppEnv).
		Str("log_level", cfg.LogLevel).
		Str("odds_api", cfg.OddsAPIBaseURL).
		Msg("Configuration loaded")

	// Create context that listens for cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info().Msg("Received shutdown signal, gracefully shutting down...")
		cancel()
	}()

	svc, err := app.Open(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize services")
	}
	defer svc.Close()
	log.Info().Msg("Database, cache and odds client initialized")

	// The worker is the only long-lived drainer, so anything still claimed
	// belongs to a previous run.
	if _, err := svc.Queue.Recover(ctx); err != nil {
		log.Warn().Err(err).Msg("Retry queue recovery failed")
	}

	// Start metrics HTTP server
	if cfg.EnableMetrics {
		go startMetricsServer(cfg.MetricsPort)
	}

	// Update system uptime and pool metrics
	startTime := time.Now()
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				metrics.SystemUptime.Set(time.Since(startTime).Seconds())
				svc.DB.PoolStats()
				if _, err := svc.Queue.Len(ctx); err != nil {
					log.Debug().Err(err).Msg("Queue depth unavailable")
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	// Create and start scheduler
	sched := scheduler.NewScheduler(scheduler.Config{
		Tick:             cfg.SchedulerTick,
		InPlayInterval:   cfg.PollIntervalInPlay,
		IdleInterval:     cfg.PollIntervalIdle,
		DrainInterval:    cfg.RetryDrainInterval,
		DrainBatch:       cfg.RetryDrainBatch,
		MatchRefreshCron: cfg.MatchRefreshCron,
		SweepCron:        cfg.SweepCron,
		SportID:          cfg.CompetitionSportID,
		SeedKinds:        []models.Kind{models.KindBookmaker, models.KindFancy},
	}, svc.Pipeline, svc.Queue, svc.Cache, svc.DB.Matches)

	if cfg.EnableScheduler {
		log.Info().Msg("Starting scheduler...")
		if err := sched.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to start scheduler")
		}
	}

	// Start API server
	handler := api.NewHandler(svc.Pipeline, svc.Cache, svc.Queue, sched, svc.DB)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      api.NewRouter(handler, cfg.CORSOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 40 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Int("port", cfg.HTTPPort).Msg("Starting API server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("API server failed")
			cancel()
		}
	}()

	// Keep running until context is cancelled
	<-ctx.Done()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("API server shutdown failed")
	}

	if cfg.EnableScheduler {
		log.Info().Msg("Shutting down scheduler...")
		sched.Stop()
	}

	log.Info().Msg("Worker shutdown complete")
}

// setupLogger configures the zerolog logger
func setupLogger(cfg *config.Config) {
	// Pretty console logging in development
	if cfg.IsDevelopment() {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	}

	// Set log level
	level := zerolog.InfoLevel
	if lvl := cfg.LogLevel; lvl != "" {
		parsedLevel, err := zerolog.ParseLevel(lvl)
		if err == nil {
			level = parsedLevel
		}
	}
	zerolog.SetGlobalLevel(level)

	log.Info().
		Str("level", level.String()).
		Msg("Logger initialized")
}

// startMetricsServer starts the Prometheus metrics HTTP server
func startMetricsServer(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	log.Info().Int("port", port).Msg("Starting metrics server")

	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error().Err(err).Msg("Metrics server failed")
	}
}
