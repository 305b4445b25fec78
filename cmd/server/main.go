package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/leftbrainit/supasaasy/internal/config"
	"github.com/leftbrainit/supasaasy/internal/connector"
	"github.com/leftbrainit/supasaasy/internal/connector/hubspot"
	"github.com/leftbrainit/supasaasy/internal/connector/notion"
	"github.com/leftbrainit/supasaasy/internal/connector/stripe"
	"github.com/leftbrainit/supasaasy/internal/db"
	"github.com/leftbrainit/supasaasy/internal/httpapi"
	"github.com/leftbrainit/supasaasy/internal/ratelimit"
	"github.com/leftbrainit/supasaasy/internal/scheduler"
	"github.com/leftbrainit/supasaasy/internal/store"
	"github.com/leftbrainit/supasaasy/internal/syncengine"
	"github.com/leftbrainit/supasaasy/internal/worker"
)

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envDuration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		log.Warn().Str("var", k).Str("value", v).Msg("invalid duration, using default")
	}
	return def
}

func main() {
	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "supasaasy").Logger()

	// Pretty logging for local dev (only when explicitly set to "dev")
	if env("ENV", "") == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	ctx := context.Background()

	cfgPath := env("CONFIG_PATH", "supasaasy.yaml")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfgPath).Msg("failed to load configuration")
	}

	adminKey := env("ADMIN_API_KEY", "")
	if adminKey == "" {
		log.Fatal().Msg("ADMIN_API_KEY is required")
	}

	// Database connection
	pgURL := env("DATABASE_URL", "")
	if pgURL == "" {
		log.Fatal().Msg("DATABASE_URL is required")
	}
	pool, err := db.Open(ctx, pgURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()

	entities := store.NewEntities(pool)
	states := store.NewSyncState(pool)
	jobs := store.NewJobs(pool)
	webhookLogs := store.NewWebhookLogs(pool)

	// Connector registry: process-wide, initialized once at startup.
	registry := connector.Default()
	registry.Register(stripe.New(entities))
	registry.Register(hubspot.New(entities))
	registry.Register(notion.New(entities))

	// Fail fast on configuration errors for every configured app.
	for i := range cfg.Apps {
		app := &cfg.Apps[i]
		conn, err := registry.ForApp(app)
		if err != nil {
			log.Fatal().Err(err).Str("app_key", app.AppKey).Msg("app references unknown connector")
		}
		for _, issue := range conn.ValidateConfig(*app) {
			if issue.Warning {
				log.Warn().Str("app_key", app.AppKey).Str("field", issue.Field).Msg(issue.Message)
				continue
			}
			log.Fatal().Str("app_key", app.AppKey).Str("field", issue.Field).Msg(issue.Message)
		}
	}

	runner := &syncengine.Runner{Registry: registry, States: states}

	srv := &httpapi.Server{
		Config:      cfg,
		Registry:    registry,
		Limiter:     ratelimit.Default(),
		Entities:    entities,
		Jobs:        jobs,
		WebhookLogs: webhookLogs,
		Runner:      runner,
		AdminAPIKey: adminKey,
		InlineSync:  env("SYNC_MODE", "durable") == "inline",
	}

	httpAddr := env("HTTP_ADDR", ":8080")
	httpServer := &http.Server{
		Addr:         httpAddr,
		Handler:      srv.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	workerCtx, stopWorker := context.WithCancel(ctx)
	defer stopWorker()

	// Background worker drains durable jobs unless syncs run inline.
	workers := 1
	if n, err := strconv.Atoi(env("WORKER_COUNT", "1")); err == nil && n >= 0 {
		workers = n
	}
	if !srv.InlineSync {
		for i := 0; i < workers; i++ {
			w := &worker.Worker{
				Queue:        jobs,
				Runner:       runner,
				Config:       cfg,
				Budget:       envDuration("WORKER_BUDGET", 10*time.Minute),
				PollInterval: envDuration("WORKER_POLL_INTERVAL", 5*time.Second),
			}
			go w.Run(workerCtx)
		}
		log.Info().Int("workers", workers).Msg("worker loop started")
	}

	sched := scheduler.New(jobs, cfg, registry)
	if err := sched.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start sync scheduler")
	}

	go func() {
		log.Info().Str("addr", httpAddr).Int("apps", len(cfg.Apps)).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sched.Stop()
	stopWorker()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("server stopped")
}
