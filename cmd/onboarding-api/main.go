package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/edvin/onboarding/internal/api"
	"github.com/edvin/onboarding/internal/config"
	"github.com/edvin/onboarding/internal/core"
	"github.com/edvin/onboarding/internal/db"
	"github.com/edvin/onboarding/internal/docstore"
	"github.com/edvin/onboarding/internal/engine"
	"github.com/edvin/onboarding/internal/logging"
	"github.com/edvin/onboarding/internal/metrics"
)

func main() {
	migrateFlag := flag.Bool("migrate", false, "Run database migrations before starting")
	migrateDirFlag := flag.String("migrate-dir", "migrations", "Migration files directory")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate("api"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg)

	if *migrateFlag {
		logger.Info().Str("dir", *migrateDirFlag).Msg("running database migrations")
		if err := db.RunMigrations(cfg.DatabaseURL, *migrateDirFlag); err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
	}

	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load engine policy")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	metrics.RegisterPgxPoolMetrics(pool)

	services := core.NewServices(pool)

	documents := docstore.New(logger, docstore.Options{
		Endpoint:  cfg.DocstoreEndpoint,
		Bucket:    cfg.DocstoreBucket,
		AccessKey: cfg.DocstoreAccessKey,
		SecretKey: cfg.DocstoreSecretKey,
	})
	if err := documents.EnsureBucket(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to ensure document bucket")
	}

	// The API never advances stages itself, so it carries no gateway. It
	// hosts the gatekeeper surface: decisions, documents, terminate, resume.
	eng := engine.New(logger, engine.Deps{
		Workflows: services.Workflow,
		Events:    services.Event,
		Decisions: services.Decision,
		Documents: services.Document,
		Objects:   documents,
		Notifier:  engine.NewNotifier(logger, services.Notification),
		Policy:    policy,
		WorkerID:  cfg.WorkerID,
	})

	srv := api.NewServer(logger, pool, services, eng, documents, cfg)

	httpServer := &http.Server{
		Addr:         cfg.HTTPListenAddr,
		Handler:      srv,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Msg("starting onboarding API server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
}
