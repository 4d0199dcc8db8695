package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/edvin/onboarding/internal/config"
	"github.com/edvin/onboarding/internal/core"
	"github.com/edvin/onboarding/internal/db"
	"github.com/edvin/onboarding/internal/docstore"
	"github.com/edvin/onboarding/internal/engine"
	"github.com/edvin/onboarding/internal/gateway"
	"github.com/edvin/onboarding/internal/logging"
	"github.com/edvin/onboarding/internal/metrics"
)

const gatewayTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate("worker"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg)

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

	gw := gateway.NewHTTPGateway(logger, gateway.Endpoints{
		Quote:       cfg.QuoteServiceURL,
		Mandate:     cfg.MandateServiceURL,
		Sanctions:   cfg.SanctionsServiceURL,
		Procurement: cfg.ProcurementServiceURL,
	}, gatewayTimeout)

	eng := engine.New(logger, engine.Deps{
		Workflows: services.Workflow,
		Events:    services.Event,
		Decisions: services.Decision,
		Documents: services.Document,
		Objects:   documents,
		Gateway:   gw,
		Notifier:  engine.NewNotifier(logger, services.Notification),
		Policy:    policy,
		WorkerID:  cfg.WorkerID,
	})

	if cfg.MetricsListenAddr != "" {
		metricsSrv := metrics.NewServer(cfg.MetricsListenAddr)
		go func() {
			logger.Info().Str("addr", cfg.MetricsListenAddr).Msg("starting metrics server")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	runner := engine.NewRunner(logger, eng, policy)
	go func() {
		logger.Info().
			Str("worker_id", cfg.WorkerID).
			Int("concurrency", policy.Concurrency).
			Msg("starting workflow runner")
		if err := runner.Run(ctx); err != nil && err != context.Canceled {
			logger.Fatal().Err(err).Msg("runner failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down worker")
	cancel()
}
