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

	"github.com/edvin/onboarding/internal/config"
	"github.com/edvin/onboarding/internal/core"
	"github.com/edvin/onboarding/internal/db"
	"github.com/edvin/onboarding/internal/engine"
	"github.com/edvin/onboarding/internal/logging"
	"github.com/edvin/onboarding/internal/mcpserver"
)

func main() {
	addr := flag.String("addr", ":8091", "Listen address")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate("mcp-server"); err != nil {
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

	services := core.NewServices(pool)

	// Tool calls only touch the gatekeeper surface, which never reaches a
	// gateway or the object store.
	eng := engine.New(logger, engine.Deps{
		Workflows: services.Workflow,
		Events:    services.Event,
		Decisions: services.Decision,
		Documents: services.Document,
		Notifier:  engine.NewNotifier(logger, services.Notification),
		Policy:    policy,
		WorkerID:  cfg.WorkerID,
	})

	srv := mcpserver.New(logger, services, eng)

	if envAddr := os.Getenv("MCP_ADDR"); envAddr != "" {
		*addr = envAddr
	}

	httpServer := &http.Server{
		Addr:         *addr,
		Handler:      srv,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info().Str("addr", *addr).Msg("MCP server starting")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-done
	logger.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
}
