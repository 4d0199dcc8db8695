package logging

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/edvin/onboarding/internal/config"
)

// NewLogger creates the structured zerolog.Logger shared by a process.
// Service and worker identity are attached once here so every component
// inherits them.
func NewLogger(cfg *config.Config) zerolog.Logger {
	ctx := zerolog.New(os.Stdout).With().Timestamp()

	if cfg.ServiceName != "" {
		ctx = ctx.Str("service", cfg.ServiceName)
	}
	if cfg.WorkerID != "" {
		ctx = ctx.Str("worker_id", cfg.WorkerID)
	}

	logger := ctx.Logger()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	return logger.Level(level)
}
