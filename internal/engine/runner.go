package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/edvin/onboarding/internal/config"
)

// Runner is the worker loop: it polls for runnable instances and fans them
// out to Advance with bounded parallelism, and sweeps decision deadlines.
// Instances are still serialized individually by the lease, so running
// multiple Runners (or multiple workers) is safe.
type Runner struct {
	logger zerolog.Logger
	engine *Engine
	policy *config.Policy
}

func NewRunner(logger zerolog.Logger, engine *Engine, policy *config.Policy) *Runner {
	return &Runner{
		logger: logger.With().Str("component", "runner").Logger(),
		engine: engine,
		policy: policy,
	}
}

// Run blocks until ctx is canceled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info().
		Dur("poll_interval", r.policy.PollInterval).
		Dur("sweep_interval", r.policy.SweepInterval).
		Int("concurrency", r.policy.Concurrency).
		Msg("runner started")

	poll := time.NewTicker(r.policy.PollInterval)
	defer poll.Stop()
	sweep := time.NewTicker(r.policy.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("runner stopping")
			return ctx.Err()
		case <-poll.C:
			if err := r.pollOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error().Err(err).Msg("poll pass failed")
			}
		case <-sweep.C:
			if err := r.engine.SweepExpired(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error().Err(err).Msg("deadline sweep failed")
			}
		}
	}
}

func (r *Runner) pollOnce(ctx context.Context) error {
	ids, err := r.engine.workflows.ListRunnable(ctx, r.policy.Concurrency*4)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	g := new(errgroup.Group)
	g.SetLimit(r.policy.Concurrency)
	for _, id := range ids {
		g.Go(func() error {
			if err := r.engine.Advance(ctx, id); err != nil {
				r.logger.Error().Err(err).Str("workflow_id", id).Msg("advance failed")
			}
			return nil
		})
	}
	return g.Wait()
}
