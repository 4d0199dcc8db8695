package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/onboarding/internal/config"
	"github.com/edvin/onboarding/internal/gateway"
	"github.com/edvin/onboarding/internal/metrics"
)

// RetriesExhaustedError is returned when an external call fails transiently
// on every attempt the policy allows.
type RetriesExhaustedError struct {
	Service  string
	Attempts int
	Err      error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("%s: retries exhausted after %d attempts: %v", e.Service, e.Attempts, e.Err)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.Err }

// ExecuteWithRetry runs op under the policy's attempt budget with exponential
// backoff. Only transient failures are retried; permanent and invalid
// responses return immediately. The caller's idempotency key rides on ctx, so
// every attempt of one logical call carries the same key.
func ExecuteWithRetry(ctx context.Context, logger zerolog.Logger, service string, policy config.RetryPolicy, op func(context.Context) error) error {
	interval := policy.InitialInterval
	if interval <= 0 {
		interval = time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaximumAttempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !gateway.IsTransient(lastErr) {
			return lastErr
		}
		if attempt == policy.MaximumAttempts {
			break
		}

		logger.Warn().Err(lastErr).Str("service", service).Int("attempt", attempt).
			Dur("backoff", interval).Msg("transient failure, retrying")
		metrics.CountRetryAttempt(service)

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		interval = time.Duration(float64(interval) * policy.BackoffCoefficient)
		if policy.MaximumInterval > 0 && interval > policy.MaximumInterval {
			interval = policy.MaximumInterval
		}
	}

	return &RetriesExhaustedError{Service: service, Attempts: policy.MaximumAttempts, Err: lastErr}
}
