package proc

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"os/exec"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryConfig defines retry behavior for native scheduler tool invocations.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig returns sensible retry defaults
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		InitialDelay:  1 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
	}
}

// RetryingRunner wraps a Runner and retries invocations that fail to execute
// at all (tool missing from PATH is permanent; anything else is treated as
// transient). A tool that runs and exits non-zero is a result, never retried.
type RetryingRunner struct {
	inner Runner
	cfg   RetryConfig
}

func NewRetryingRunner(inner Runner, cfg RetryConfig) *RetryingRunner {
	if inner == nil {
		inner = NewRunner()
	}
	return &RetryingRunner{inner: inner, cfg: cfg}
}

func (r *RetryingRunner) Run(ctx context.Context, argv ...string) (Result, error) {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		res, err := r.inner.Run(ctx, argv...)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if errors.Is(err, exec.ErrNotFound) || ctx.Err() != nil {
			break
		}
		if attempt < r.cfg.MaxRetries {
			delay := r.calculateDelay(attempt)
			log.Warn().
				Err(err).
				Int("attempt", attempt+1).
				Int("max_retries", r.cfg.MaxRetries).
				Dur("delay", delay).
				Str("tool", argv[0]).
				Msg("tool invocation failed, retrying")
			select {
			case <-ctx.Done():
				return Result{}, lastErr
			case <-time.After(delay):
			}
		}
	}
	return Result{}, lastErr
}

// calculateDelay calculates exponential backoff delay with jitter
func (r *RetryingRunner) calculateDelay(attempt int) time.Duration {
	delay := float64(r.cfg.InitialDelay) * math.Pow(r.cfg.BackoffFactor, float64(attempt))

	// jitter of up to 25% either way
	jitter := delay * 0.25 * (2*rand.Float64() - 1)
	delay += jitter

	if delay > float64(r.cfg.MaxDelay) {
		delay = float64(r.cfg.MaxDelay)
	}
	return time.Duration(delay)
}
