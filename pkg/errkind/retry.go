package errkind

import (
	"context"
	"errors"
	"math"
	mathrand "math/rand"
	"time"

	"github.com/rs/zerolog"
)

// RetryConfig mirrors the backoff shape used across this module's I/O
// boundaries: base delay, cap, and an attempt ceiling.
type RetryConfig struct {
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration

	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
}

// DownloadRetryConfig is the policy for shard-builder download/indexer steps
// (spec §4.2): base 0.1s, cap 10s, up to 5 attempts.
func DownloadRetryConfig() RetryConfig {
	return RetryConfig{BaseDelay: 100 * time.Millisecond, MaxDelay: 10 * time.Second, MaxAttempts: 5}
}

// TransientRetryConfig is the general Transient-error policy (spec §7):
// 0.1-60s, 5-10 attempts.
func TransientRetryConfig() RetryConfig {
	return RetryConfig{BaseDelay: 100 * time.Millisecond, MaxDelay: 60 * time.Second, MaxAttempts: 8}
}

// Backoff computes the exponential-jitter delay for the given 0-indexed
// attempt number (0 is the first retry, i.e. after the first failed call).
func Backoff(cfg RetryConfig, attempt int) time.Duration {
	if attempt < 0 {
		return 0
	}

	delay := float64(cfg.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	//nolint:gosec // jitter does not need crypto-grade randomness
	jitter := mathrand.Float64() * delay

	return time.Duration(jitter)
}

// Do retries fn up to cfg.MaxAttempts times, sleeping Backoff between
// attempts, as long as fn's error classifies as Transient or RateLimited.
// Any other error (or ChecksumMismatch specifically) returns immediately.
func Do(ctx context.Context, cfg RetryConfig, fn func(attempt int) error) error {
	var lastErr error

	for attempt := range cfg.MaxAttempts {
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}

		if errors.Is(lastErr, ChecksumMismatch) {
			return lastErr
		}

		if !errors.Is(lastErr, Transient) && !errors.Is(lastErr, RateLimited) {
			return lastErr
		}

		if attempt == cfg.MaxAttempts-1 {
			break
		}

		delay := Backoff(cfg, attempt)

		zerolog.Ctx(ctx).Debug().
			Err(lastErr).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("retrying after transient error")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return lastErr
}
