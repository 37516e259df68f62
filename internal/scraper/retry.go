package scraper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/openparl/commons-tracker/internal/metrics"
)

// Retryer runs fetch attempts with exponential backoff. Delays double
// from the base on every attempt, capped at max. Transient network,
// HTTP, and parse failures all retry; context cancellation does not.
type Retryer struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewRetryer builds a Retryer. maxAttempts counts the first try, so 3
// means one try plus two retries.
func NewRetryer(maxAttempts int, baseDelay, maxDelay time.Duration) *Retryer {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	if maxDelay <= 0 {
		maxDelay = time.Minute
	}
	return &Retryer{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		sleep:       sleepCtx,
	}
}

// Backoff returns the wait duration before attempt n (zero-based), so
// attempt 1 waits the base delay, attempt 2 twice that, and so on.
func (r *Retryer) Backoff(attempt int) time.Duration {
	delay := r.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= r.maxDelay {
			return r.maxDelay
		}
	}
	return delay
}

// retryable reports whether the error should be retried.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// Do runs fn up to the attempt bound, sleeping the backoff between
// attempts. The name labels retry metrics and log lines.
func (r *Retryer) Do(ctx context.Context, logger *zap.Logger, name string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		if attempt > 1 {
			metrics.ObserveFetchRetry(name)
			if err := r.sleep(ctx, r.Backoff(attempt-1)); err != nil {
				return err
			}
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
		logger.Warn("fetch attempt failed",
			zap.String("source", name),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", r.maxAttempts),
			zap.Error(lastErr),
		)
	}
	return fmt.Errorf("%s: %d attempts exhausted: %w", name, r.maxAttempts, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
