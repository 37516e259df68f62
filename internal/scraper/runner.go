package scraper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/openparl/commons-tracker/internal/anomaly"
	"github.com/openparl/commons-tracker/internal/metrics"
)

// Runner holds the shared machinery every concrete scraper runs on:
// retry policy, courtesy rate limiting, anomaly recording, logging.
type Runner struct {
	Retryer   *Retryer
	Limiter   *Limiter
	Anomalies anomaly.Store
	Logger    *zap.Logger
}

// NewRunner wires a Runner.
func NewRunner(retryer *Retryer, limiter *Limiter, anomalies anomaly.Store, logger *zap.Logger) *Runner {
	return &Runner{
		Retryer:   retryer,
		Limiter:   limiter,
		Anomalies: anomalies,
		Logger:    logger,
	}
}

// Fetch retries fn with backoff, then, when the source offers one,
// tries fallback once. Used both for whole batches and for single
// units inside iterating sources, so one unit's fallback failure never
// aborts its siblings.
func Fetch[T any](
	ctx context.Context,
	r *Runner,
	name string,
	primary func(ctx context.Context) ([]T, error),
	fallback func(ctx context.Context) ([]T, error),
) (units []T, usedFallback bool, err error) {
	err = r.Retryer.Do(ctx, r.Logger, name, func(ctx context.Context) error {
		var fetchErr error
		units, fetchErr = primary(ctx)
		return fetchErr
	})
	if err == nil {
		return units, false, nil
	}
	if fallback == nil || ctx.Err() != nil {
		return nil, false, err
	}

	r.Logger.Warn("primary exhausted, trying fallback",
		zap.String("source", name), zap.Error(err))
	units, fbErr := fallback(ctx)
	if fbErr != nil {
		metrics.ObserveFallback(name, "failed")
		return nil, false, fmt.Errorf("primary: %v; fallback: %w", err, fbErr)
	}
	metrics.ObserveFallback(name, "ok")
	return units, true, nil
}

// Run executes the full pipeline for one source: fetch (with fallback
// when the source provides it), validate, record anomalies, persist
// unit by unit. Per-unit persistence errors are logged and skipped;
// only a total fetch failure fails the run.
func Run[T any](ctx context.Context, r *Runner, src Source[T], jobID string) (Report, error) {
	report := Report{Source: src.Name()}
	logger := r.Logger.With(zap.String("source", src.Name()), zap.String("job_id", jobID))

	var fallback func(ctx context.Context) ([]T, error)
	if fb, ok := src.(FallbackSource[T]); ok {
		fallback = fb.FetchFallback
	}

	units, usedFallback, err := Fetch(ctx, r, src.Name(), src.FetchPrimary, fallback)
	if err != nil {
		metrics.ObserveScrapeRun(src.Name(), "failed")
		return report, fmt.Errorf("fetch %s: %w", src.Name(), err)
	}
	report.UsedFallback = usedFallback
	logger.Info("batch fetched", zap.Int("units", len(units)), zap.Bool("fallback", usedFallback))

	validation := src.Validate(units)
	for _, a := range validation.Anomalies {
		a.JobID = jobID
		if _, recErr := r.Anomalies.Record(ctx, a); recErr != nil {
			// Anomalies are advisory; a failed write must not stop the run.
			logger.Error("record anomaly failed", zap.String("type", a.Type), zap.Error(recErr))
			continue
		}
		metrics.ObserveAnomaly(a.ScraperName, string(a.Severity))
		report.Anomalies++
	}

	for _, unit := range units {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		outcome := persistUnit(ctx, src, unit)
		report.Record(outcome)
		metrics.ObserveScrapeUnit(src.Name(), string(outcome.Kind))
		switch outcome.Kind {
		case OutcomeSkipped:
			logger.Debug("unit skipped", zap.String("key", outcome.Key), zap.String("reason", outcome.Reason))
		case OutcomeFailed:
			logger.Error("unit persist failed", zap.String("key", outcome.Key), zap.Error(outcome.Err))
		}
	}

	logger.Info("run complete",
		zap.Int("persisted", report.Persisted),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Int("anomalies", report.Anomalies),
	)
	metrics.ObserveScrapeRun(src.Name(), "ok")
	return report, nil
}

// persistUnit maps a Persist call to an outcome value. Sources signal a
// deliberate skip by returning ErrSkipUnit-wrapped errors.
func persistUnit[T any](ctx context.Context, src Source[T], unit T) Outcome {
	err := src.Persist(ctx, unit)
	key := unitKey(unit)
	if err == nil {
		return Ok(key)
	}
	var skip *SkipError
	if errors.As(err, &skip) {
		return Skipped(key, skip.Reason)
	}
	return Failed(key, err)
}

// Keyed lets units expose their natural key for outcome reporting.
type Keyed interface {
	NaturalKey() string
}

func unitKey(unit any) string {
	if k, ok := unit.(Keyed); ok {
		return k.NaturalKey()
	}
	return ""
}

// SkipError marks a unit the source chose not to persist, such as a
// committee row whose member cannot be resolved.
type SkipError struct {
	Reason string
}

func (e *SkipError) Error() string {
	return "unit skipped: " + e.Reason
}

// Skip builds a SkipError.
func Skip(reason string) *SkipError {
	return &SkipError{Reason: reason}
}

// WaitUnit applies the courtesy delay before the next per-unit external
// call. Sources iterating many units call this between fetches.
func (r *Runner) WaitUnit(ctx context.Context) error {
	return r.Limiter.Wait(ctx)
}

// UnitTimeout derives a per-call context with the fetch timeout.
func UnitTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
