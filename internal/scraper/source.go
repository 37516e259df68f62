// Package scraper defines the shared scrape pipeline: fetch with retry
// and protocol fallback, validate, persist. Concrete data domains
// supply only the four capability operations; the orchestration lives
// here once.
package scraper

import (
	"context"

	"github.com/openparl/commons-tracker/internal/anomaly"
)

// Source is the capability set a concrete scraper implements. The
// pipeline calls FetchPrimary (with retry), Validate (pure), then
// Persist per unit, continuing past per-unit persistence errors.
type Source[T any] interface {
	// Name identifies the scraper in logs, metrics, and anomalies.
	Name() string
	// FetchPrimary retrieves the batch from the structured endpoint.
	// Transient failures are retried by the pipeline, not the source.
	FetchPrimary(ctx context.Context) ([]T, error)
	// Validate inspects the fetched batch and reports anomalies. It
	// must be pure: anomalies are advisory and never block persistence.
	Validate(units []T) Validation
	// Persist upserts one unit by its natural external key.
	Persist(ctx context.Context, unit T) error
}

// FallbackSource is the optional capability of fetching the same batch
// from an alternate protocol (HTML scrape, possibly browser-rendered)
// after the primary endpoint exhausts its retries.
type FallbackSource[T any] interface {
	Source[T]
	FetchFallback(ctx context.Context) ([]T, error)
}

// Validation is the outcome of a source's validate step.
type Validation struct {
	Anomalies []anomaly.Anomaly
}

// Valid reports whether validation raised no findings.
func (v Validation) Valid() bool {
	return len(v.Anomalies) == 0
}

// Add appends a finding.
func (v *Validation) Add(a anomaly.Anomaly) {
	v.Anomalies = append(v.Anomalies, a)
}
