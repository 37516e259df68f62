// Package jobs implements the durable, polled work queue that drives
// all ingestion, scoring, and digest work. Jobs are keyed by stable,
// idempotent job keys; scheduling under an existing key replaces the
// pending instance instead of duplicating it.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Job is one row in the durable queue.
type Job struct {
	ID       int64
	JobKey   string // empty for ad-hoc chained jobs
	TaskName string
	RunAt    time.Time
	Payload  json.RawMessage
	Attempts int
}

// Queue is the durable store behind the dispatcher. All cross-process
// coordination happens through it; there are no in-process locks.
type Queue interface {
	// ScheduleReplace upserts the pending job under key, replacing any
	// existing pending instance ("jobKeyMode=replace").
	ScheduleReplace(ctx context.Context, key, taskName string, payload any, runAt time.Time) error
	// Enqueue adds an ad-hoc job with no key, used for chaining.
	Enqueue(ctx context.Context, taskName string, payload any, runAt time.Time) error
	// Claim atomically marks up to limit due jobs running and returns
	// them. Concurrent claimers never receive the same job.
	Claim(ctx context.Context, limit int) ([]Job, error)
	// Complete removes a finished job.
	Complete(ctx context.Context, jobID int64) error
	// Retry returns a failed job to pending with a new run time.
	Retry(ctx context.Context, jobID int64, runAt time.Time, errText string) error
	// Fail marks a job permanently failed after its attempts ran out.
	Fail(ctx context.Context, jobID int64, errText string) error
}

// ExecContext is handed to a handler for one execution: its job row,
// a scoped logger, and explicit enqueue/schedule capabilities.
type ExecContext struct {
	Job      Job
	Logger   *zap.Logger
	Enqueue  func(ctx context.Context, taskName string, payload any, runAt time.Time) error
	Schedule func(ctx context.Context, key, taskName string, payload any, runAt time.Time) error
}

// Handler executes one task type.
type Handler interface {
	Task() string
	Handle(ctx context.Context, ec ExecContext) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc struct {
	Name string
	Fn   func(ctx context.Context, ec ExecContext) error
}

// Task implements Handler.
func (h HandlerFunc) Task() string { return h.Name }

// Handle implements Handler.
func (h HandlerFunc) Handle(ctx context.Context, ec ExecContext) error {
	return h.Fn(ctx, ec)
}

// Registry maps task names to handlers.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

// Register adds a handler; duplicate task names are a programming error.
func (r *Registry) Register(h Handler) error {
	if _, exists := r.handlers[h.Task()]; exists {
		return fmt.Errorf("handler for task %q already registered", h.Task())
	}
	r.handlers[h.Task()] = h
	return nil
}

// MustRegister is Register for wiring code that cannot continue anyway.
func (r *Registry) MustRegister(h Handler) {
	if err := r.Register(h); err != nil {
		panic(err)
	}
}

// Lookup resolves a task name.
func (r *Registry) Lookup(task string) (Handler, bool) {
	h, ok := r.handlers[task]
	return h, ok
}
