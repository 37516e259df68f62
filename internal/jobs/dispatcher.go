package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openparl/commons-tracker/internal/errtrack"
	"github.com/openparl/commons-tracker/internal/metrics"
)

// DispatcherConfig controls polling and retry behavior.
type DispatcherConfig struct {
	PollInterval time.Duration
	Concurrency  int
	MaxAttempts  int
	RetryBackoff time.Duration
}

// Dispatcher polls the queue and fans claimed jobs out to a bounded
// worker pool. Shutdown stops claiming and drains in-flight jobs.
type Dispatcher struct {
	queue    Queue
	registry *Registry
	reporter errtrack.Reporter
	cfg      DispatcherConfig
	logger   *zap.Logger

	slots chan struct{}
	wg    sync.WaitGroup
}

// NewDispatcher wires a Dispatcher.
func NewDispatcher(queue Queue, registry *Registry, reporter errtrack.Reporter, cfg DispatcherConfig, logger *zap.Logger) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 5 * time.Minute
	}
	return &Dispatcher{
		queue:    queue,
		registry: registry,
		reporter: reporter,
		cfg:      cfg,
		logger:   logger,
		slots:    make(chan struct{}, cfg.Concurrency),
	}
}

// Run blocks, polling for due jobs until the context finishes, then
// drains in-flight jobs.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			d.logger.Info("dispatcher drained")
			return
		case <-ticker.C:
			d.poll(ctx)
		}
	}
}

func (d *Dispatcher) poll(ctx context.Context) {
	free := d.cfg.Concurrency - len(d.slots)
	if free <= 0 {
		return
	}
	claimed, err := d.queue.Claim(ctx, free)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Error("claim jobs failed", zap.Error(err))
		}
		return
	}
	for _, job := range claimed {
		d.slots <- struct{}{}
		d.wg.Add(1)
		go func(job Job) {
			defer d.wg.Done()
			defer func() { <-d.slots }()
			// A claimed job runs to completion during shutdown and
			// must still record its outcome, so neither the handler
			// nor the queue bookkeeping sees the poll cancellation.
			d.execute(context.WithoutCancel(ctx), job)
		}(job)
	}
}

// execute runs one job through its handler, owning the job boundary:
// panics become failures, failures consult the attempt limit, and
// completions are recorded back to the queue.
func (d *Dispatcher) execute(ctx context.Context, job Job) {
	logger := d.logger.With(
		zap.String("task", job.TaskName),
		zap.Int64("job_id", job.ID),
		zap.String("job_key", job.JobKey),
		zap.Int("attempt", job.Attempts),
	)

	metrics.WorkerStarted()
	defer metrics.WorkerFinished()
	start := time.Now()

	err := d.runHandler(ctx, job, logger)
	if err == nil {
		metrics.ObserveJob(job.TaskName, "ok", time.Since(start))
		if cErr := d.queue.Complete(ctx, job.ID); cErr != nil {
			logger.Error("complete job failed", zap.Error(cErr))
		}
		return
	}

	logger.Error("job failed", zap.Error(err))
	d.reporter.CaptureError(err, map[string]string{
		"task":    job.TaskName,
		"job_key": job.JobKey,
	})

	if job.Attempts+1 >= d.cfg.MaxAttempts {
		metrics.ObserveJob(job.TaskName, "failed", time.Since(start))
		if fErr := d.queue.Fail(ctx, job.ID, err.Error()); fErr != nil {
			logger.Error("mark job failed errored", zap.Error(fErr))
		}
		return
	}

	metrics.ObserveJob(job.TaskName, "retried", time.Since(start))
	retryAt := time.Now().UTC().Add(d.cfg.RetryBackoff << job.Attempts)
	if rErr := d.queue.Retry(ctx, job.ID, retryAt, err.Error()); rErr != nil {
		logger.Error("requeue job failed", zap.Error(rErr))
	}
}

func (d *Dispatcher) runHandler(ctx context.Context, job Job, logger *zap.Logger) (err error) {
	handler, ok := d.registry.Lookup(job.TaskName)
	if !ok {
		return fmt.Errorf("no handler registered for task %q", job.TaskName)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", job.TaskName, r)
		}
	}()

	ec := ExecContext{
		Job:      job,
		Logger:   logger,
		Enqueue:  d.queue.Enqueue,
		Schedule: d.queue.ScheduleReplace,
	}
	return handler.Handle(ctx, ec)
}
