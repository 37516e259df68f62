// Package app assembles the tracker's dependencies and runs the
// long-lived process: the job dispatcher plus the HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/openparl/commons-tracker/internal/api"
	"github.com/openparl/commons-tracker/internal/civiltime"
	"github.com/openparl/commons-tracker/internal/clock/system"
	"github.com/openparl/commons-tracker/internal/config"
	"github.com/openparl/commons-tracker/internal/digest"
	"github.com/openparl/commons-tracker/internal/errtrack"
	"github.com/openparl/commons-tracker/internal/id/uuid"
	"github.com/openparl/commons-tracker/internal/jobs"
	"github.com/openparl/commons-tracker/internal/mailer"
	"github.com/openparl/commons-tracker/internal/metrics"
	"github.com/openparl/commons-tracker/internal/scores"
	"github.com/openparl/commons-tracker/internal/scraper"
	"github.com/openparl/commons-tracker/internal/scraper/fetch"
	"github.com/openparl/commons-tracker/internal/scraper/sources"
	"github.com/openparl/commons-tracker/internal/storage/postgres"
	"github.com/openparl/commons-tracker/internal/tasks"

	"github.com/jackc/pgx/v5/pgxpool"
)

// App holds the assembled application.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	pool       *pgxpool.Pool
	queue      *postgres.JobQueue
	registry   *jobs.Registry
	dispatcher *jobs.Dispatcher
	apiServer  *api.Server
	renderer   *fetch.Renderer
	entries    map[string]jobs.ScheduledTask
	clock      *system.Clock
	rules      civiltime.Rules
}

// New connects to the database, applies the schema, and wires every
// component. The returned App owns the pool and renderer; call Close
// (or Run, which closes on shutdown) to release them.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	metrics.Init()

	pool, err := postgres.NewPool(ctx, postgres.Config{
		DSN:             cfg.DB.DSN,
		MaxConns:        cfg.DB.MaxConns,
		MinConns:        cfg.DB.MinConns,
		MaxConnLifetime: time.Duration(cfg.DB.MaxConnLifeMins) * time.Minute,
	})
	if err != nil {
		return nil, err
	}
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	rules, err := civiltime.ForZone(cfg.Schedules.Timezone)
	if err != nil {
		pool.Close()
		return nil, err
	}

	clk := system.New()
	reporter := errtrack.NewLogReporter(logger)

	memberStore := postgres.NewMemberStore(pool)
	activityStore := postgres.NewActivityStore(pool)
	anomalyStore := postgres.NewAnomalyStore(pool)
	scoreStore := postgres.NewScoreStore(pool)
	digestStore := postgres.NewDigestStore(pool)
	eventStore := postgres.NewEmailEventStore(pool)
	subStore := postgres.NewSubscriptionStore(pool)
	queue := postgres.NewJobQueue(pool)

	runner := scraper.NewRunner(
		scraper.NewRetryer(
			cfg.Scraper.MaxRetries,
			time.Duration(cfg.Scraper.BackoffInitialMs)*time.Millisecond,
			time.Duration(cfg.Scraper.BackoffMaxMs)*time.Millisecond,
		),
		scraper.NewLimiter(cfg.UnitDelay()),
		anomalyStore,
		logger,
	)

	fetchTimeout := cfg.FetchTimeout()
	clients := sources.Clients{
		XML:      fetch.NewXMLClient(fetch.XMLClientConfig{UserAgent: cfg.Scraper.UserAgent, Timeout: fetchTimeout}),
		HTML:     fetch.NewHTMLFetcher(fetch.HTMLFetcherConfig{UserAgent: cfg.Scraper.UserAgent, Timeout: fetchTimeout}),
		Detector: fetch.NewRenderDetector(0),
	}
	var renderer *fetch.Renderer
	if cfg.Headless.Enabled {
		renderer, err = fetch.NewRenderer(fetch.RendererConfig{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Scraper.UserAgent,
			NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
		})
		if err != nil {
			pool.Close()
			return nil, err
		}
		clients.Renderer = renderer
	}
	endpoints := sources.Endpoints{
		Commons:   cfg.Scraper.BaseURL,
		Petitions: cfg.Scraper.PetitionsBaseURL,
		Bills:     cfg.Scraper.BillsBaseURL,
	}

	sender := mailer.NewSMTPSender(mailer.Config{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Address:  cfg.SMTP.Address,
		Password: cfg.SMTP.Password,
		FromName: cfg.Digest.FromName,
	}, uuid.NewGenerator().NewID)
	digestRenderer, err := digest.NewRenderer()
	if err != nil {
		pool.Close()
		return nil, err
	}
	pipeline := digest.NewPipeline(
		subStore, memberStore, activityStore, digestStore,
		sender, digestRenderer, clk, rules, reporter,
		digest.Config{
			BatchSize:  cfg.Digest.BatchSize,
			BatchDelay: time.Duration(cfg.Digest.BatchDelayMs) * time.Millisecond,
		},
		logger,
	)

	registry := jobs.NewRegistry()
	schedules, err := parseSchedules(cfg.Schedules)
	if err != nil {
		pool.Close()
		return nil, err
	}
	entries := tasks.Register(registry, tasks.Deps{
		Runner:        runner,
		Members:       sources.NewMemberListSource(clients, endpoints, memberStore, clk),
		MemberDetails: sources.NewMemberDetailSource(clients, endpoints, memberStore, runner, fetchTimeout),
		Votes:         sources.NewVotesSource(clients, endpoints, memberStore, activityStore),
		Bills:         sources.NewBillsSource(clients, endpoints, memberStore, activityStore),
		Expenses:      sources.NewExpensesSource(clients, endpoints, memberStore, activityStore),
		Petitions:     sources.NewPetitionsSource(clients, endpoints, memberStore, activityStore),
		Committees:    sources.NewCommitteesSource(clients, endpoints, memberStore, activityStore),
		Scores:        scores.NewEngine(memberStore, activityStore, scoreStore, clk, logger),
		Digest:        pipeline,
		Clock:         clk,
		Rules:         rules,
		Logger:        logger,
	}, schedules)

	dispatcher := jobs.NewDispatcher(queue, registry, reporter, jobs.DispatcherConfig{
		PollInterval: time.Duration(cfg.Jobs.PollIntervalSeconds) * time.Second,
		Concurrency:  cfg.Jobs.Concurrency,
		MaxAttempts:  cfg.Jobs.MaxAttempts,
		RetryBackoff: time.Duration(cfg.Jobs.RetryBackoffMinutes) * time.Minute,
	}, logger)

	processor := digest.NewProcessor(digestStore, eventStore, subStore, logger)
	apiServer := api.NewServer(
		anomalyStore, scoreStore, memberStore, queue, registry, processor,
		pool.Ping,
		api.Config{
			AuthEnabled: cfg.Auth.Enabled,
			APIKey:      cfg.Auth.APIKey,
			Timeout:     60 * time.Second,
		},
		logger,
	)

	return &App{
		cfg:        cfg,
		logger:     logger,
		pool:       pool,
		queue:      queue,
		registry:   registry,
		dispatcher: dispatcher,
		apiServer:  apiServer,
		renderer:   renderer,
		entries:    entries,
		clock:      clk,
		rules:      rules,
	}, nil
}

func parseSchedules(cfg config.SchedulesConfig) (tasks.Schedules, error) {
	var (
		s   tasks.Schedules
		err error
	)
	parse := func(dst *civiltime.Schedule, raw, name string) {
		if err != nil {
			return
		}
		var sched civiltime.Schedule
		if sched, err = civiltime.ParseSchedule(raw); err != nil {
			err = fmt.Errorf("schedules.%s: %w", name, err)
			return
		}
		*dst = sched
	}
	parse(&s.Members, cfg.Members, "members")
	parse(&s.Votes, cfg.Votes, "votes")
	parse(&s.Bills, cfg.Bills, "bills")
	parse(&s.Expenses, cfg.Expenses, "expenses")
	parse(&s.Petitions, cfg.Petitions, "petitions")
	parse(&s.Committees, cfg.Committees, "committees")
	parse(&s.Scores, cfg.Scores, "scores")
	parse(&s.Digest, cfg.Digest, "digest")
	if err != nil {
		return tasks.Schedules{}, err
	}
	s.Digest = s.Digest.On(time.Weekday(cfg.DigestWeekday))
	return s, nil
}

// Queue exposes the durable queue for one-off enqueues from the CLI.
func (a *App) Queue() jobs.Queue { return a.queue }

// Registry exposes registered task names for the CLI.
func (a *App) Registry() *jobs.Registry { return a.registry }

// Run seeds the recurring schedule, starts the dispatcher and HTTP
// server, and blocks until the context is canceled or a signal
// arrives. It closes the App before returning.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := jobs.Bootstrap(ctx, a.queue, a.clock, a.rules, a.entries); err != nil {
		a.Close()
		return fmt.Errorf("seed recurring jobs: %w", err)
	}

	go func() {
		a.logger.Info("dispatcher started")
		a.dispatcher.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	a.Close()
	a.logger.Info("shutdown complete")
	return nil
}

// Close releases the renderer and the database pool.
func (a *App) Close() {
	if a.renderer != nil {
		a.renderer.Close()
	}
	a.pool.Close()
}
