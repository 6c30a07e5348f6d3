// Package server builds the application's dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/facility-crawler/internal/api"
	"github.com/JakeFAU/facility-crawler/internal/clock/system"
	"github.com/JakeFAU/facility-crawler/internal/config"
	"github.com/JakeFAU/facility-crawler/internal/crawler"
	"github.com/JakeFAU/facility-crawler/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/facility-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/facility-crawler/internal/fetcher/retry"
	"github.com/JakeFAU/facility-crawler/internal/hash/sha256"
	"github.com/JakeFAU/facility-crawler/internal/id/uuid"
	"github.com/JakeFAU/facility-crawler/internal/metrics"
	"github.com/JakeFAU/facility-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/facility-crawler/internal/progress"
	progresssinks "github.com/JakeFAU/facility-crawler/internal/progress/sinks"
	queueMemory "github.com/JakeFAU/facility-crawler/internal/queue/memory"
	gcsstorage "github.com/JakeFAU/facility-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/facility-crawler/internal/storage/local"
	memoryStorage "github.com/JakeFAU/facility-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/facility-crawler/internal/storage/postgres"
	redisstore "github.com/JakeFAU/facility-crawler/internal/storage/redis"
	"github.com/JakeFAU/facility-crawler/internal/worker"
)

const (
	shutdownTimeout    = 10 * time.Second
	forbiddenThreshold = 3
	archiveHashBytes   = 16
)

// App contains the application's dependencies.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	jobs         crawler.JobStore
	facilities   crawler.FacilityUpserter
	walker       *crawler.Walker
	progressHub  *progress.Hub
	orchestrator *worker.Orchestrator
	queue        *queueMemory.Queue
	dispatch     *dispatcher.Dispatcher
	apiServer    *api.Server
	checks       map[string]api.ReadyCheck
	closers      []namedCloser
}

type namedCloser struct {
	name string
	fn   func() error
}

// Build creates the application's dependencies. On error everything opened
// so far is closed again.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	return build(ctx, cfg, logger, prometheus.DefaultRegisterer)
}

func build(ctx context.Context, cfg config.Config, logger *zap.Logger, reg prometheus.Registerer) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	app := &App{
		cfg:    cfg,
		logger: logger,
		checks: map[string]api.ReadyCheck{},
	}
	defer func() {
		if err != nil {
			app.closeInfrastructure()
		}
	}()

	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("jobs_backend", cfg.Jobs.Backend),
		zap.String("persist_backend", cfg.Persist.Backend),
		zap.String("archive_backend", cfg.Archive.Backend),
	)

	if err = app.setupJobStore(ctx); err != nil {
		return nil, err
	}
	if err = app.setupFacilityStore(ctx); err != nil {
		return nil, err
	}
	archive, err := app.setupArchive(ctx)
	if err != nil {
		return nil, err
	}
	app.walker, err = NewWalker(cfg, archive, logger)
	if err != nil {
		return nil, err
	}
	if err = app.setupProgress(reg); err != nil {
		return nil, err
	}

	app.orchestrator = worker.NewOrchestrator(
		app.walker,
		app.jobs,
		app.facilities,
		app.progressHub,
		system.New(),
		OrchestratorConfig(cfg),
		logger.Named("orchestrator"),
	)

	app.queue = queueMemory.NewQueue(cfg.Crawler.QueueDepth)
	workers := make([]*worker.Worker, 0, cfg.Crawler.Workers)
	for i := range cfg.Crawler.Workers {
		workers = append(workers, worker.New(
			app.queue,
			app.orchestrator,
			logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	app.dispatch = dispatcher.New(app.queue, app.jobs, uuid.New(), system.New(), workers)

	apiKey := ""
	if cfg.Auth.Enabled {
		apiKey = cfg.Auth.APIKey
	}
	app.apiServer = api.NewServer(
		app.jobs,
		app.dispatch,
		app.walker,
		app.checks,
		api.Config{RequestTimeout: cfg.RequestTimeout(), APIKey: apiKey},
		logger,
	)
	return app, nil
}

// NewWalker builds the colly fetcher, the per-host limiter, the retry layer
// and the walker on top of them. archive may be nil.
func NewWalker(cfg config.Config, archive crawler.PageArchive, logger *zap.Logger) (*crawler.Walker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	single := collyfetcher.New(collyfetcher.Config{
		UserAgent:      cfg.HTTP.UserAgent,
		AcceptLanguage: cfg.HTTP.AcceptLanguage,
		RespectRobots:  cfg.HTTP.RespectRobots,
		Timeout:        cfg.FetchTimeout(),
	})
	limiter := ratelimit.New(ratelimit.Config{
		PerHostRPS:   cfg.HTTP.PerHostRPS,
		PerHostBurst: cfg.HTTP.PerHostBurst,
	})
	fetcher := retry.New(single, limiter, retry.Config{
		MaxRetries:   cfg.HTTP.MaxRetries,
		InitialDelay: config.Millis(cfg.HTTP.BackoffInitialMs),
		MaxDelay:     config.Millis(cfg.HTTP.BackoffMaxMs),
	})
	logger.Info("fetch layer configured",
		zap.String("user_agent", cfg.HTTP.UserAgent),
		zap.Bool("respect_robots", cfg.HTTP.RespectRobots),
		zap.Int("max_retries", cfg.HTTP.MaxRetries),
		zap.Float64("per_host_rps", cfg.HTTP.PerHostRPS),
	)

	var opts []crawler.WalkerOption
	if archive != nil {
		opts = append(opts, crawler.WithArchive(archive, sha256.NewTruncated(archiveHashBytes)))
	}
	walker, err := crawler.NewWalker(crawler.WalkerConfig{
		BaseURL:            cfg.Source.BaseURL,
		RegionPattern:      cfg.Source.RegionPattern,
		DistrictPattern:    cfg.Source.DistrictPattern,
		FacilityPattern:    cfg.Source.FacilityPattern,
		PageParam:          cfg.Source.PageParam,
		MaxPages:           cfg.Crawler.MaxPages,
		PageDelayMin:       config.Millis(cfg.Crawler.PageDelayMinMs),
		PageDelayMax:       config.Millis(cfg.Crawler.PageDelayMaxMs),
		ForbiddenThreshold: forbiddenThreshold,
		ArchivePrefix:      cfg.Archive.Prefix,
		ArchiveContentType: cfg.Archive.ContentType,
	}, fetcher, opts...)
	if err != nil {
		return nil, fmt.Errorf("walker init failed: %w", err)
	}
	return walker, nil
}

// OrchestratorConfig maps the crawler and persist sections onto the
// orchestrator's knobs.
func OrchestratorConfig(cfg config.Config) worker.Config {
	return worker.Config{
		ChunkSize:             cfg.Crawler.ChunkSize,
		BatchSize:             cfg.Crawler.BatchSize,
		DefaultMaxPerDistrict: cfg.Crawler.DefaultMaxPerDistrict,
		DistrictDelayMin:      config.Millis(cfg.Crawler.DistrictDelayMinMs),
		DistrictDelayMax:      config.Millis(cfg.Crawler.DistrictDelayMaxMs),
		ConflictKey:           cfg.Persist.ConflictKey,
		PersistAttempts:       cfg.Persist.MaxRetries,
		PersistBackoff:        config.Millis(cfg.Persist.BackoffMs),
	}
}

func (a *App) setupJobStore(ctx context.Context) error {
	switch a.cfg.Jobs.Backend {
	case "redis":
		store, closeFn, err := redisstore.Open(ctx, redisstore.Config{
			Addr:      a.cfg.Redis.Addr,
			Password:  a.cfg.Redis.Password,
			DB:        a.cfg.Redis.DB,
			KeyPrefix: a.cfg.Redis.KeyPrefix,
			MaxLogs:   a.cfg.Jobs.MaxLogEntries,
		})
		if err != nil {
			return fmt.Errorf("redis job store init failed: %w", err)
		}
		a.jobs = store
		a.checks["jobs"] = store.Ping
		a.closers = append(a.closers, namedCloser{name: "redis", fn: closeFn})
		a.logger.Info("using redis job store", zap.String("addr", a.cfg.Redis.Addr))
	default:
		a.jobs = memoryStorage.NewJobStore(a.cfg.Jobs.MaxLogEntries)
		a.logger.Info("using in-memory job store")
	}
	return nil
}

func (a *App) setupFacilityStore(ctx context.Context) error {
	switch a.cfg.Persist.Backend {
	case "postgres":
		store, err := pgstore.NewFacilityStore(ctx, pgstore.Config{
			DSN:      a.cfg.Database.DSN,
			Table:    a.cfg.Persist.Table,
			MaxConns: int32(min(a.cfg.Database.MaxConns, 1<<10)), //nolint:gosec // bounded above
		})
		if err != nil {
			return fmt.Errorf("facility store init failed: %w", err)
		}
		a.facilities = store
		a.checks["facilities"] = store.Ping
		a.closers = append(a.closers, namedCloser{name: "postgres", fn: func() error {
			store.Close()
			return nil
		}})
		if err := store.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("facility schema init failed: %w", err)
		}
		a.logger.Info("using postgres facility store", zap.String("table", a.cfg.Persist.Table))
	default:
		a.facilities = memoryStorage.NewFacilityStore()
		a.logger.Info("using in-memory facility store")
	}
	return nil
}

func (a *App) setupArchive(ctx context.Context) (crawler.PageArchive, error) {
	switch a.cfg.Archive.Backend {
	case "gcs":
		store, closeFn, err := gcsstorage.Open(ctx, gcsstorage.Config{
			Bucket: a.cfg.Archive.Bucket,
			Prefix: a.cfg.Archive.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs archive init failed: %w", err)
		}
		a.closers = append(a.closers, namedCloser{name: "gcs", fn: closeFn})
		a.logger.Info("archiving detail pages to gcs", zap.String("bucket", a.cfg.Archive.Bucket))
		return store, nil
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.Dir})
		if err != nil {
			return nil, fmt.Errorf("local archive init failed: %w", err)
		}
		a.logger.Info("archiving detail pages locally", zap.String("dir", a.cfg.Archive.Dir))
		return store, nil
	case "memory":
		a.logger.Info("archiving detail pages in memory")
		return memoryStorage.NewBlobStore(), nil
	default:
		a.logger.Debug("detail page archive disabled")
		return nil, nil
	}
}

func (a *App) setupProgress(reg prometheus.Registerer) error {
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("progress metrics init failed: %w", err)
	}
	sinkList := []progress.Sink{promSink}
	if a.cfg.Progress.LogSink {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   config.Millis(a.cfg.Progress.MaxBatchWaitMs),
		Logger:         a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Int("sinks", len(sinkList)),
	)
	return nil
}

// Jobs exposes the job store.
func (a *App) Jobs() crawler.JobStore { return a.jobs }

// Walker exposes the directory walker.
func (a *App) Walker() *crawler.Walker { return a.walker }

// Handler returns the HTTP API handler.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// RunJob registers a job for scope and runs it on the calling goroutine.
func (a *App) RunJob(ctx context.Context, scope crawler.CrawlScope) (string, worker.Summary, error) {
	scope, err := scope.Normalize()
	if err != nil {
		return "", worker.Summary{}, err
	}
	jobID, err := uuid.New().NewID()
	if err != nil {
		return "", worker.Summary{}, fmt.Errorf("new job id: %w", err)
	}
	job := crawler.JobState{
		ID:      jobID,
		Status:  crawler.JobStatusPending,
		DryRun:  scope.DryRun,
		Created: system.New().Now(),
	}
	if err := a.jobs.CreateJob(ctx, job); err != nil {
		return "", worker.Summary{}, fmt.Errorf("create job: %w", err)
	}
	summary, err := a.orchestrator.Run(ctx, jobID, scope)
	return jobID, summary, err
}

// Run starts the dispatcher and HTTP server and blocks until the context is
// canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Crawler.Workers))
		a.dispatch.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.queue.Close()
	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers still running at shutdown deadline")
	}
	a.Close(shutdownCtx)

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Close flushes progress events and releases every backend connection.
func (a *App) Close(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
		if dropped := a.progressHub.Dropped(); dropped > 0 {
			a.logger.Warn("progress events dropped", zap.Int64("count", dropped))
		}
	}
	a.closeInfrastructure()
	a.logger.Info("shutdown complete")
}

func (a *App) closeInfrastructure() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			a.logger.Warn("close failed", zap.String("backend", c.name), zap.Error(err))
		}
	}
	a.closers = nil
}
