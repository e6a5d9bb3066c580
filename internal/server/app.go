// Package server builds the application's dependency graph and runs it as an
// HTTP service, a Lambda function or a one-shot command.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/review-scrape-orchestrator/internal/api"
	"github.com/JakeFAU/review-scrape-orchestrator/internal/archive/gcs"
	memoryarchive "github.com/JakeFAU/review-scrape-orchestrator/internal/archive/memory"
	"github.com/JakeFAU/review-scrape-orchestrator/internal/clock/system"
	"github.com/JakeFAU/review-scrape-orchestrator/internal/config"
	"github.com/JakeFAU/review-scrape-orchestrator/internal/dispatcher"
	"github.com/JakeFAU/review-scrape-orchestrator/internal/id/uuid"
	"github.com/JakeFAU/review-scrape-orchestrator/internal/jobrunner/apify"
	"github.com/JakeFAU/review-scrape-orchestrator/internal/lambda"
	"github.com/JakeFAU/review-scrape-orchestrator/internal/metrics"
	"github.com/JakeFAU/review-scrape-orchestrator/internal/orchestrator"
	memorypublisher "github.com/JakeFAU/review-scrape-orchestrator/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/review-scrape-orchestrator/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/review-scrape-orchestrator/internal/queue/memory"
	queuesqs "github.com/JakeFAU/review-scrape-orchestrator/internal/queue/sqs"
	"github.com/JakeFAU/review-scrape-orchestrator/internal/ratelimit"
	"github.com/JakeFAU/review-scrape-orchestrator/internal/scrape"
	"github.com/JakeFAU/review-scrape-orchestrator/internal/status"
	"github.com/JakeFAU/review-scrape-orchestrator/internal/store/postgres"
	"github.com/JakeFAU/review-scrape-orchestrator/internal/store/rest"
	"github.com/JakeFAU/review-scrape-orchestrator/internal/worker"
)

// Mode selects how deferred execution is wired.
type Mode int

const (
	// ModeServer runs in-process workers (memory queue) or SQS pollers.
	ModeServer Mode = iota
	// ModeLambda only produces to SQS; a memory backend falls back to inline runs.
	ModeLambda
	// ModeOneShot never defers.
	ModeOneShot
)

type closer struct {
	name string
	fn   func() error
}

// App contains the application's dependencies.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	limiter      *ratelimit.Limiter
	gateway      scrape.Gateway
	orchestrator *orchestrator.Orchestrator
	reporter     *status.Reporter
	dispatch     *dispatcher.Dispatcher
	memQueue     *queuememory.Queue
	apiServer    *api.Server
	closers      []closer
}

// Build creates the application's dependencies for the given mode.
func Build(ctx context.Context, cfg config.Config, mode Mode, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	app := &App{
		cfg:     cfg,
		logger:  logger,
		limiter: ratelimit.New(ratelimit.Config{RPS: cfg.Outbound.MaxRPS, Burst: cfg.Outbound.Burst}),
	}
	app.logger.Info("building application dependencies",
		zap.String("store_backend", cfg.Store.Backend),
		zap.String("dispatch_backend", cfg.Dispatch.Backend),
		zap.String("archive_backend", cfg.Archive.Backend),
	)

	if err := app.setupStore(ctx); err != nil {
		app.closeAll()
		return nil, err
	}

	apifyTimeout := time.Duration(cfg.Apify.TimeoutSeconds) * time.Second
	runner := apify.New(apify.Config{
		Token:        cfg.Apify.Token,
		BaseURL:      cfg.Apify.BaseURL,
		ActorID:      cfg.Apify.ActorID,
		PollInterval: cfg.Apify.PollInterval,
		Timeout:      apifyTimeout,
		MaxWait:      cfg.Apify.MaxWait,
	}, ratelimit.Client(app.limiter, apifyTimeout), logger.Named("apify"))
	if !runner.HasCredential() {
		app.logger.Warn("apify token not configured; runs will fail until it is set")
	}

	archive, err := app.setupArchive(ctx)
	if err != nil {
		app.closeAll()
		return nil, err
	}
	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		app.closeAll()
		return nil, err
	}
	var deferred scrape.DeferredExecutor
	if err := app.setupDispatch(ctx, mode); err != nil {
		app.closeAll()
		return nil, err
	}
	if app.dispatch != nil {
		deferred = app.dispatch
	}

	app.orchestrator, err = orchestrator.New(orchestrator.Options{
		Runner:            runner,
		Store:             app.gateway,
		Deferred:          deferred,
		Archive:           archive,
		Publisher:         publisher,
		IDs:               uuid.New(),
		Clock:             system.New(),
		Logger:            logger,
		DefaultMaxReviews: cfg.Orchestrator.DefaultMaxReviews,
		ArchivePrefix:     cfg.Archive.Prefix,
	})
	if err != nil {
		app.closeAll()
		return nil, fmt.Errorf("orchestrator init failed: %w", err)
	}

	if mode == ModeServer && app.dispatch != nil {
		app.dispatch.AddWorkers(app.buildWorkers()...)
	}

	app.reporter = status.New(app.gateway, logger)
	app.apiServer = api.NewServer(app.orchestrator, app.reporter, api.Config{
		RequestTimeout: cfg.Server.RequestTimeout,
		Ready:          app.ready,
	}, logger)
	return app, nil
}

func (a *App) setupStore(ctx context.Context) error {
	switch a.cfg.Store.Backend {
	case config.StorePostgres:
		gw, err := postgres.New(ctx, postgres.Config{
			DSN:      a.cfg.Store.DSN,
			MaxConns: a.cfg.Store.MaxConns,
			Timeout:  a.cfg.Store.Timeout(),
		}, a.logger.Named("postgres"))
		if err != nil {
			return fmt.Errorf("postgres store init failed: %w", err)
		}
		a.gateway = gw
		a.closers = append(a.closers, closer{"postgres pool", func() error { gw.Close(); return nil }})
		a.logger.Info("using postgres store backend")
	default:
		a.gateway = rest.New(rest.Config{
			URL:     a.cfg.Store.URL,
			Key:     a.cfg.Store.Key,
			Timeout: a.cfg.Store.Timeout(),
		}, ratelimit.Client(a.limiter, a.cfg.Store.Timeout()), a.logger.Named("rest_store"))
		if !a.gateway.Configured() {
			a.logger.Warn("store URL or key not configured; requests will be rejected")
		}
		a.logger.Info("using REST store backend")
	}
	return nil
}

func (a *App) setupArchive(ctx context.Context) (scrape.Archive, error) {
	switch a.cfg.Archive.Backend {
	case config.ArchiveGCS:
		archive, err := gcs.Open(ctx, a.cfg.Archive.GCSBucket, a.logger)
		if err != nil {
			return nil, fmt.Errorf("gcs archive init failed: %w", err)
		}
		a.closers = append(a.closers, closer{"gcs client", archive.Close})
		a.logger.Info("using GCS archive", zap.String("bucket", a.cfg.Archive.GCSBucket))
		return archive, nil
	case config.ArchiveMemory:
		a.logger.Info("using in-memory archive")
		return memoryarchive.New(), nil
	default:
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (scrape.Publisher, error) {
	if a.cfg.PubSub.Topic == "" {
		a.logger.Info("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	pub, err := gcppublisher.Open(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.Topic, a.logger)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.closers = append(a.closers, closer{"pubsub publisher", pub.Close})
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.Topic),
	)
	return pub, nil
}

func (a *App) setupDispatch(ctx context.Context, mode Mode) error {
	if mode == ModeOneShot {
		return nil
	}
	switch a.cfg.Dispatch.Backend {
	case config.DispatchSQS:
		q, err := queuesqs.NewFromConfig(ctx, a.cfg.SQS.Region, a.cfg.SQS.QueueURL, a.logger)
		if err != nil {
			return fmt.Errorf("sqs queue init failed: %w", err)
		}
		a.dispatch = dispatcher.New(q, nil, a.cfg.Dispatch.EnqueueTimeout, a.logger)
		a.logger.Info("using SQS hand-off queue", zap.String("queue_url", a.cfg.SQS.QueueURL))
	default:
		if mode == ModeLambda {
			a.logger.Info("memory hand-off queue is not usable in Lambda; runs execute inline")
			return nil
		}
		a.memQueue = queuememory.NewQueue(a.cfg.Dispatch.QueueDepth)
		a.dispatch = dispatcher.New(a.memQueue, nil, a.cfg.Dispatch.EnqueueTimeout, a.logger)
		a.logger.Info("using in-memory hand-off queue", zap.Int("depth", a.cfg.Dispatch.QueueDepth))
	}
	return nil
}

func (a *App) buildWorkers() []*worker.Worker {
	var q scrape.Queue = a.memQueue
	if a.memQueue == nil {
		q = a.dispatch.Queue()
	}
	workers := make([]*worker.Worker, 0, a.cfg.Dispatch.Workers)
	for i := 0; i < a.cfg.Dispatch.Workers; i++ {
		workers = append(workers, worker.New(i, q, a.orchestrator, worker.Config{RunTimeout: a.cfg.Dispatch.RunTimeout}, a.logger))
	}
	a.logger.Info("deferred workers configured", zap.Int("count", len(workers)))
	return workers
}

func (a *App) ready(context.Context) error {
	if !a.gateway.Configured() {
		return errors.New("store not configured")
	}
	return nil
}

// Handler exposes the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Orchestrator exposes the attempt orchestrator.
func (a *App) Orchestrator() *orchestrator.Orchestrator {
	return a.orchestrator
}

// Lambda builds the Lambda event handler over the same dependencies.
func (a *App) Lambda() (*lambda.Handler, error) {
	h, err := lambda.New(a.apiServer.Handler(), a.orchestrator, a.logger)
	if err != nil {
		return nil, fmt.Errorf("lambda handler init failed: %w", err)
	}
	return h, nil
}

// Run starts the workers and the HTTP server and blocks until the context is
// canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		if a.dispatch != nil {
			a.logger.Info("dispatcher started")
			a.dispatch.Run(ctx)
		}
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

	a.drain(dispatchDone)
	return a.Close()
}

// abandonReason is recorded for hand-offs still queued at shutdown.
const abandonReason = "service shut down before run started"

// drain stops intake, waits for workers and any inline runs to finish, and
// marks queued hand-offs failed. Runs are bounded by the run timeout, so the
// wait is too.
func (a *App) drain(dispatchDone <-chan struct{}) {
	runTimeout := a.cfg.Dispatch.RunTimeout
	if runTimeout <= 0 {
		runTimeout = 10 * time.Second
	}
	waitCtx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	if a.memQueue != nil {
		a.memQueue.Close()
	}
	select {
	case <-dispatchDone:
	case <-waitCtx.Done():
		a.logger.Warn("workers still running at shutdown deadline")
	}
	if a.dispatch != nil {
		a.dispatch.Abandon(context.Background(), a.orchestrator, abandonReason)
	}
	if err := a.orchestrator.Wait(waitCtx); err != nil {
		a.logger.Warn("runs still in flight at shutdown deadline", zap.Error(err))
	}
}

// Close releases infrastructure clients in reverse construction order.
func (a *App) Close() error {
	a.closeAll()
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
		}
	}
	a.closers = nil
}
