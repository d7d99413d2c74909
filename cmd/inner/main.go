package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/cattle4808/aianswer/config"
	"github.com/cattle4808/aianswer/core"
	"github.com/cattle4808/aianswer/dblayer"
	"github.com/cattle4808/aianswer/handlers"
	"github.com/cattle4808/aianswer/logging"
	"github.com/cattle4808/aianswer/queue"
	"github.com/cattle4808/aianswer/solver"
	"github.com/cattle4808/aianswer/storage"
)

func main() {
	listen := flag.String("l", "", "Internal listen address (overrides PROJECT_INNER_ADDR)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *listen != "" {
		cfg.Project.InnerAddr = *listen
	}

	zl, err := logging.New(cfg.Project.Debug)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer zl.Sync()
	logger := zl.Sugar().Named("inner")

	if err := run(cfg, logger); err != nil {
		logger.Fatalw("worker stopped", "error", err)
	}
}

func run(cfg *config.Config, logger *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := logging.SetupOTelSDK(ctx, cfg.Project.OtelStdout)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			logger.Warnw("otel shutdown", "error", err)
		}
	}()

	if cfg.App.OpenAIAPIKey == "" {
		logger.Warn("APP_OPENAI_API_KEY is not set, every job will fail with ai_failed")
	}

	// 1. Database
	store, err := dblayer.Open(ctx, cfg.DSN())
	if err != nil {
		return errors.Wrap(err, "failed to connect to database")
	}
	defer store.Close()

	// 2. Postgres listener
	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warnw("listener error", "event", ev, "error", err)
		}
	}
	listener := pq.NewListener(cfg.BrokerDSN(), 10*time.Second, time.Minute, reportProblem)
	if err := listener.Listen(dblayer.NotifyChannelSolveJobs); err != nil {
		return errors.Wrap(err, "listen "+dblayer.NotifyChannelSolveJobs)
	}
	defer listener.Close()

	workerID := uuid.New().String()
	metrics, err := logging.NewMetrics(workerID)
	if err != nil {
		return err
	}

	// 3. Producer
	producer := core.NewProducer(
		store,
		storage.NewOS(cfg.DB.MediaRoot, cfg.DB.ChecksSubdir),
		solver.NewClient(solver.Config{
			APIKey:  cfg.App.OpenAIAPIKey,
			Model:   cfg.App.OpenAIModel,
			BaseURL: cfg.App.OpenAIBaseURL,
			Timeout: cfg.App.SolverTimeout,
			Logger:  logger.Named("solver"),
		}),
		core.Limits{Soft: cfg.Worker.SoftTimeLimit, Hard: cfg.Worker.HardTimeLimit},
		metrics,
		logger.Named("producer"),
	)

	// 4. Processor, dispatcher and cron
	proc := queue.NewProcessor(cfg.Worker.QueueSize, cfg.Worker.PoolSize, logger)
	proc.Start(ctx)

	staleAfter := 2 * cfg.Worker.HardTimeLimit
	cron := queue.NewCronScheduler(proc, logger)
	cron.RegisterJob(time.Minute, queue.NewReleaseStaleJob(store, producer, staleAfter, cfg.Worker.MaxAttempts, logger))
	cron.RegisterJob(time.Minute, queue.NewRequeueOrphanJob(store, time.Minute, logger))
	cron.Start()

	dispatchCtx, cancelDispatch := context.WithCancel(ctx)
	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		queue.NewDispatcher(store, proc, producer, workerID, cfg.Worker.PollInterval, listener.Notify, metrics, logger).Run(dispatchCtx)
	}()

	// 5. Internal API
	if !cfg.Project.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", handlers.Health(store))
	router.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/health"},
	}))
	router.GET("/api/stats", handlers.Stats(metrics, store))

	srv := &http.Server{
		Addr:    cfg.Project.InnerAddr,
		Handler: otelhttp.NewHandler(router, "worker-api-server"),
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Infow("inner gateway listening", "addr", cfg.Project.InnerAddr, "worker_id", workerID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case err := <-serverErr:
		runErr = errors.Wrap(err, "listen")
	case <-ctx.Done():
		logger.Info("shutting down worker gracefully")
	}

	// Stop producing work before the processor closes its queue.
	cron.Stop()
	cancelDispatch()
	<-dispatched

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		runErr = errors.CombineErrors(runErr, err)
	}
	if err := proc.Close(); err != nil {
		runErr = errors.CombineErrors(runErr, err)
	}
	return runErr
}
