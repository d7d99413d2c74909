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
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/cattle4808/aianswer/config"
	"github.com/cattle4808/aianswer/core"
	"github.com/cattle4808/aianswer/dblayer"
	"github.com/cattle4808/aianswer/handlers"
	"github.com/cattle4808/aianswer/logging"
	"github.com/cattle4808/aianswer/storage"
)

const maxUploadBytes = 20 << 20

func main() {
	listen := flag.String("l", "", "External listen address (overrides PROJECT_LISTEN)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *listen != "" {
		cfg.Project.Listen = *listen
	}

	zl, err := logging.New(cfg.Project.Debug)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer zl.Sync()
	logger := zl.Sugar().Named("outer")

	if err := run(cfg, logger); err != nil {
		logger.Fatalw("outer gateway stopped", "error", err)
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

	// 1. Database
	store, err := dblayer.Open(ctx, cfg.DSN())
	if err != nil {
		return errors.Wrap(err, "failed to connect to database")
	}
	defer store.Close()

	metrics, err := logging.NewMetrics("outer")
	if err != nil {
		return err
	}

	// 2. Components
	artifacts := storage.NewOS(cfg.DB.MediaRoot, cfg.DB.ChecksSubdir)
	issuer := core.NewIssuer(store, cfg, logger.Named("issuer"))
	admission := core.NewAdmission(store, cfg.Admission, metrics, logger.Named("admission"))
	intake := core.NewIntake(store, store, artifacts, cfg.App.MaxKeyAttempts, logger.Named("intake"))

	sh := handlers.NewScriptHandler(issuer, store)
	subh := handlers.NewSubmissionHandler(admission, intake, store, maxUploadBytes, logger)

	// 3. Router
	if !cfg.Project.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", handlers.Health(store))
	router.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/health"},
	}))
	handlers.RegisterRoutes(router, sh, subh, []byte(cfg.App.AdminJWTSecret))

	srv := &http.Server{
		Addr:    cfg.Project.Listen,
		Handler: otelhttp.NewHandler(router, "outer-gateway"),
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Infow("outer gateway listening", "addr", cfg.Project.Listen, "name", cfg.Project.Name, "version", cfg.Project.Version,
			"domain", cfg.App.Domain, "api_domain", cfg.App.APIDomain)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return errors.Wrap(err, "listen")
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received, closing server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
