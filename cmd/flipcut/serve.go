package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/flipcut/internal/api"
	"github.com/dunamismax/flipcut/internal/config"
	"github.com/dunamismax/flipcut/internal/logging"
	"github.com/dunamismax/flipcut/internal/pipeline"
	"github.com/dunamismax/flipcut/internal/queue"
	"github.com/dunamismax/flipcut/internal/ratelimit"
	"github.com/dunamismax/flipcut/internal/telemetry"
	"github.com/dunamismax/flipcut/internal/worker"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and, when ARTIFACT_TTL is set, the expiry worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func runServe(ctx context.Context, opts *rootOptions) error {
	cfg, err := config.Load(opts.envFile)
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  telemetry.DefaultServiceName,
		Exporter:     cfg.Trace.Exporter,
		OTLPEndpoint: cfg.Trace.OTLPEndpoint,
		OTLPInsecure: cfg.Trace.OTLPInsecure,
		SampleRatio:  cfg.Trace.SampleRatio,
	}, logger)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	if err := pipeline.Startup(); err != nil {
		return fmt.Errorf("start image runtime: %w", err)
	}
	defer pipeline.Shutdown()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	apiOpts := api.Options{
		Logger:            logger,
		Registry:          a.registry,
		CORSAllowedOrigin: cfg.HTTP.CORSAllowedOrigin,
		MaxUploadBytes:    cfg.Pipeline.MaxUploadBytes,
	}
	if cfg.RateLimit.Enabled {
		limiter, err := ratelimit.NewRedisTokenBucket(a.redis, cfg.RateLimit.Requests, cfg.RateLimit.Window, "")
		if err != nil {
			return fmt.Errorf("initialize rate limiter: %w", err)
		}
		apiOpts.RateLimiter = limiter
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.ExpiryEnabled() {
		queueClient, err := queue.NewClient(cfg.Redis.RedisClientOpt(), cfg.Queue.Name, cfg.Artifacts.TTL)
		if err != nil {
			return fmt.Errorf("initialize expiry queue: %w", err)
		}
		defer func() {
			if err := queueClient.Close(); err != nil {
				logger.Warn("queue client close failed", zap.Error(err))
			}
		}()
		apiOpts.Expiry = queueClient

		expiryWorker, err := worker.NewServer(logger, cfg.Redis.RedisClientOpt(), worker.Config{
			Queue:       cfg.Queue.Name,
			Concurrency: cfg.Queue.Concurrency,
		}, a.artifacts, a.registry)
		if err != nil {
			return fmt.Errorf("initialize expiry worker: %w", err)
		}
		g.Go(func() error { return expiryWorker.Run(gctx) })
		logger.Info("artifact expiry enabled", zap.Duration("ttl", queueClient.TTL()), zap.String("queue", cfg.Queue.Name))
	}

	gin.SetMode(gin.ReleaseMode)
	server, err := api.NewServer(a.processor, a.artifacts, apiOpts)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      cfg.RemoveBG.Timeout + 2*time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.HTTP.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}
