package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/flipcut/internal/config"
	"github.com/dunamismax/flipcut/internal/pipeline"
	"github.com/dunamismax/flipcut/internal/removebg"
	"github.com/dunamismax/flipcut/internal/storage"
	"github.com/dunamismax/flipcut/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// app holds the components shared by every command.
type app struct {
	logger    *zap.Logger
	registry  *prometheus.Registry
	redis     *redis.Client
	remover   *removebg.Client
	artifacts *storage.ArtifactStore
	processor *pipeline.Processor
	closers   []func() error
}

func newApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	a := &app{
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}

	if cfg.NeedsRedis() {
		client := redis.NewClient(cfg.Redis.Options())
		a.closers = append(a.closers, client.Close)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
		}
		a.redis = client
	}

	backend, err := newBackend(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	refs, err := newReferenceStore(cfg, a.redis)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.artifacts, err = storage.NewArtifactStore(backend, refs)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.remover = removebg.NewClient(removebg.Config{
		APIKey:   cfg.RemoveBG.APIKey,
		Endpoint: cfg.RemoveBG.Endpoint,
		Timeout:  cfg.RemoveBG.Timeout,
		Size:     cfg.RemoveBG.Size,
	}, logger)
	if !a.remover.Configured() {
		logger.Warn("BACKGROUND_REMOVAL_API_KEY is not set; uploads will fail at the remove_background stage")
	}

	a.processor, err = pipeline.NewProcessor(logger, a.remover, a.artifacts, pipeline.Options{
		MaxUploadBytes: cfg.Pipeline.MaxUploadBytes,
		MaxInFlight:    cfg.RemoveBG.MaxInFlight,
		MaxPixels:      cfg.Pipeline.MaxPixels,
		Registerer:     a.registry,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("initialize pipeline: %w", err)
	}

	logger.Info("pipeline ready",
		zap.String("transformer", pipeline.TransformerName()),
		zap.String("artifacts_backend", cfg.Artifacts.Backend),
		zap.String("reference_backend", cfg.References.Backend),
	)
	return a, nil
}

func newBackend(ctx context.Context, cfg config.Config) (storage.Backend, error) {
	switch cfg.Artifacts.Backend {
	case config.ArtifactsBackendMinIO:
		backend, err := storage.NewObjectBackend(storage.ObjectConfig{
			Endpoint: cfg.Storage.Endpoint,
			Access:   cfg.Storage.AccessKey,
			Secret:   cfg.Storage.SecretKey,
			Bucket:   cfg.Storage.Bucket,
			UseSSL:   cfg.Storage.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("initialize object storage: %w", err)
		}
		if err := backend.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return backend, nil
	default:
		backend, err := storage.NewLocalBackend(cfg.Artifacts.Dir)
		if err != nil {
			return nil, fmt.Errorf("initialize local storage: %w", err)
		}
		return backend, nil
	}
}

func newReferenceStore(cfg config.Config, client *redis.Client) (store.ReferenceStore, error) {
	if cfg.References.Backend != config.ReferenceBackendRedis {
		return store.NewMemoryReferenceStore(), nil
	}
	if client == nil {
		return nil, errors.New("redis reference store requires a redis client")
	}
	return store.NewRedisReferenceStore(client, "")
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
}
