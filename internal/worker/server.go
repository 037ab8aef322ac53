package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/flipcut/internal/logging"
	"github.com/dunamismax/flipcut/internal/queue"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	statusSucceeded = "succeeded"
	statusFailed    = "failed"
)

// ArtifactDeleter removes artifact files and every reference that points at
// them.
type ArtifactDeleter interface {
	Delete(ctx context.Context, paths ...string) error
}

type Config struct {
	Queue       string
	Concurrency int
}

// Server consumes artifact expiry tasks.
type Server struct {
	logger  *zap.Logger
	server  *asynq.Server
	deleter ArtifactDeleter
	metrics *metrics
	tracer  trace.Tracer
}

func NewServer(logger *zap.Logger, redisOpt asynq.RedisConnOpt, cfg Config, deleter ArtifactDeleter, reg prometheus.Registerer) (*Server, error) {
	if deleter == nil {
		return nil, errors.New("artifact deleter is required")
	}
	if cfg.Queue == "" {
		return nil, errors.New("queue name is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("worker")

	return &Server{
		logger: logger,
		server: asynq.NewServer(redisOpt, asynq.Config{
			Concurrency: max(1, cfg.Concurrency),
			Queues: map[string]int{
				cfg.Queue: 1,
			},
			Logger:   logger.Sugar(),
			LogLevel: asynq.InfoLevel,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logger.Warn("task failed",
					zap.String("type", task.Type()),
					zap.Int("retry", retried),
					zap.Int("max_retry", maxRetry),
					zap.Error(err),
				)
			}),
		}),
		deleter: deleter,
		metrics: newMetrics(reg),
		tracer:  otel.Tracer("flipcut/worker"),
	}, nil
}

// Run processes tasks until ctx is cancelled, then drains in-flight tasks.
func (s *Server) Run(ctx context.Context) error {
	if err := s.server.Start(s.mux()); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	s.logger.Info("worker started")

	<-ctx.Done()
	s.server.Shutdown()
	s.logger.Info("worker stopped")
	return nil
}

func (s *Server) mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeExpireArtifacts, s.handleExpireArtifacts)
	return mux
}

func (s *Server) handleExpireArtifacts(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	status := statusFailed
	defer func() {
		s.metrics.taskDuration.WithLabelValues(task.Type(), status).Observe(time.Since(startedAt).Seconds())
		s.metrics.tasksTotal.WithLabelValues(task.Type(), status).Inc()
	}()

	payload, err := queue.ParseExpireArtifactsPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.expire_artifacts", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("request.id", payload.RequestID),
		attribute.Int("artifact.count", len(payload.Paths)),
	)
	defer span.End()

	logger := logging.WithOperation(s.logger, "worker.expire_artifacts", payload.RequestID)
	if err := s.deleter.Delete(ctx, payload.Paths...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delete failed")
		return fmt.Errorf("expire artifacts: %w", err)
	}

	s.metrics.artifactsExpiredTotal.Add(float64(len(payload.Paths)))
	logger.Info("artifacts expired",
		zap.Strings("paths", payload.Paths),
		zap.Duration("age", time.Since(payload.RequestedAt)),
	)
	status = statusSucceeded
	span.SetStatus(codes.Ok, "expired")
	return nil
}
