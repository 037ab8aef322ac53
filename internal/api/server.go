package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/dunamismax/flipcut/internal/domain"
	"github.com/dunamismax/flipcut/internal/pipeline"
	"github.com/dunamismax/flipcut/internal/ratelimit"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	// FieldImage is the multipart field carrying the upload. FieldImageFile
	// is accepted as well for clients of the remove.bg style form.
	FieldImage     = "image"
	FieldImageFile = "image_file"

	multipartOverhead = 1 << 20
)

type Pipeline interface {
	Run(ctx context.Context, upload pipeline.Upload) (domain.Result, error)
}

type Artifacts interface {
	Resolve(ctx context.Context, reference string) (domain.Artifact, error)
	Open(ctx context.Context, artifact domain.Artifact) (io.ReadCloser, int64, error)
	Delete(ctx context.Context, paths ...string) error
}

type ExpiryScheduler interface {
	ScheduleExpiry(ctx context.Context, result domain.Result) error
}

type RateLimiter interface {
	Allow(ctx context.Context, subject string) (ratelimit.Decision, error)
}

type Options struct {
	Logger            *zap.Logger
	Registry          *prometheus.Registry
	RateLimiter       RateLimiter
	Expiry            ExpiryScheduler
	CORSAllowedOrigin string
	MaxUploadBytes    int64
}

type Server struct {
	logger         *zap.Logger
	pipeline       Pipeline
	artifacts      Artifacts
	expiry         ExpiryScheduler
	rateLimiter    RateLimiter
	registry       *prometheus.Registry
	metrics        *metrics
	tracer         trace.Tracer
	corsOrigin     string
	maxUploadBytes int64
	engine         *gin.Engine
}

func NewServer(p Pipeline, artifacts Artifacts, opts Options) (*Server, error) {
	if p == nil {
		return nil, errors.New("pipeline is required")
	}
	if artifacts == nil {
		return nil, errors.New("artifacts are required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	maxUploadBytes := opts.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = pipeline.DefaultMaxUploadBytes
	}

	s := &Server{
		logger:         logger.Named("api"),
		pipeline:       p,
		artifacts:      artifacts,
		expiry:         opts.Expiry,
		rateLimiter:    opts.RateLimiter,
		registry:       registry,
		metrics:        newMetrics(registry),
		tracer:         otel.Tracer("flipcut/api"),
		corsOrigin:     strings.TrimSpace(opts.CORSAllowedOrigin),
		maxUploadBytes: maxUploadBytes,
	}
	s.engine = s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() *gin.Engine {
	engine := gin.New()
	engine.MaxMultipartMemory = 8 << 20
	engine.Use(
		gin.Recovery(),
		s.withRequestLog(),
		s.withTracing(),
		s.metrics.withHTTPMetrics(),
		s.withCORS(),
	)

	engine.GET("/healthz", s.handleHealthz)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	images := engine.Group("/api/image")
	images.POST("/upload", s.withRateLimit(), s.handleUpload)
	images.GET("/files/:ref", s.handleFile)
	images.DELETE("/:id", s.handleDelete)
	return engine
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleUpload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxUploadBytes+multipartOverhead)

	header, err := formImage(c)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": fmt.Sprintf("upload exceeds %d bytes", s.maxUploadBytes),
				"kind":  domain.KindInvalidUpload,
				"stage": pipeline.StageReceived,
			})
			return
		}
		if errors.Is(err, http.ErrMissingFile) {
			err = fmt.Errorf("multipart field %q or %q is required", FieldImage, FieldImageFile)
		} else {
			err = fmt.Errorf("parse multipart form: %v", err)
		}
		s.writeError(c, &pipeline.Error{
			Stage: pipeline.StageReceived,
			Err:   fmt.Errorf("%w: %v", domain.ErrInvalidUpload, err),
		})
		return
	}

	src, err := header.Open()
	if err != nil {
		s.writeError(c, &pipeline.Error{
			Stage: pipeline.StageReceived,
			Err:   fmt.Errorf("%w: open upload: %v", domain.ErrInvalidUpload, err),
		})
		return
	}
	defer src.Close()

	ctx := c.Request.Context()
	result, err := s.pipeline.Run(ctx, pipeline.Upload{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Body:        src,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}

	s.scheduleExpiry(ctx, result)

	processedURL := fileURL(result.Reference)
	c.Header("Location", processedURL)
	c.JSON(http.StatusCreated, gin.H{
		"id":         result.Reference,
		"request_id": result.RequestID,
		"original":   fileURL(result.OriginalReference),
		"processed":  processedURL,
		"width":      result.Width,
		"height":     result.Height,
	})
}

func (s *Server) scheduleExpiry(ctx context.Context, result domain.Result) {
	if s.expiry == nil {
		return
	}
	if err := s.expiry.ScheduleExpiry(ctx, result); err != nil {
		s.metrics.expiryScheduled.WithLabelValues("failed").Inc()
		s.logger.Warn("schedule artifact expiry failed",
			zap.String("request_id", result.RequestID),
			zap.Error(err),
		)
		return
	}
	s.metrics.expiryScheduled.WithLabelValues("scheduled").Inc()
}

func (s *Server) handleFile(c *gin.Context) {
	ctx := c.Request.Context()
	artifact, err := s.artifacts.Resolve(ctx, c.Param("ref"))
	if err != nil {
		s.writeError(c, err)
		return
	}

	rc, size, err := s.artifacts.Open(ctx, artifact)
	if err != nil {
		s.writeError(c, err)
		return
	}
	defer rc.Close()

	c.DataFromReader(http.StatusOK, size, domain.ContentTypePNG, rc, map[string]string{
		"X-Content-Type-Options": "nosniff",
	})
}

func (s *Server) handleDelete(c *gin.Context) {
	ctx := c.Request.Context()
	artifact, err := s.artifacts.Resolve(ctx, c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}

	if err := s.artifacts.Delete(ctx, artifact.Paths()...); err != nil {
		s.writeError(c, err)
		return
	}
	s.logger.Info("artifacts deleted", zap.Strings("paths", artifact.Paths()))
	c.Status(http.StatusNoContent)
}

func formImage(c *gin.Context) (*multipart.FileHeader, error) {
	header, err := c.FormFile(FieldImage)
	if err == nil {
		return header, nil
	}
	if errors.Is(err, http.ErrMissingFile) {
		return c.FormFile(FieldImageFile)
	}
	return nil, err
}

func fileURL(reference string) string {
	return "/api/image/files/" + reference
}
