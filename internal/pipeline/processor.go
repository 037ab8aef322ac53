package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/dunamismax/flipcut/internal/domain"
	"github.com/dunamismax/flipcut/internal/logging"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultMaxUploadBytes = 20 << 20
	DefaultMaxInFlight    = 4
)

// Upload is one raw image handed over by the boundary layer.
type Upload struct {
	Filename    string
	ContentType string
	Body        io.Reader
}

type BackgroundRemover interface {
	Remove(ctx context.Context, image []byte, filename string) ([]byte, error)
}

type ArtifactStore interface {
	Store(ctx context.Context, data []byte, kind domain.ArtifactKind, derivedFrom string) (domain.Artifact, error)
	IssueReference(ctx context.Context, artifact domain.Artifact) (string, error)
	Delete(ctx context.Context, paths ...string) error
}

type Options struct {
	MaxUploadBytes int64
	MaxInFlight    int64
	MaxPixels      int
	Registerer     prometheus.Registerer
}

// Processor runs the fixed normalize, remove background, flip, persist
// sequence for one upload at a time per caller. Stages never run in parallel
// within a run; concurrent runs share only the artifact store and the
// bounded pool of upstream removal slots.
type Processor struct {
	logger         *zap.Logger
	transformer    Transformer
	remover        BackgroundRemover
	artifacts      ArtifactStore
	maxUploadBytes int64
	removalSlots   *semaphore.Weighted
	metrics        *metrics
	tracer         trace.Tracer
	newRequestID   func() string
}

func NewProcessor(logger *zap.Logger, remover BackgroundRemover, artifacts ArtifactStore, opts Options) (*Processor, error) {
	if remover == nil {
		return nil, errors.New("background remover is required")
	}
	if artifacts == nil {
		return nil, errors.New("artifact store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	transformer, err := newTransformer(opts.MaxPixels)
	if err != nil {
		return nil, fmt.Errorf("build transformer: %w", err)
	}

	maxUploadBytes := opts.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = DefaultMaxUploadBytes
	}
	maxInFlight := opts.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}

	return &Processor{
		logger:         logger.Named("pipeline"),
		transformer:    transformer,
		remover:        remover,
		artifacts:      artifacts,
		maxUploadBytes: maxUploadBytes,
		removalSlots:   semaphore.NewWeighted(maxInFlight),
		metrics:        newMetrics(opts.Registerer),
		tracer:         otel.Tracer("flipcut/pipeline"),
		newRequestID:   uuid.NewString,
	}, nil
}

// Run takes one upload to a stored original and processed artifact. Any stage
// failure aborts the run and is returned as *Error; no reference is left
// behind for a failed run.
func (p *Processor) Run(ctx context.Context, upload Upload) (domain.Result, error) {
	requestID := p.newRequestID()
	logger := logging.WithOperation(p.logger, "pipeline.run", requestID)

	ctx, span := p.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("request.id", requestID),
		attribute.String("upload.filename", upload.Filename),
	))
	defer span.End()

	startedAt := time.Now()
	result, err := p.run(ctx, logger, upload)
	if err != nil {
		kind := domain.KindOf(err)
		stage, _ := StageOf(err)
		p.metrics.runsTotal.WithLabelValues(string(kind)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, string(stage))
		logger.Error("pipeline failed",
			zap.String("stage", string(stage)),
			zap.String("kind", string(kind)),
			zap.Duration("elapsed", time.Since(startedAt)),
			zap.Error(err),
		)
		return domain.Result{}, err
	}

	result.RequestID = requestID
	p.metrics.runsTotal.WithLabelValues("ok").Inc()
	p.metrics.pixelsProcessedTotal.Add(float64(result.Width * result.Height))
	span.SetStatus(codes.Ok, "completed")
	logger.Info("pipeline completed",
		zap.String("original", result.Original.Path),
		zap.String("processed", result.Processed.Path),
		zap.Int("width", result.Width),
		zap.Int("height", result.Height),
		zap.Duration("elapsed", time.Since(startedAt)),
	)
	return result, nil
}

func (p *Processor) run(ctx context.Context, logger *zap.Logger, upload Upload) (domain.Result, error) {
	var input []byte
	err := p.runStage(ctx, StageReceived, func(context.Context) error {
		data, mimeType, err := p.readUpload(upload)
		if err != nil {
			return err
		}
		input = data
		logger.Debug("upload received",
			zap.String("filename", upload.Filename),
			zap.String("declared_type", upload.ContentType),
			zap.String("detected_type", mimeType),
			zap.Int("bytes", len(data)),
		)
		return nil
	})
	if err != nil {
		return domain.Result{}, err
	}

	var normalized []byte
	err = p.runStage(ctx, StageNormalize, func(ctx context.Context) error {
		data, _, _, err := p.transformer.Normalize(ctx, input)
		normalized = data
		return err
	})
	if err != nil {
		return domain.Result{}, err
	}

	var cutout []byte
	err = p.runStage(ctx, StageRemoveBackground, func(ctx context.Context) error {
		if err := p.removalSlots.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("%w: wait for removal slot: %v", domain.ErrNetworkFailure, err)
		}
		defer p.removalSlots.Release(1)

		p.metrics.removalsInFlight.Inc()
		defer p.metrics.removalsInFlight.Dec()

		data, err := p.remover.Remove(ctx, normalized, normalizedFilename(upload.Filename))
		if err != nil {
			return err
		}
		if len(data) == 0 {
			return fmt.Errorf("%w: empty response body", domain.ErrUpstream)
		}
		cutout = data
		return nil
	})
	if err != nil {
		return domain.Result{}, err
	}

	var (
		flipped       []byte
		width, height int
	)
	err = p.runStage(ctx, StageTransform, func(ctx context.Context) error {
		data, w, h, err := p.transformer.FlipHorizontal(ctx, cutout)
		flipped, width, height = data, w, h
		return err
	})
	if err != nil {
		return domain.Result{}, err
	}

	result := domain.Result{Width: width, Height: height}
	err = p.runStage(ctx, StageStore, func(ctx context.Context) error {
		return p.persist(ctx, logger, normalized, flipped, &result)
	})
	if err != nil {
		return domain.Result{}, err
	}
	return result, nil
}

func (p *Processor) persist(ctx context.Context, logger *zap.Logger, normalized, flipped []byte, result *domain.Result) error {
	original, err := p.artifacts.Store(ctx, normalized, domain.ArtifactKindOriginal, "")
	if err != nil {
		return fmt.Errorf("store original: %w", err)
	}

	processed, err := p.artifacts.Store(ctx, flipped, domain.ArtifactKindProcessed, original.Path)
	if err != nil {
		p.discard(ctx, logger, original.Path)
		return fmt.Errorf("store processed: %w", err)
	}
	original.Derivative = processed.Path

	originalRef, err := p.artifacts.IssueReference(ctx, original)
	if err != nil {
		p.discard(ctx, logger, processed.Path, original.Path)
		return fmt.Errorf("issue original reference: %w", err)
	}

	processedRef, err := p.artifacts.IssueReference(ctx, processed)
	if err != nil {
		p.discard(ctx, logger, processed.Path, original.Path)
		return fmt.Errorf("issue processed reference: %w", err)
	}

	result.Original = original
	result.Processed = processed
	result.OriginalReference = originalRef
	result.Reference = processedRef
	return nil
}

// discard removes artifacts written by a run that did not complete. It runs
// even when the run's context is already cancelled.
func (p *Processor) discard(ctx context.Context, logger *zap.Logger, paths ...string) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := p.artifacts.Delete(cleanupCtx, paths...); err != nil {
		logger.Warn("discard partial artifacts failed", zap.Strings("paths", paths), zap.Error(err))
	}
}

func (p *Processor) runStage(ctx context.Context, stage Stage, fn func(context.Context) error) error {
	ctx, span := p.tracer.Start(ctx, "pipeline."+string(stage))
	defer span.End()

	startedAt := time.Now()
	err := fn(ctx)
	outcome := "ok"
	if err != nil {
		outcome = string(domain.KindOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	p.metrics.stageDuration.WithLabelValues(string(stage), outcome).Observe(time.Since(startedAt).Seconds())

	if err != nil {
		return &Error{Stage: stage, Err: err}
	}
	return nil
}

func (p *Processor) readUpload(upload Upload) ([]byte, string, error) {
	if upload.Body == nil {
		return nil, "", fmt.Errorf("%w: missing body", domain.ErrInvalidUpload)
	}

	data, err := io.ReadAll(io.LimitReader(upload.Body, p.maxUploadBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("%w: read body: %v", domain.ErrInvalidUpload, err)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: empty body", domain.ErrInvalidUpload)
	}
	if int64(len(data)) > p.maxUploadBytes {
		return nil, "", fmt.Errorf("%w: body exceeds %d bytes", domain.ErrInvalidUpload, p.maxUploadBytes)
	}

	detected := mimetype.Detect(data)
	if !isRasterMIME(detected) {
		return nil, "", fmt.Errorf("%w: detected %s", domain.ErrUnsupportedFormat, detected.String())
	}
	return data, detected.String(), nil
}

func isRasterMIME(m *mimetype.MIME) bool {
	if m.Is("image/svg+xml") {
		return false
	}
	for ; m != nil; m = m.Parent() {
		if strings.HasPrefix(m.String(), "image/") {
			return true
		}
	}
	return false
}

func normalizedFilename(filename string) string {
	base := filepath.Base(strings.TrimSpace(filename))
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if base == "." || base == string(filepath.Separator) {
		base = ""
	}
	return sanitizePathToken(base) + ".png"
}

func sanitizePathToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "upload"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
