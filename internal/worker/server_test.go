package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dunamismax/flipcut/internal/queue"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

type captureDeleter struct {
	paths [][]string
	err   error
}

func (d *captureDeleter) Delete(_ context.Context, paths ...string) error {
	d.paths = append(d.paths, paths)
	return d.err
}

func newTestServer(deleter ArtifactDeleter) *Server {
	return &Server{
		logger:  zap.NewNop(),
		deleter: deleter,
		metrics: newMetrics(prometheus.NewRegistry()),
		tracer:  otel.Tracer("test"),
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func expireTask(t *testing.T, paths ...string) *asynq.Task {
	t.Helper()
	task, err := queue.NewExpireArtifactsTask(queue.ExpireArtifactsPayload{
		RequestID:   "req-1",
		Paths:       paths,
		RequestedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	return task
}

func TestHandleExpireArtifactsDeletesPaths(t *testing.T) {
	deleter := &captureDeleter{}
	s := newTestServer(deleter)

	err := s.handleExpireArtifacts(context.Background(), expireTask(t, "p.png", "o.png"))
	require.NoError(t, err)

	require.Len(t, deleter.paths, 1)
	assert.Equal(t, []string{"p.png", "o.png"}, deleter.paths[0])
	assert.Equal(t, 2.0, counterValue(t, s.metrics.artifactsExpiredTotal))
	assert.Equal(t, 1.0, counterValue(t, s.metrics.tasksTotal.WithLabelValues(queue.TypeExpireArtifacts, statusSucceeded)))
}

func TestHandleExpireArtifactsSkipsRetryOnBadPayload(t *testing.T) {
	deleter := &captureDeleter{}
	s := newTestServer(deleter)

	err := s.handleExpireArtifacts(context.Background(), asynq.NewTask(queue.TypeExpireArtifacts, []byte("garbage")))
	require.ErrorIs(t, err, asynq.SkipRetry)
	assert.Empty(t, deleter.paths)
	assert.Equal(t, 1.0, counterValue(t, s.metrics.tasksTotal.WithLabelValues(queue.TypeExpireArtifacts, statusFailed)))
}

func TestHandleExpireArtifactsReturnsDeleteError(t *testing.T) {
	s := newTestServer(&captureDeleter{err: errors.New("bucket offline")})

	err := s.handleExpireArtifacts(context.Background(), expireTask(t, "p.png"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
	assert.Contains(t, err.Error(), "bucket offline")
}

func TestNewServerValidates(t *testing.T) {
	opt := asynq.RedisClientOpt{Addr: "localhost:6379"}

	_, err := NewServer(nil, opt, Config{Queue: "flipcut"}, nil, nil)
	require.Error(t, err)

	_, err = NewServer(nil, opt, Config{}, &captureDeleter{}, nil)
	require.Error(t, err)
}
