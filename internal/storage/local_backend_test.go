package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/dunamismax/flipcut/internal/domain"
	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalBackendRejectsPathsOutsideDir(t *testing.T) {
	root := t.TempDir()
	backend, err := NewLocalBackend(filepath.Join(root, "uploads"))
	require.NoError(t, err)
	ctx := context.Background()

	outside := filepath.Join(root, "secret.txt")
	require.NoError(t, os.WriteFile(outside, []byte("secret"), 0o644))

	_, _, err = backend.Open(ctx, outside)
	require.ErrorIs(t, err, domain.ErrNotFound)

	require.Error(t, backend.Remove(ctx, outside))
	_, err = os.Stat(outside)
	require.NoError(t, err, "file outside the artifacts dir must survive")

	_, err = backend.Write(ctx, "../escape.png", []byte("x"), domain.ContentTypePNG)
	require.Error(t, err)
}

func TestLocalBackendOpenMissingFile(t *testing.T) {
	backend, err := NewLocalBackend(t.TempDir())
	require.NoError(t, err)

	_, _, err = backend.Open(context.Background(), filepath.Join(backend.Dir(), "gone.png"))
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestNewLocalBackendRequiresDir(t *testing.T) {
	_, err := NewLocalBackend("  ")
	require.Error(t, err)
}

func TestNewObjectBackendRequiresBucket(t *testing.T) {
	_, err := NewObjectBackend(ObjectConfig{Endpoint: "localhost:9000"})
	require.Error(t, err)
}

func TestObjectBackendPrefixDefaults(t *testing.T) {
	backend, err := NewObjectBackend(ObjectConfig{
		Endpoint: "localhost:9000",
		Access:   "minioadmin",
		Secret:   "minioadmin",
		Bucket:   "flipcut",
		Prefix:   "/",
	})
	require.NoError(t, err)
	assert.Equal(t, "artifacts", backend.prefix)
	assert.Equal(t, "flipcut", backend.Bucket())

	_, _, err = backend.Open(context.Background(), "elsewhere/key.png")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestIsNoSuchKey(t *testing.T) {
	assert.True(t, isNoSuchKey(minio.ErrorResponse{Code: "NoSuchKey"}))
	assert.False(t, isNoSuchKey(minio.ErrorResponse{Code: "AccessDenied"}))
}
