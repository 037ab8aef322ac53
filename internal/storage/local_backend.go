package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dunamismax/flipcut/internal/domain"
)

type LocalBackend struct {
	dir string
}

func NewLocalBackend(dir string) (*LocalBackend, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("artifacts directory is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve artifacts directory: %w", err)
	}
	return &LocalBackend{dir: abs}, nil
}

func (b *LocalBackend) Dir() string {
	return b.dir
}

func (b *LocalBackend) Write(ctx context.Context, name string, data []byte, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if name != filepath.Base(name) {
		return "", fmt.Errorf("invalid artifact name %q", name)
	}

	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifacts dir: %w", err)
	}

	fullPath := filepath.Join(b.dir, name)
	f, err := os.OpenFile(fullPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("create artifact file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(fullPath)
		return "", fmt.Errorf("write artifact file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(fullPath)
		return "", fmt.Errorf("close artifact file: %w", err)
	}
	return fullPath, nil
}

func (b *LocalBackend) Open(_ context.Context, path string) (io.ReadCloser, int64, error) {
	if !b.contains(path) {
		return nil, 0, domain.ErrNotFound
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, domain.ErrNotFound
		}
		return nil, 0, fmt.Errorf("open artifact file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, fmt.Errorf("stat artifact file: %w", err)
	}
	return f, info.Size(), nil
}

func (b *LocalBackend) Remove(_ context.Context, path string) error {
	if !b.contains(path) {
		return fmt.Errorf("refusing to remove %s outside %s", path, b.dir)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove artifact file: %w", err)
	}
	return nil
}

func (b *LocalBackend) contains(path string) bool {
	rel, err := filepath.Rel(b.dir, filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != "." && !strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel)
}
