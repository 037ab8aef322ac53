package storage

import (
	"context"
	"io"
)

// Backend persists artifact bytes. Write must never overwrite an existing
// object; Remove must succeed when the object is already gone.
type Backend interface {
	Write(ctx context.Context, name string, data []byte, contentType string) (path string, err error)
	Open(ctx context.Context, path string) (io.ReadCloser, int64, error)
	Remove(ctx context.Context, path string) error
}
