package store

import (
	"context"
	"errors"

	"github.com/dunamismax/flipcut/internal/domain"
)

var ErrReferenceExists = errors.New("reference already issued")

// ReferenceStore maps opaque reference tokens to stored artifacts. A path may
// carry several tokens; deleting by path drops all of them.
type ReferenceStore interface {
	Insert(ctx context.Context, token string, artifact domain.Artifact) error
	Get(ctx context.Context, token string) (domain.Artifact, bool, error)
	DeleteByPath(ctx context.Context, paths ...string) (int, error)
}
