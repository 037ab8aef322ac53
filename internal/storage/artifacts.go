package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dunamismax/flipcut/internal/domain"
	"github.com/dunamismax/flipcut/internal/id"
	"github.com/dunamismax/flipcut/internal/store"
)

const maxTokenAttempts = 3

// ArtifactStore writes artifacts through a Backend and owns the reference
// table that maps opaque tokens back to them. It is the only component that
// mutates that table.
type ArtifactStore struct {
	backend  Backend
	refs     store.ReferenceStore
	now      func() time.Time
	newName  func() string
	newToken func() (string, error)
}

func NewArtifactStore(backend Backend, refs store.ReferenceStore) (*ArtifactStore, error) {
	if backend == nil {
		return nil, errors.New("artifact backend is required")
	}
	if refs == nil {
		return nil, errors.New("reference store is required")
	}
	return &ArtifactStore{
		backend:  backend,
		refs:     refs,
		now:      time.Now,
		newName:  id.NewName,
		newToken: id.NewToken,
	}, nil
}

// Store writes data under "<kind>-<ksuid>.png". The ksuid combines wall-clock
// time with 128 random bits, so concurrent runs do not collide.
func (s *ArtifactStore) Store(ctx context.Context, data []byte, kind domain.ArtifactKind, derivedFrom string) (domain.Artifact, error) {
	name := fmt.Sprintf("%s-%s.png", kind, s.newName())
	path, err := s.backend.Write(ctx, name, data, domain.ContentTypePNG)
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}

	return domain.Artifact{
		Kind:        kind,
		Path:        path,
		DerivedFrom: derivedFrom,
		Bytes:       len(data),
		CreatedAt:   s.now().UTC(),
	}, nil
}

func (s *ArtifactStore) IssueReference(ctx context.Context, artifact domain.Artifact) (string, error) {
	for attempt := 0; attempt < maxTokenAttempts; attempt++ {
		token, err := s.newToken()
		if err != nil {
			return "", fmt.Errorf("%w: %v", domain.ErrStorage, err)
		}

		err = s.refs.Insert(ctx, token, artifact)
		if err == nil {
			return token, nil
		}
		if !errors.Is(err, store.ErrReferenceExists) {
			return "", fmt.Errorf("%w: %v", domain.ErrStorage, err)
		}
	}
	return "", fmt.Errorf("%w: no unique reference after %d attempts", domain.ErrStorage, maxTokenAttempts)
}

func (s *ArtifactStore) Resolve(ctx context.Context, reference string) (domain.Artifact, error) {
	if !id.IsToken(reference) {
		return domain.Artifact{}, domain.ErrNotFound
	}

	artifact, ok, err := s.refs.Get(ctx, reference)
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}
	if !ok {
		return domain.Artifact{}, domain.ErrNotFound
	}
	return artifact, nil
}

func (s *ArtifactStore) Open(ctx context.Context, artifact domain.Artifact) (io.ReadCloser, int64, error) {
	rc, size, err := s.backend.Open(ctx, artifact.Path)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, 0, err
		}
		return nil, 0, fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}
	return rc, size, nil
}

// Delete removes the files and every reference pointing at them. Paths that
// are already gone are skipped, so repeating a delete is harmless.
func (s *ArtifactStore) Delete(ctx context.Context, paths ...string) error {
	if _, err := s.refs.DeleteByPath(ctx, paths...); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}

	var errs []error
	for _, path := range paths {
		if err := s.backend.Remove(ctx, path); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", domain.ErrStorage, errors.Join(errs...))
	}
	return nil
}
