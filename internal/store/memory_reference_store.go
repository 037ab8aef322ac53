package store

import (
	"context"
	"sync"

	"github.com/dunamismax/flipcut/internal/domain"
)

// MemoryReferenceStore keeps references for the lifetime of the process only;
// every token is gone after a restart.
type MemoryReferenceStore struct {
	mu     sync.RWMutex
	refs   map[string]domain.Artifact
	byPath map[string]map[string]struct{}
}

func NewMemoryReferenceStore() *MemoryReferenceStore {
	return &MemoryReferenceStore{
		refs:   make(map[string]domain.Artifact),
		byPath: make(map[string]map[string]struct{}),
	}
}

func (s *MemoryReferenceStore) Insert(_ context.Context, token string, artifact domain.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.refs[token]; exists {
		return ErrReferenceExists
	}
	s.refs[token] = artifact

	tokens, ok := s.byPath[artifact.Path]
	if !ok {
		tokens = make(map[string]struct{})
		s.byPath[artifact.Path] = tokens
	}
	tokens[token] = struct{}{}
	return nil
}

func (s *MemoryReferenceStore) Get(_ context.Context, token string) (domain.Artifact, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	artifact, ok := s.refs[token]
	return artifact, ok, nil
}

func (s *MemoryReferenceStore) DeleteByPath(_ context.Context, paths ...string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, path := range paths {
		for token := range s.byPath[path] {
			delete(s.refs, token)
			removed++
		}
		delete(s.byPath, path)
	}
	return removed, nil
}

func (s *MemoryReferenceStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.refs)
}
