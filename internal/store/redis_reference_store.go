package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dunamismax/flipcut/internal/domain"
	"github.com/redis/go-redis/v9"
)

// RedisReferenceStore is the durable counterpart of MemoryReferenceStore:
// references survive restarts for as long as the Redis data does.
//
// Layout:
//
//	<prefix>:ref:<token>  -> JSON artifact
//	<prefix>:path:<path>  -> set of tokens
type RedisReferenceStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

func NewRedisReferenceStore(client redis.UniversalClient, keyPrefix string) (*RedisReferenceStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if strings.TrimSpace(keyPrefix) == "" {
		keyPrefix = "flipcut"
	}
	return &RedisReferenceStore{client: client, keyPrefix: keyPrefix}, nil
}

func (s *RedisReferenceStore) refKey(token string) string {
	return s.keyPrefix + ":ref:" + token
}

func (s *RedisReferenceStore) pathKey(path string) string {
	return s.keyPrefix + ":path:" + path
}

func (s *RedisReferenceStore) Insert(ctx context.Context, token string, artifact domain.Artifact) error {
	body, err := json.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}

	created, err := s.client.SetNX(ctx, s.refKey(token), body, 0).Result()
	if err != nil {
		return fmt.Errorf("insert reference: %w", err)
	}
	if !created {
		return ErrReferenceExists
	}

	if err := s.client.SAdd(ctx, s.pathKey(artifact.Path), token).Err(); err != nil {
		_ = s.client.Del(ctx, s.refKey(token)).Err()
		return fmt.Errorf("index reference path: %w", err)
	}
	return nil
}

func (s *RedisReferenceStore) Get(ctx context.Context, token string) (domain.Artifact, bool, error) {
	body, err := s.client.Get(ctx, s.refKey(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Artifact{}, false, nil
		}
		return domain.Artifact{}, false, fmt.Errorf("get reference: %w", err)
	}

	var artifact domain.Artifact
	if err := json.Unmarshal(body, &artifact); err != nil {
		return domain.Artifact{}, false, fmt.Errorf("unmarshal artifact: %w", err)
	}
	return artifact, true, nil
}

func (s *RedisReferenceStore) DeleteByPath(ctx context.Context, paths ...string) (int, error) {
	removed := 0
	for _, path := range paths {
		tokens, err := s.client.SMembers(ctx, s.pathKey(path)).Result()
		if err != nil {
			return removed, fmt.Errorf("list references for %s: %w", path, err)
		}

		if len(tokens) > 0 {
			keys := make([]string, 0, len(tokens))
			for _, token := range tokens {
				keys = append(keys, s.refKey(token))
			}
			n, err := s.client.Del(ctx, keys...).Result()
			if err != nil {
				return removed, fmt.Errorf("delete references for %s: %w", path, err)
			}
			removed += int(n)
		}

		if err := s.client.Del(ctx, s.pathKey(path)).Err(); err != nil {
			return removed, fmt.Errorf("delete path index for %s: %w", path, err)
		}
	}
	return removed, nil
}
