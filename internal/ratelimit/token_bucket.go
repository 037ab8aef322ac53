package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultKeyPrefix = "flipcut:ratelimit"

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	RetryAfter time.Duration
}

// takeScript refills the bucket for the time elapsed since its last update,
// then tries to take the requested tokens. It returns
// {allowed, remaining, retry_after_ms}.
var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call("HMGET", KEYS[1], "tokens", "updated_at")
local tokens = tonumber(state[1]) or capacity
local updated_at = tonumber(state[2]) or now

tokens = math.min(capacity, tokens + math.max(0, now - updated_at) * rate)

local allowed = 0
local wait = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
else
  wait = math.ceil((cost - tokens) / rate)
end

redis.call("HSET", KEYS[1], "tokens", tokens, "updated_at", now)
redis.call("PEXPIRE", KEYS[1], ttl)

return {allowed, math.floor(tokens), wait}
`)

// RedisTokenBucket is a per-subject token bucket kept in Redis so every API
// replica shares one budget. Capacity tokens refill evenly over window.
type RedisTokenBucket struct {
	client    redis.UniversalClient
	capacity  int64
	perMilli  float64
	ttl       time.Duration
	keyPrefix string
	now       func() time.Time
}

func NewRedisTokenBucket(client redis.UniversalClient, capacity int, window time.Duration, keyPrefix string) (*RedisTokenBucket, error) {
	switch {
	case client == nil:
		return nil, errors.New("redis client is required")
	case capacity <= 0:
		return nil, errors.New("capacity must be positive")
	case window <= 0:
		return nil, errors.New("window must be positive")
	}

	keyPrefix = strings.TrimSuffix(strings.TrimSpace(keyPrefix), ":")
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}

	return &RedisTokenBucket{
		client:    client,
		capacity:  int64(capacity),
		perMilli:  float64(capacity) / float64(max(1, window.Milliseconds())),
		ttl:       2 * window,
		keyPrefix: keyPrefix,
		now:       time.Now,
	}, nil
}

func (l *RedisTokenBucket) Allow(ctx context.Context, subject string) (Decision, error) {
	return l.AllowN(ctx, subject, 1)
}

// AllowN takes cost tokens from subject's bucket if they are available.
func (l *RedisTokenBucket) AllowN(ctx context.Context, subject string, cost int64) (Decision, error) {
	if cost <= 0 || cost > l.capacity {
		return Decision{}, fmt.Errorf("cost %d outside 1..%d", cost, l.capacity)
	}

	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "anonymous"
	}

	values, err := takeScript.Run(ctx, l.client, []string{l.keyPrefix + ":" + subject},
		l.capacity,
		l.perMilli,
		l.now().UnixMilli(),
		cost,
		l.ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("run token bucket script: %w", err)
	}
	if len(values) != 3 {
		return Decision{}, fmt.Errorf("token bucket script returned %d values", len(values))
	}

	return Decision{
		Allowed:    values[0] == 1,
		Limit:      l.capacity,
		Remaining:  values[1],
		RetryAfter: time.Duration(values[2]) * time.Millisecond,
	}, nil
}
